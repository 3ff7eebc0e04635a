// Package parallel provides the fixed-size worker pool used for voxel and
// control point loops, plus the partitioning helpers that keep concurrently
// processed work items independent.
package parallel

import (
	"runtime"
	"sync"
)

// TaskFunc is executed once per task. taskIdx runs over [0, taskCnt);
// threadIdx identifies the executing worker in [0, threadCnt) and may be
// used to address per-worker scratch memory.
//
// A task that panics is abandoned: its work contributes nothing and the
// fault is not reported, so tasks should publish results only at their end.
type TaskFunc func(taskIdx, taskCnt, threadIdx, threadCnt int)

type job struct {
	fn   TaskFunc
	idx  int
	cnt  int
	done *sync.WaitGroup
}

// Pool is a fixed set of worker goroutines fed through a channel.
// Run must not be called from inside a running task.
type Pool struct {
	numThreads int
	jobs       chan job

	closeOnce sync.Once
	workers   sync.WaitGroup
}

// NewPool starts a pool with n workers; n <= 0 selects runtime.NumCPU().
func NewPool(n int) *Pool {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	p := &Pool{
		numThreads: n,
		jobs:       make(chan job, n),
	}
	p.workers.Add(n)
	for i := 0; i < n; i++ {
		go p.worker(i)
	}
	return p
}

var (
	defaultPool     *Pool
	defaultPoolOnce sync.Once
)

// Default returns a process-wide pool sized to the number of CPUs.
func Default() *Pool {
	defaultPoolOnce.Do(func() {
		defaultPool = NewPool(0)
	})
	return defaultPool
}

// NumberOfThreads returns the number of workers.
func (p *Pool) NumberOfThreads() int {
	return p.numThreads
}

// Run executes numTasks tasks and blocks until all of them have finished.
func (p *Pool) Run(numTasks int, fn TaskFunc) {
	if numTasks <= 0 {
		return
	}
	var done sync.WaitGroup
	done.Add(numTasks)
	for i := 0; i < numTasks; i++ {
		p.jobs <- job{fn: fn, idx: i, cnt: numTasks, done: &done}
	}
	done.Wait()
}

// Close stops the workers after queued jobs have drained.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.jobs)
	})
	p.workers.Wait()
}

func (p *Pool) worker(threadIdx int) {
	defer p.workers.Done()
	for j := range p.jobs {
		p.execute(j, threadIdx)
	}
}

func (p *Pool) execute(j job, threadIdx int) {
	defer j.done.Done()
	defer func() {
		_ = recover()
	}()
	j.fn(j.idx, j.cnt, threadIdx, p.numThreads)
}
