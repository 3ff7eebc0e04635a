package parallel

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestRunExecutesEveryTask(t *testing.T) {
	pool := NewPool(4)
	defer pool.Close()

	for _, numTasks := range []int{0, 1, 3, 4, 17, 256} {
		seen := make([]int32, numTasks)
		pool.Run(numTasks, func(taskIdx, taskCnt, threadIdx, threadCnt int) {
			if taskCnt != numTasks {
				t.Errorf("Expected task count %d, got %d", numTasks, taskCnt)
			}
			if threadIdx < 0 || threadIdx >= threadCnt {
				t.Errorf("Thread index %d out of range [0,%d)", threadIdx, threadCnt)
			}
			atomic.AddInt32(&seen[taskIdx], 1)
		})
		for i, n := range seen {
			if n != 1 {
				t.Errorf("Expected task %d of %d to run once, ran %d times", i, numTasks, n)
			}
		}
	}
}

func TestPanickingTaskIsAbandoned(t *testing.T) {
	pool := NewPool(2)
	defer pool.Close()

	var completed int32
	pool.Run(8, func(taskIdx, _, _, _ int) {
		if taskIdx == 3 {
			panic("task failure")
		}
		atomic.AddInt32(&completed, 1)
	})
	if completed != 7 {
		t.Errorf("Expected 7 completed tasks, got %d", completed)
	}

	// The pool keeps working afterwards.
	var after int32
	pool.Run(4, func(int, int, int, int) { atomic.AddInt32(&after, 1) })
	if after != 4 {
		t.Errorf("Expected 4 tasks after a panic, got %d", after)
	}
}

func TestPerThreadScratch(t *testing.T) {
	pool := NewPool(3)
	defer pool.Close()

	scratch := make([]int, pool.NumberOfThreads())
	var mu sync.Mutex
	total := 0
	pool.Run(300, func(_, _, threadIdx, _ int) {
		scratch[threadIdx]++
		mu.Lock()
		total++
		mu.Unlock()
	})

	sum := 0
	for _, n := range scratch {
		sum += n
	}
	if sum != 300 || total != 300 {
		t.Errorf("Expected 300 tasks, got %d in scratch and %d total", sum, total)
	}
}

func TestDefaultPoolIsShared(t *testing.T) {
	if Default() != Default() {
		t.Errorf("Expected the same default pool")
	}
	if Default().NumberOfThreads() <= 0 {
		t.Errorf("Expected a positive thread count")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	pool := NewPool(2)
	pool.Close()
	pool.Close()
}
