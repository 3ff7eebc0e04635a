// Package registration implements the multi-resolution drivers that
// register a floating volume to a reference volume, first with an affine
// transformation and then with a B-spline free-form deformation.
package registration

import (
	"context"
	"math"

	"github.com/charmbracelet/log"

	"warpreg/internal/models"
	"warpreg/pkg/functional"
	"warpreg/pkg/metric"
	"warpreg/pkg/optimizer"
	"warpreg/pkg/parallel"
	"warpreg/pkg/volume"
)

// levelDriver is implemented by the affine and the elastic driver. The
// engine pops levels coarsest first and, per level, alternates
// enterResolution, optimization and doneResolution until doneResolution
// reports the level complete.
type levelDriver interface {
	makeFunctional(level *models.ResolutionLevel) (functional.Functional, error)
	enterResolution(f functional.Functional, idx, total int) error
	doneResolution(f functional.Functional, idx, total int) bool
}

// engine holds the state shared by both drivers.
type engine struct {
	params   Params
	logger   *log.Logger
	callback optimizer.Callback
	pool     *parallel.Pool
	opt      optimizer.Optimizer

	levels  []models.ResolutionLevel
	visited []models.ResolutionLevel
}

func newEngine(p Params) engine {
	return engine{
		params:   p,
		logger:   log.Default(),
		callback: optimizer.NopCallback{},
		pool:     parallel.NewPool(p.Threads),
	}
}

// SetLogger replaces the default logger.
func (e *engine) SetLogger(logger *log.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// SetCallback installs a progress callback.
func (e *engine) SetCallback(cb optimizer.Callback) {
	if cb == nil {
		cb = optimizer.NopCallback{}
	}
	e.callback = cb
}

// VisitedLevels returns the levels entered by Register in order.
func (e *engine) VisitedLevels() []models.ResolutionLevel {
	return append([]models.ResolutionLevel(nil), e.visited...)
}

// Close releases the worker pool.
func (e *engine) Close() {
	e.pool.Close()
}

func (e *engine) newMetric(ref, flt *models.Volume) (metric.Metric, error) {
	return metric.New(e.params.Metric, ref, flt, e.params.Bins)
}

func (e *engine) newOptimizer() optimizer.Optimizer {
	var opt optimizer.Optimizer
	switch e.params.Optimizer {
	case OptimizerBestDirection:
		o := optimizer.NewBestDirection()
		o.UseMaxNorm = e.params.UseMaxNorm
		o.SetStepFactor(e.params.StepFactor)
		o.SetDeltaFThreshold(e.params.DeltaFThreshold)
		opt = o
	case OptimizerNelderMead:
		o := optimizer.NewNelderMead()
		o.SetStepFactor(e.params.StepFactor)
		o.SetDeltaFThreshold(e.params.DeltaFThreshold)
		opt = o
	default:
		o := optimizer.NewBestNeighbour()
		o.SetStepFactor(e.params.StepFactor)
		o.SetDeltaFThreshold(e.params.DeltaFThreshold)
		opt = o
	}
	return opt
}

// buildPyramid computes the level stack for ref and flt: resampled levels
// from max(sampling, 2*min voxel size) doubling up to coarsest, visited
// coarsest first, and optionally the original data last.
func (e *engine) buildPyramid(ref, flt *models.Volume, coarsest float64) error {
	sampling := math.Max(e.params.Sampling, 2*math.Min(ref.MinDelta(), flt.MinDelta()))

	var resolutions []float64
	for r := sampling; r <= coarsest; r *= 2 {
		resolutions = append(resolutions, r)
	}

	e.levels = e.levels[:0]
	for i := len(resolutions) - 1; i >= 0; i-- {
		e.levels = append(e.levels, models.ResolutionLevel{Resolution: resolutions[i]})
	}
	if e.params.UseOriginalData {
		e.levels = append(e.levels, models.ResolutionLevel{Resolution: -1})
	}
	if len(e.levels) == 0 {
		return configErrorf("sampling", "no resolution level between %g and %g mm and original data disabled", sampling, coarsest)
	}
	for i := range e.levels {
		e.levels[i].Index = i + 1
	}
	return nil
}

// levelVolumes returns the images of a level, resampled unless it is the
// original data level.
func (e *engine) levelVolumes(level *models.ResolutionLevel, ref, flt *models.Volume) (*models.Volume, *models.Volume) {
	if level.Original() {
		return ref, flt
	}
	return volume.Resample(ref, level.Resolution, e.pool), volume.Resample(flt, level.Resolution, e.pool)
}

// run executes the level loop. The optimizer step starts at exploration and
// halves from level to level, never dropping below the accuracy. A
// cancelled context or a callback interrupt ends the loop after the current
// optimizer trial; the transformation keeps the best parameters so far.
func (e *engine) run(ctx context.Context, d levelDriver, exploration, accuracy float64) (optimizer.CallbackResult, error) {
	cb := contextCallback{ctx: ctx, inner: e.callback}
	e.opt.SetCallback(cb)
	e.visited = e.visited[:0]

	total := len(e.levels)
	irq := optimizer.CallbackOK
	for i := range e.levels {
		if ctx.Err() != nil {
			irq = optimizer.CallbackInterrupted
		}
		if irq != optimizer.CallbackOK {
			break
		}
		level := &e.levels[i]
		idx := i + 1

		f, err := d.makeFunctional(level)
		if err != nil {
			return optimizer.CallbackFailed, err
		}
		e.visited = append(e.visited, models.ResolutionLevel{Index: level.Index, Resolution: level.Resolution})
		if lc, ok := e.callback.(*LoggingCallback); ok && lc.History != nil {
			lc.History.SetLevel(idx)
		}

		step := math.Max(exploration, accuracy)
		e.logger.Info("entering level", "index", idx, "of", total, "resolution", level.Resolution, "step", step)

		for done := false; !done; {
			if err := d.enterResolution(f, idx, total); err != nil {
				return optimizer.CallbackFailed, err
			}
			e.opt.SetFunctional(f)
			v := f.ParamVector()
			irq, err = e.opt.Optimize(v, step, accuracy)
			if err != nil {
				return optimizer.CallbackFailed, err
			}
			e.logger.Debug("optimizer finished", "index", idx, "result", irq, "changed", e.opt.LastOptimizeChangedParameters())
			done = d.doneResolution(f, idx, total)
			if irq != optimizer.CallbackOK {
				break
			}
		}
		e.opt.SetFunctional(nil)
		exploration *= 0.5
	}
	if irq != optimizer.CallbackOK {
		e.logger.Warn("registration stopped early", "result", irq)
	}
	return irq, nil
}
