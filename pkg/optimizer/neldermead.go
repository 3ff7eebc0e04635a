package optimizer

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/optimize"
)

var errStopRequested = errors.New("callback requested stop")

// NelderMead runs gonum's downhill simplex over the active parameters,
// restarting with a halved simplex (in mm) from exploration down to
// accuracy. It needs no gradient and suits the low-dimensional affine
// searches.
type NelderMead struct {
	base

	// MaxEvaluations bounds the evaluations of each simplex run.
	MaxEvaluations int
}

// NewNelderMead returns a simplex optimizer with step factor 0.5.
func NewNelderMead() *NelderMead {
	return &NelderMead{base: newBase(), MaxEvaluations: 2000}
}

// recorder forwards gonum's major iterations to the callback and turns a
// stop request into an error that ends Minimize.
type recorder struct {
	o       *NelderMead
	toFull  func(x []float64) []float64
	percent int
	result  CallbackResult
}

func (r *recorder) Init() error { return nil }

func (r *recorder) Record(loc *optimize.Location, op optimize.Operation, _ *optimize.Stats) error {
	if op != optimize.MajorIteration {
		return nil
	}
	r.result = r.o.callback.Execute(r.toFull(loc.X), -loc.F, r.percent)
	if r.result != CallbackOK {
		return errStopRequested
	}
	return nil
}

func (o *NelderMead) Optimize(v []float64, exploration, accuracy float64) (CallbackResult, error) {
	if err := o.validate(v, exploration, accuracy); err != nil {
		return CallbackFailed, err
	}
	o.changed = false
	o.evaluations = 0
	f := o.functional

	var active []int
	var scale []float64
	for d := 0; d < f.VariableParamVectorDim(); d++ {
		if s := f.ParamStep(d, 1); s > 0 {
			active = append(active, d)
			scale = append(scale, s)
		}
	}

	start := append([]float64(nil), v...)
	best := append([]float64(nil), v...)
	optimum := o.evaluate(v)

	// x holds offsets in mm from start along the active parameters.
	toFull := func(x []float64) []float64 {
		full := append([]float64(nil), start...)
		for i, d := range active {
			full[d] += x[i] * scale[i]
		}
		return full
	}

	irq := o.callback.Execute(v, optimum, 0)
	x := make([]float64, len(active))
	for step := exploration; step >= accuracy && irq == CallbackOK && len(active) > 0; step *= o.StepFactor {
		problem := optimize.Problem{
			Func: func(x []float64) float64 {
				full := toFull(x)
				value := o.evaluate(full)
				if value > optimum {
					optimum = value
					copy(best, full)
					o.changed = true
				}
				return -value
			},
		}
		rec := &recorder{o: o, toFull: toFull, percent: percent(step, exploration, accuracy)}
		settings := &optimize.Settings{
			FuncEvaluations: o.MaxEvaluations,
			Converger: &optimize.FunctionConverge{
				Absolute:   o.DeltaFThreshold,
				Iterations: 10 * (len(active) + 1),
			},
			Recorder: rec,
		}
		result, err := optimize.Minimize(problem, x, settings, &optimize.NelderMead{SimplexSize: step})
		if err != nil && !errors.Is(err, errStopRequested) {
			return CallbackFailed, errors.Wrap(err, "nelder-mead")
		}
		if rec.result != CallbackOK {
			irq = rec.result
		}
		if result != nil && len(result.X) == len(x) {
			copy(x, result.X)
		}
	}

	copy(v, best)
	o.evaluate(v)
	return irq, nil
}
