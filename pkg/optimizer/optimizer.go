// Package optimizer implements the parameter searches that drive the
// registration functionals. All optimizers maximize.
package optimizer

import (
	"math"

	"github.com/pkg/errors"
)

// Functional is the objective seen by an optimizer.
type Functional interface {
	// EvaluateAt sets the parameters to v and returns the objective.
	EvaluateAt(v []float64) float64
	// EvaluateWithGradient sets the parameters to v, returns the objective
	// and fills g with finite differences taken with the given step (in
	// the units of ParamStep's mmStep).
	EvaluateWithGradient(v, g []float64, step float64) float64
	ParamVectorDim() int
	// VariableParamVectorDim is the number of leading parameters that may
	// change.
	VariableParamVectorDim() int
	// ParamStep converts a step in mm into units of parameter idx; zero
	// excludes the parameter from the search.
	ParamStep(idx int, mmStep float64) float64
}

// Optimizer searches a functional's parameter space.
type Optimizer interface {
	SetFunctional(f Functional)
	SetCallback(cb Callback)
	// Optimize improves v in place, starting with step size exploration
	// and stopping once the step falls below accuracy. On return v holds
	// the best parameters found and the functional has been evaluated at
	// them. A result other than CallbackOK means the callback asked to
	// stop; v is still the best vector so far.
	Optimize(v []float64, exploration, accuracy float64) (CallbackResult, error)
	// LastOptimizeChangedParameters reports whether the last Optimize
	// accepted at least one step.
	LastOptimizeChangedParameters() bool
}

// ErrNoFunctional is returned when Optimize runs without a functional.
var ErrNoFunctional = errors.New("optimizer has no functional")

// base carries the state shared by the pattern searches.
type base struct {
	functional Functional
	callback   Callback

	// StepFactor scales the step size between passes, 0 < StepFactor < 1.
	StepFactor float64
	// DeltaFThreshold ends a pass once the relative improvement of one
	// accepted step falls below it; zero disables the test.
	DeltaFThreshold float64

	changed     bool
	evaluations int
}

func newBase() base {
	return base{StepFactor: 0.5, callback: NopCallback{}}
}

func (b *base) SetFunctional(f Functional) { b.functional = f }

func (b *base) SetCallback(cb Callback) {
	if cb == nil {
		cb = NopCallback{}
	}
	b.callback = cb
}

// SetStepFactor sets the step reduction factor.
func (b *base) SetStepFactor(f float64) { b.StepFactor = f }

// SetDeltaFThreshold sets the relative improvement threshold.
func (b *base) SetDeltaFThreshold(t float64) { b.DeltaFThreshold = t }

func (b *base) LastOptimizeChangedParameters() bool { return b.changed }

// Evaluations returns the number of objective evaluations of the last run.
func (b *base) Evaluations() int { return b.evaluations }

func (b *base) validate(v []float64, exploration, accuracy float64) error {
	if b.functional == nil {
		return ErrNoFunctional
	}
	if len(v) != b.functional.ParamVectorDim() {
		return errors.Errorf("parameter vector has %d entries, functional expects %d", len(v), b.functional.ParamVectorDim())
	}
	if b.StepFactor <= 0 || b.StepFactor >= 1 {
		return errors.Errorf("step factor %g outside (0,1)", b.StepFactor)
	}
	if exploration <= 0 || accuracy <= 0 {
		return errors.Errorf("step sizes must be positive (exploration %g, accuracy %g)", exploration, accuracy)
	}
	return nil
}

func (b *base) evaluate(v []float64) float64 {
	b.evaluations++
	return b.functional.EvaluateAt(v)
}

// percent maps the current step onto 0..100 on a logarithmic scale between
// exploration and accuracy.
func percent(step, exploration, accuracy float64) int {
	if exploration <= accuracy {
		return 100
	}
	p := 100 * math.Log(exploration/step) / math.Log(exploration/accuracy)
	return int(math.Max(0, math.Min(100, p)))
}

// smallImprovement implements the DeltaFThreshold test.
func (b *base) smallImprovement(previous, current float64) bool {
	if b.DeltaFThreshold <= 0 {
		return false
	}
	denom := math.Abs(previous)
	if denom == 0 {
		denom = 1
	}
	return (current-previous)/denom < b.DeltaFThreshold
}
