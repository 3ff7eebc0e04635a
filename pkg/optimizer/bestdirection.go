package optimizer

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// BestDirection follows the finite-difference gradient supplied by the
// functional. The gradient is normalized (maximum norm by default), scaled
// to the current step in mm and accepted at the first of a few halving
// trial lengths that improves the objective.
type BestDirection struct {
	base

	// UseMaxNorm normalizes by the largest gradient entry instead of the
	// Euclidean norm.
	UseMaxNorm bool
	// LineSearchSteps is the number of halvings tried along the direction.
	LineSearchSteps int
}

// NewBestDirection returns an optimizer with step factor 0.5, maximum norm
// and three line search halvings.
func NewBestDirection() *BestDirection {
	return &BestDirection{base: newBase(), UseMaxNorm: true, LineSearchSteps: 3}
}

func (o *BestDirection) Optimize(v []float64, exploration, accuracy float64) (CallbackResult, error) {
	if err := o.validate(v, exploration, accuracy); err != nil {
		return CallbackFailed, err
	}
	o.changed = false
	o.evaluations = 0
	f := o.functional
	n := len(v)
	dim := f.VariableParamVectorDim()

	gradient := make([]float64, n)
	direction := make([]float64, n)
	trial := make([]float64, n)

	optimum := o.evaluate(v)
	irq := o.callback.Execute(v, optimum, 0)

	for step := exploration; step >= accuracy && irq == CallbackOK; step *= o.StepFactor {
		pct := percent(step, exploration, accuracy)
		for update := true; update && irq == CallbackOK; {
			update = false
			previous := optimum

			o.evaluations++
			optimum = f.EvaluateWithGradient(v, gradient, step)

			// Gradient entries are objective differences over one mm step;
			// express the direction in parameter units.
			for d := range direction {
				direction[d] = 0
				if d >= dim {
					continue
				}
				if scale := f.ParamStep(d, 1); scale > 0 {
					direction[d] = gradient[d]
				}
			}
			norm := floats.Norm(direction, 2)
			if o.UseMaxNorm {
				norm = floats.Norm(direction, math.Inf(1))
			}
			if norm == 0 {
				break
			}
			for d := range direction {
				if direction[d] != 0 {
					direction[d] *= f.ParamStep(d, step) / norm
				}
			}

			lambda := 1.0
			for attempt := 0; attempt <= o.LineSearchSteps; attempt++ {
				floats.AddScaledTo(trial, v, lambda, direction)
				value := o.evaluate(trial)
				irq = o.callback.ExecutePercent(pct)
				if value > optimum {
					copy(v, trial)
					optimum = value
					o.changed = true
					update = !o.smallImprovement(previous, optimum)
					break
				}
				if irq != CallbackOK {
					break
				}
				lambda /= 2
			}
			if o.changed && update && irq == CallbackOK {
				irq = o.callback.Execute(v, optimum, pct)
			}
		}
	}

	o.evaluate(v)
	return irq, nil
}
