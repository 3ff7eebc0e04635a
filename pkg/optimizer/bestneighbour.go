package optimizer

// BestNeighbour is a pattern search: every pass tries a positive and a
// negative step along each parameter and takes the single best improving
// move. Passes repeat until no move improves, then the step shrinks.
type BestNeighbour struct {
	base
}

// NewBestNeighbour returns an optimizer with step factor 0.5.
func NewBestNeighbour() *BestNeighbour {
	return &BestNeighbour{base: newBase()}
}

func (o *BestNeighbour) Optimize(v []float64, exploration, accuracy float64) (CallbackResult, error) {
	if err := o.validate(v, exploration, accuracy); err != nil {
		return CallbackFailed, err
	}
	o.changed = false
	o.evaluations = 0
	f := o.functional
	dim := f.VariableParamVectorDim()

	optimum := o.evaluate(v)
	irq := o.callback.Execute(v, optimum, 0)

	for step := exploration; step >= accuracy && irq == CallbackOK; step *= o.StepFactor {
		pct := percent(step, exploration, accuracy)
		for update := true; update && irq == CallbackOK; {
			update = false
			previous := optimum
			bestDim, bestMove := -1, 0.0

			for d := 0; d < dim && irq == CallbackOK; d++ {
				move := f.ParamStep(d, step)
				if move == 0 {
					continue
				}
				old := v[d]
				for _, signed := range [2]float64{move, -move} {
					v[d] = old + signed
					if value := o.evaluate(v); value > optimum {
						optimum = value
						bestDim, bestMove = d, signed
					}
				}
				v[d] = old
				irq = o.callback.ExecutePercent(pct)
			}

			if bestDim >= 0 {
				v[bestDim] += bestMove
				o.changed = true
				update = !o.smallImprovement(previous, optimum)
				if irq == CallbackOK {
					irq = o.callback.Execute(v, optimum, pct)
				}
			}
		}
	}

	// Leave the functional (and its transformation) at the accepted vector.
	o.evaluate(v)
	return irq, nil
}
