package xform

// GridEnergyAtControlPoint returns the thin-plate bending energy density at
// interior control point (i,j,k): the sum over displacement components of
// the squared second derivatives, with mixed terms counted twice.
func (w *SplineWarp) GridEnergyAtControlPoint(i, j, k int) float64 {
	var second [3][6]float64 // xx, yy, zz, xy, yz, xz per component
	data := w.coeff.Data
	for c := 0; c < 3; c++ {
		for b := 0; b < 3; b++ {
			off := w.coeff.Offset(i-1, j-1+b, k-1+c)
			for a := 0; a < 3; a++ {
				f := [6]float64{
					cpSecondSpline[a] * cpSpline[b] * cpSpline[c],
					cpSpline[a] * cpSecondSpline[b] * cpSpline[c],
					cpSpline[a] * cpSpline[b] * cpSecondSpline[c],
					cpDerivSpline[a] * cpDerivSpline[b] * cpSpline[c],
					cpSpline[a] * cpDerivSpline[b] * cpDerivSpline[c],
					cpDerivSpline[a] * cpSpline[b] * cpDerivSpline[c],
				}
				for d := 0; d < 3; d++ {
					coeff := data[off+d]
					for term := range f {
						second[d][term] += f[term] * coeff
					}
				}
				off += 3
			}
		}
	}

	sx, sy, sz := w.invSpacing[0], w.invSpacing[1], w.invSpacing[2]
	scale := [6]float64{sx * sx, sy * sy, sz * sz, sx * sy, sy * sz, sx * sz}
	var energy float64
	for d := 0; d < 3; d++ {
		for term := 0; term < 6; term++ {
			v := second[d][term] * scale[term]
			if term < 3 {
				energy += v * v
			} else {
				energy += 2 * v * v
			}
		}
	}
	return energy
}

// GridEnergy returns the bending energy summed over the interior control
// points and normalized by the control point count.
func (w *SplineWarp) GridEnergy() float64 {
	planes := w.dims[2] - 2
	partial := make([]float64, planes)
	w.workers().Run(planes, func(taskIdx, _, _, _ int) {
		k := taskIdx + 1
		var sum float64
		for j := 1; j < w.dims[1]-1; j++ {
			for i := 1; i < w.dims[0]-1; i++ {
				sum += w.GridEnergyAtControlPoint(i, j, k)
			}
		}
		partial[taskIdx] = sum
	})
	var total float64
	for _, p := range partial {
		total += p
	}
	return total / float64(w.NumberOfControlPoints())
}

// GridEnergyDerivative returns the change of GridEnergy when parameter param
// is decreased (lower) or increased (upper) by step, evaluated over the
// 3x3x3 control point neighbourhood that the parameter affects.
func (w *SplineWarp) GridEnergyDerivative(param int, step float64) (lower, upper float64) {
	eval := func() float64 {
		return w.sumNeighbourhood(param, w.GridEnergyAtControlPoint)
	}
	old := w.coeff.Data[param]
	ground := eval()
	w.coeff.Data[param] = old + step
	up := eval()
	w.coeff.Data[param] = old - step
	low := eval()
	w.coeff.Data[param] = old

	norm := float64(w.NumberOfControlPoints())
	return (low - ground) / norm, (up - ground) / norm
}
