package xform

// Uniform cubic B-spline basis functions on a unit cell, t in [0,1].
// Weight k belongs to the control point at offset k from the cell origin.

func bspline(k int, t float64) float64 {
	switch k {
	case 0:
		u := 1 - t
		return u * u * u / 6
	case 1:
		return (3*t*t*t - 6*t*t + 4) / 6
	case 2:
		return (-3*t*t*t + 3*t*t + 3*t + 1) / 6
	case 3:
		return t * t * t / 6
	}
	return 0
}

func derivBspline(k int, t float64) float64 {
	switch k {
	case 0:
		u := 1 - t
		return -u * u / 2
	case 1:
		return 1.5*t*t - 2*t
	case 2:
		return -1.5*t*t + t + 0.5
	case 3:
		return t * t / 2
	}
	return 0
}

func secondDerivBspline(k int, t float64) float64 {
	switch k {
	case 0:
		return 1 - t
	case 1:
		return 3*t - 2
	case 2:
		return -3*t + 1
	case 3:
		return t
	}
	return 0
}

// splineWeights fills the four basis weights, and optionally derivatives,
// for fractional cell position t.
func splineWeights(t float64, w, dw *[4]float64) {
	for k := 0; k < 4; k++ {
		w[k] = bspline(k, t)
		if dw != nil {
			dw[k] = derivBspline(k, t)
		}
	}
}

// Weights of the three non-zero basis functions evaluated exactly at a
// control point, for offsets -1, 0 and +1.
var (
	cpSpline       = [3]float64{1.0 / 6, 2.0 / 3, 1.0 / 6}
	cpDerivSpline  = [3]float64{-0.5, 0, 0.5}
	cpSecondSpline = [3]float64{1, -2, 1}
)
