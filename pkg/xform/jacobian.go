package xform

import (
	"math"

	"github.com/golang/geo/r3"

	"warpreg/internal/models"
)

// voxelTables caches, for every voxel index along each axis of a registered
// image grid, the spline cell and the four basis weights and derivatives.
// The tables are immutable once built and may be shared between clones.
type voxelTables struct {
	dims  [3]int
	delta [3]float64

	cell   [3][]int
	weight [3][]float64
	deriv  [3][]float64

	// voiFrom/voiTo give, per axis and control point index, the range of
	// voxel indices whose value depends on that control point.
	voiFrom [3][]int
	voiTo   [3][]int
}

// RegisterVolume precomputes spline tables for a voxel grid with the given
// dimensions and voxel size. It enables ApplyVoxel, the sequence Jacobians,
// VolumeOfInfluence and the dense constraints. It must not run concurrently
// with any of those.
func (w *SplineWarp) RegisterVolume(dims [3]int, delta [3]float64) {
	t := &voxelTables{dims: dims, delta: delta}
	for axis := 0; axis < 3; axis++ {
		n := dims[axis]
		t.cell[axis] = make([]int, n)
		t.weight[axis] = make([]float64, 4*n)
		t.deriv[axis] = make([]float64, 4*n)
		for x := 0; x < n; x++ {
			g, f := w.locate(float64(x)*delta[axis], axis)
			t.cell[axis][x] = g
			for k := 0; k < 4; k++ {
				t.weight[axis][4*x+k] = bspline(k, f)
				t.deriv[axis][4*x+k] = derivBspline(k, f)
			}
		}

		cps := w.dims[axis]
		t.voiFrom[axis] = make([]int, cps)
		t.voiTo[axis] = make([]int, cps)
		for i := 0; i < cps; i++ {
			from, to := n, 0
			for x := 0; x < n; x++ {
				if g := t.cell[axis][x]; g >= i-3 && g <= i {
					if x < from {
						from = x
					}
					to = x + 1
				}
			}
			if to <= from {
				from, to = 0, 0
			}
			t.voiFrom[axis][i], t.voiTo[axis][i] = from, to
		}
	}
	w.tables = t
}

// Registered reports whether RegisterVolume has been called.
func (w *SplineWarp) Registered() bool {
	return w.tables != nil
}

// RegisteredDims returns the dimensions of the registered voxel grid.
func (w *SplineWarp) RegisteredDims() [3]int {
	if w.tables == nil {
		return [3]int{}
	}
	return w.tables.dims
}

func tableWeights(tab []float64, x int) *[4]float64 {
	return (*[4]float64)(tab[4*x : 4*x+4])
}

// ApplyVoxel maps voxel (x,y,z) of the registered grid using the
// precomputed tables.
func (w *SplineWarp) ApplyVoxel(x, y, z int) r3.Vector {
	t := w.tables
	v := r3.Vector{X: float64(x) * t.delta[0], Y: float64(y) * t.delta[1], Z: float64(z) * t.delta[2]}
	d := w.sum(t.cell[0][x], t.cell[1][y], t.cell[2][z],
		tableWeights(t.weight[0], x), tableWeights(t.weight[1], y), tableWeights(t.weight[2], z))
	return applyAffine(w.initial, v).Add(d)
}

// VolumeOfInfluence returns the region of the registered grid affected by
// the control point that owns parameter param.
func (w *SplineWarp) VolumeOfInfluence(param int) models.Region {
	i, j, k, _ := w.coeff.ControlPointIndex(param)
	return w.controlPointVOI(i, j, k)
}

func (w *SplineWarp) controlPointVOI(i, j, k int) models.Region {
	t := w.tables
	if t == nil {
		return models.Region{}
	}
	return models.Region{
		From: [3]int{t.voiFrom[0][i], t.voiFrom[1][j], t.voiFrom[2][k]},
		To:   [3]int{t.voiTo[0][i], t.voiTo[1][j], t.voiTo[2][k]},
	}
}

// Jacobian returns dT/dx at v including the initial affine part.
func (w *SplineWarp) Jacobian(v r3.Vector) Matrix3 {
	gx, tx := w.locate(v.X, 0)
	gy, ty := w.locate(v.Y, 1)
	gz, tz := w.locate(v.Z, 2)
	var wx, wy, wz, dwx, dwy, dwz [4]float64
	splineWeights(tx, &wx, &dwx)
	splineWeights(ty, &wy, &dwy)
	splineWeights(tz, &wz, &dwz)

	var j Matrix3
	data := w.coeff.Data
	for c := 0; c < 4; c++ {
		for b := 0; b < 4; b++ {
			off := w.coeff.Offset(gx, gy+b, gz+c)
			for a := 0; a < 4; a++ {
				fx := dwx[a] * wy[b] * wz[c]
				fy := wx[a] * dwy[b] * wz[c]
				fz := wx[a] * wy[b] * dwz[c]
				for d := 0; d < 3; d++ {
					coeff := data[off+d]
					j[d][0] += fx * coeff
					j[d][1] += fy * coeff
					j[d][2] += fz * coeff
				}
				off += 3
			}
		}
	}
	return w.finishJacobian(j)
}

// finishJacobian applies the grid-to-physical chain rule and adds the
// affine part.
func (w *SplineWarp) finishJacobian(j Matrix3) Matrix3 {
	for d := 0; d < 3; d++ {
		for axis := 0; axis < 3; axis++ {
			j[d][axis] = j[d][axis]*w.invSpacing[axis] + w.initialLinear[d][axis]
		}
	}
	return j
}

// JacobianDeterminant returns det(dT/dx) at v.
func (w *SplineWarp) JacobianDeterminant(v r3.Vector) float64 {
	return w.Jacobian(v).Det()
}

// JacobianSequence fills out[0:n] with the Jacobians of voxels
// (x..x+n-1, y, z) of the registered grid. The y/z parts of the tensor
// product are summed once per control point column of the row, after which
// every voxel needs only four terms per entry.
func (w *SplineWarp) JacobianSequence(out []Matrix3, x, y, z, n int) {
	if n <= 0 {
		return
	}
	t := w.tables
	gy, gz := t.cell[1][y], t.cell[2][z]
	wy, dwy := tableWeights(t.weight[1], y), tableWeights(t.deriv[1], y)
	wz, dwz := tableWeights(t.weight[2], z), tableWeights(t.deriv[2], z)

	gxFrom := t.cell[0][x]
	columns := t.cell[0][x+n-1] + 4 - gxFrom

	// phi: value along y/z, phiY: d/dy, phiZ: d/dz, 3 components per column.
	phi := make([]float64, 3*columns)
	phiY := make([]float64, 3*columns)
	phiZ := make([]float64, 3*columns)
	data := w.coeff.Data
	for col := 0; col < columns; col++ {
		for c := 0; c < 4; c++ {
			for b := 0; b < 4; b++ {
				fv := wy[b] * wz[c]
				fy := dwy[b] * wz[c]
				fz := wy[b] * dwz[c]
				off := w.coeff.Offset(gxFrom+col, gy+b, gz+c)
				for d := 0; d < 3; d++ {
					coeff := data[off+d]
					phi[3*col+d] += fv * coeff
					phiY[3*col+d] += fy * coeff
					phiZ[3*col+d] += fz * coeff
				}
			}
		}
	}

	for p := 0; p < n; p++ {
		xx := x + p
		base := t.cell[0][xx] - gxFrom
		wx, dwx := tableWeights(t.weight[0], xx), tableWeights(t.deriv[0], xx)
		var j Matrix3
		for a := 0; a < 4; a++ {
			col := 3 * (base + a)
			for d := 0; d < 3; d++ {
				j[d][0] += dwx[a] * phi[col+d]
				j[d][1] += wx[a] * phiY[col+d]
				j[d][2] += wx[a] * phiZ[col+d]
			}
		}
		out[p] = w.finishJacobian(j)
	}
}

// JacobianDeterminantSequence fills values[0:n] with the Jacobian
// determinants of voxels (x..x+n-1, y, z) of the registered grid.
func (w *SplineWarp) JacobianDeterminantSequence(values []float64, x, y, z, n int) {
	js := make([]Matrix3, n)
	w.JacobianSequence(js, x, y, z, n)
	for i := range js {
		values[i] = js[i].Det()
	}
}

// JacobianAtControlPoint evaluates the Jacobian exactly at interior control
// point (i,j,k), where only three basis functions per axis are non-zero.
func (w *SplineWarp) JacobianAtControlPoint(i, j, k int) Matrix3 {
	var jac Matrix3
	data := w.coeff.Data
	for c := 0; c < 3; c++ {
		for b := 0; b < 3; b++ {
			off := w.coeff.Offset(i-1, j-1+b, k-1+c)
			for a := 0; a < 3; a++ {
				fx := cpDerivSpline[a] * cpSpline[b] * cpSpline[c]
				fy := cpSpline[a] * cpDerivSpline[b] * cpSpline[c]
				fz := cpSpline[a] * cpSpline[b] * cpDerivSpline[c]
				for d := 0; d < 3; d++ {
					coeff := data[off+d]
					jac[d][0] += fx * coeff
					jac[d][1] += fy * coeff
					jac[d][2] += fz * coeff
				}
				off += 3
			}
		}
	}
	return w.finishJacobian(jac)
}

// minJacobianRatio bounds J/Jglobal from below in the logarithmic penalty;
// folded points (J <= 0) receive the penalty of this ratio.
const minJacobianRatio = 1e-8

func logPenalty(j, jg float64) float64 {
	r := j / jg
	if r < minJacobianRatio {
		r = minJacobianRatio
	}
	return math.Abs(math.Log(r))
}

func foldingPenalty(j, jg float64) float64 {
	if math.Abs(j) < minJacobianRatio*math.Abs(jg) {
		j = minJacobianRatio * jg
		if j == 0 {
			j = minJacobianRatio
		}
	}
	return math.Abs(jg/j + j/jg - 2)
}

// JacobianConstraint returns the volume preservation energy
// mean |log(J/Jglobal)| over the registered grid, or over the control
// points if no grid is registered.
func (w *SplineWarp) JacobianConstraint() float64 {
	return w.denseConstraint(logPenalty)
}

// JacobianFoldingConstraint returns mean |Jg/J + J/Jg - 2|, which grows
// without bound as the determinant approaches zero.
func (w *SplineWarp) JacobianFoldingConstraint() float64 {
	return w.denseConstraint(foldingPenalty)
}

// JacobianConstraintSparse evaluates the volume preservation energy at the
// interior control points only, normalized by the control point count.
func (w *SplineWarp) JacobianConstraintSparse() float64 {
	return w.sparseConstraint(logPenalty)
}

func (w *SplineWarp) denseConstraint(penalty func(j, jg float64) float64) float64 {
	t := w.tables
	if t == nil {
		return w.sparseConstraint(penalty)
	}
	jg := w.GlobalScaling()
	rows := t.dims[1] * t.dims[2]
	pool := w.workers()
	numTasks := min(rows, 4*pool.NumberOfThreads())
	partial := make([]float64, numTasks)

	pool.Run(numTasks, func(taskIdx, taskCnt, _, _ int) {
		values := make([]float64, t.dims[0])
		var sum float64
		for r := taskIdx; r < rows; r += taskCnt {
			w.JacobianDeterminantSequence(values, 0, r%t.dims[1], r/t.dims[1], t.dims[0])
			for _, j := range values {
				sum += penalty(j, jg)
			}
		}
		partial[taskIdx] = sum
	})

	var total float64
	for _, p := range partial {
		total += p
	}
	return total / float64(t.dims[0]*rows)
}

func (w *SplineWarp) sparseConstraint(penalty func(j, jg float64) float64) float64 {
	jg := w.GlobalScaling()
	planes := w.dims[2] - 2
	partial := make([]float64, planes)
	w.workers().Run(planes, func(taskIdx, _, _, _ int) {
		k := taskIdx + 1
		var sum float64
		for j := 1; j < w.dims[1]-1; j++ {
			for i := 1; i < w.dims[0]-1; i++ {
				sum += penalty(w.JacobianAtControlPoint(i, j, k).Det(), jg)
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

// JacobianConstraintDerivative returns the change of JacobianConstraint when
// parameter param is decreased (lower) or increased (upper) by step. Only the
// volume of influence of the parameter's control point is evaluated, since
// the determinant elsewhere does not depend on it. The coefficient is
// restored before returning.
func (w *SplineWarp) JacobianConstraintDerivative(param int, step float64) (lower, upper float64) {
	return w.constraintDerivative(param, step, logPenalty)
}

// JacobianFoldingConstraintDerivative is JacobianConstraintDerivative for
// the folding energy.
func (w *SplineWarp) JacobianFoldingConstraintDerivative(param int, step float64) (lower, upper float64) {
	return w.constraintDerivative(param, step, foldingPenalty)
}

func (w *SplineWarp) constraintDerivative(param int, step float64, penalty func(j, jg float64) float64) (float64, float64) {
	t := w.tables
	if t == nil {
		return w.sparseDerivative(param, step, penalty)
	}
	voi := w.VolumeOfInfluence(param)
	if voi.Empty() {
		return 0, 0
	}
	jg := w.GlobalScaling()
	n := voi.To[0] - voi.From[0]
	values := make([]float64, n)
	eval := func() float64 {
		var sum float64
		for z := voi.From[2]; z < voi.To[2]; z++ {
			for y := voi.From[1]; y < voi.To[1]; y++ {
				w.JacobianDeterminantSequence(values, voi.From[0], y, z, n)
				for _, j := range values {
					sum += penalty(j, jg)
				}
			}
		}
		return sum
	}

	old := w.coeff.Data[param]
	ground := eval()
	w.coeff.Data[param] = old + step
	up := eval()
	w.coeff.Data[param] = old - step
	low := eval()
	w.coeff.Data[param] = old

	norm := float64(t.dims[0] * t.dims[1] * t.dims[2])
	return (low - ground) / norm, (up - ground) / norm
}

// JacobianConstraintSparseDerivative is the derivative of
// JacobianConstraintSparse, evaluated over the 3x3x3 control point
// neighbourhood of the parameter's control point.
func (w *SplineWarp) JacobianConstraintSparseDerivative(param int, step float64) (lower, upper float64) {
	return w.sparseDerivative(param, step, logPenalty)
}

func (w *SplineWarp) sparseDerivative(param int, step float64, penalty func(j, jg float64) float64) (float64, float64) {
	jg := w.GlobalScaling()
	eval := func() float64 {
		return w.sumNeighbourhood(param, func(i, j, k int) float64 {
			return penalty(w.JacobianAtControlPoint(i, j, k).Det(), jg)
		})
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

// sumNeighbourhood sums f over the interior control points within one index
// of the control point owning param.
func (w *SplineWarp) sumNeighbourhood(param int, f func(i, j, k int) float64) float64 {
	ci, cj, ck, _ := w.coeff.ControlPointIndex(param)
	var sum float64
	for k := max(1, ck-1); k <= min(w.dims[2]-2, ck+1); k++ {
		for j := max(1, cj-1); j <= min(w.dims[1]-2, cj+1); j++ {
			for i := max(1, ci-1); i <= min(w.dims[0]-2, ci+1); i++ {
				sum += f(i, j, k)
			}
		}
	}
	return sum
}
