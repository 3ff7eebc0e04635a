package xform

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"warpreg/internal/models"
	"warpreg/pkg/parallel"
)

// InverseOptions controls the Newton iteration used to invert a warp.
type InverseOptions struct {
	// Tolerance is the largest accepted residual |T(u) - v| in mm.
	Tolerance float64
	// MaxIterations bounds the number of Newton steps.
	MaxIterations int
}

// DefaultInverseOptions returns a tolerance of 0.01 mm and 50 iterations.
func DefaultInverseOptions() InverseOptions {
	return InverseOptions{Tolerance: 0.01, MaxIterations: 50}
}

// SplineWarp is a cubic B-spline free-form deformation on top of an optional
// initial affine transformation:
//
//	T(v) = A(v) + sum_{a,b,c} Bx_a(v) By_b(v) Bz_c(v) * d[gx+a, gy+b, gz+c]
//
// where d are displacement coefficients on a regular control point grid.
// Control point i along an axis sits at (i-1)*spacing, so the grid extends
// one cell beyond the domain on the low side and two on the high side, and
// every point of the domain has a full 4x4x4 neighbourhood of coefficients.
type SplineWarp struct {
	domain     r3.Vector
	dims       [3]int
	spacing    [3]float64
	invSpacing [3]float64

	coeff  CoefficientGrid
	active []bool

	initial       *Affine
	initialLinear Matrix3

	inverseOptions InverseOptions
	pool           *parallel.Pool

	// tables for the registered voxel grid, nil until RegisterVolume.
	tables *voxelTables
}

// NewSplineWarp creates a zero-displacement warp covering domain with control
// point spacing close to delta. With exactSpacing the spacing is delta and
// the grid is extended to cover the domain; otherwise the spacing is adjusted
// per axis so that the domain is an integer number of cells. initial may be
// nil for the identity.
func NewSplineWarp(domain r3.Vector, delta float64, initial *Affine, exactSpacing bool) (*SplineWarp, error) {
	if delta <= 0 {
		return nil, errors.Errorf("control point spacing %g must be positive", delta)
	}
	size := [3]float64{domain.X, domain.Y, domain.Z}
	var dims [3]int
	var spacing [3]float64
	for axis := 0; axis < 3; axis++ {
		if size[axis] < 0 {
			return nil, errors.Errorf("negative domain extent %g on axis %d", size[axis], axis)
		}
		var cells int
		if exactSpacing {
			cells = int(math.Ceil(size[axis]/delta - 1e-9))
			if cells < 1 {
				cells = 1
			}
			spacing[axis] = delta
		} else {
			cells = int(1 + size[axis]/delta)
			spacing[axis] = size[axis] / float64(cells)
			if spacing[axis] <= 0 {
				spacing[axis] = delta
			}
		}
		dims[axis] = cells + 3
	}
	w := &SplineWarp{
		domain:         domain,
		inverseOptions: DefaultInverseOptions(),
	}
	w.setGrid(dims, spacing, NewCoefficientGrid(dims))
	w.setInitial(initial)
	return w, nil
}

// NewSplineWarpFromGrid restores a warp from its grid geometry and
// coefficients, as stored by a transform archive.
func NewSplineWarpFromGrid(domain r3.Vector, dims [3]int, spacing [3]float64, coefficients []float64, initial *Affine) (*SplineWarp, error) {
	for axis := 0; axis < 3; axis++ {
		if dims[axis] < 4 {
			return nil, errors.Errorf("grid needs at least 4 control points per axis, axis %d has %d", axis, dims[axis])
		}
		if spacing[axis] <= 0 {
			return nil, errors.Errorf("control point spacing %g on axis %d must be positive", spacing[axis], axis)
		}
	}
	coeff := NewCoefficientGrid(dims)
	if len(coefficients) != len(coeff.Data) {
		return nil, errors.Errorf("grid %v needs %d coefficients, got %d", dims, len(coeff.Data), len(coefficients))
	}
	copy(coeff.Data, coefficients)
	w := &SplineWarp{
		domain:         domain,
		inverseOptions: DefaultInverseOptions(),
	}
	w.setGrid(dims, spacing, coeff)
	w.setInitial(initial)
	return w, nil
}

func (*SplineWarp) sealed() {}

func (w *SplineWarp) setGrid(dims [3]int, spacing [3]float64, coeff CoefficientGrid) {
	w.dims = dims
	w.spacing = spacing
	for axis := 0; axis < 3; axis++ {
		w.invSpacing[axis] = 1 / spacing[axis]
	}
	w.coeff = coeff
	w.active = make([]bool, len(coeff.Data))
	w.SetParametersActive()
}

// Dims returns the control point grid dimensions.
func (w *SplineWarp) Dims() [3]int {
	return w.dims
}

// Spacing returns the control point spacing per axis.
func (w *SplineWarp) Spacing() [3]float64 {
	return w.spacing
}

// Domain returns the physical extent covered by the warp.
func (w *SplineWarp) Domain() r3.Vector {
	return w.domain
}

// Coefficients returns the coefficient grid. Writes through Data change the
// warp.
func (w *SplineWarp) Coefficients() *CoefficientGrid {
	return &w.coeff
}

// NumberOfControlPoints returns the number of control points.
func (w *SplineWarp) NumberOfControlPoints() int {
	return w.coeff.NumberOfControlPoints()
}

// ControlPointPosition returns the physical location of control point (i,j,k).
func (w *SplineWarp) ControlPointPosition(i, j, k int) r3.Vector {
	return r3.Vector{
		X: float64(i-1) * w.spacing[0],
		Y: float64(j-1) * w.spacing[1],
		Z: float64(k-1) * w.spacing[2],
	}
}

// InitialAffine returns the initial affine transformation, or nil.
func (w *SplineWarp) InitialAffine() *Affine {
	return w.initial
}

// ReplaceInitialAffine swaps the initial affine transformation while keeping
// T unchanged: cubic B-splines reproduce linear functions exactly, so the
// difference between old and new affine is absorbed into the coefficients.
func (w *SplineWarp) ReplaceInitialAffine(a *Affine) {
	old := w.initial
	w.setInitial(a)

	for k := 0; k < w.dims[2]; k++ {
		for j := 0; j < w.dims[1]; j++ {
			for i := 0; i < w.dims[0]; i++ {
				p := w.ControlPointPosition(i, j, k)
				d := applyAffine(old, p).Sub(applyAffine(w.initial, p))
				off := w.coeff.Offset(i, j, k)
				w.coeff.Data[off] += d.X
				w.coeff.Data[off+1] += d.Y
				w.coeff.Data[off+2] += d.Z
			}
		}
	}
}

func (w *SplineWarp) setInitial(a *Affine) {
	if a == nil {
		w.initial = nil
		w.initialLinear = Identity3()
		return
	}
	w.initial = a.CloneAffine()
	w.initialLinear = w.initial.Matrix().Linear()
}

// applyAffine treats a nil transformation as the identity.
func applyAffine(a *Affine, v r3.Vector) r3.Vector {
	if a == nil {
		return v
	}
	return a.Apply(v)
}

// SetInverseOptions configures ApplyInverse.
func (w *SplineWarp) SetInverseOptions(opts InverseOptions) {
	w.inverseOptions = opts
}

// InverseOptions returns the current inversion settings.
func (w *SplineWarp) InverseOptions() InverseOptions {
	return w.inverseOptions
}

// SetPool selects the worker pool used by the constraint and energy sums.
func (w *SplineWarp) SetPool(p *parallel.Pool) {
	w.pool = p
}

func (w *SplineWarp) workers() *parallel.Pool {
	if w.pool == nil {
		return parallel.Default()
	}
	return w.pool
}

// locate returns the cell index and fractional position of coordinate v
// along axis. Points outside the domain use the nearest cell and
// extrapolate.
func (w *SplineWarp) locate(v float64, axis int) (int, float64) {
	r := v * w.invSpacing[axis]
	g := int(math.Floor(r))
	if g < 0 {
		g = 0
	} else if g > w.dims[axis]-4 {
		g = w.dims[axis] - 4
	}
	return g, r - float64(g)
}

// Displacement returns the spline part of T at v, without the affine.
func (w *SplineWarp) Displacement(v r3.Vector) r3.Vector {
	gx, tx := w.locate(v.X, 0)
	gy, ty := w.locate(v.Y, 1)
	gz, tz := w.locate(v.Z, 2)
	var wx, wy, wz [4]float64
	splineWeights(tx, &wx, nil)
	splineWeights(ty, &wy, nil)
	splineWeights(tz, &wz, nil)
	return w.sum(gx, gy, gz, &wx, &wy, &wz)
}

// sum accumulates the 64 weighted coefficients of the neighbourhood
// starting at control point (gx, gy, gz).
func (w *SplineWarp) sum(gx, gy, gz int, wx, wy, wz *[4]float64) r3.Vector {
	var out [3]float64
	data := w.coeff.Data
	for c := 0; c < 4; c++ {
		for b := 0; b < 4; b++ {
			wyz := wy[b] * wz[c]
			off := w.coeff.Offset(gx, gy+b, gz+c)
			for a := 0; a < 4; a++ {
				f := wx[a] * wyz
				out[0] += f * data[off]
				out[1] += f * data[off+1]
				out[2] += f * data[off+2]
				off += 3
			}
		}
	}
	return r3.Vector{X: out[0], Y: out[1], Z: out[2]}
}

// Apply maps a point.
func (w *SplineWarp) Apply(v r3.Vector) r3.Vector {
	return applyAffine(w.initial, v).Add(w.Displacement(v))
}

// InDomain reports whether v lies inside the covered domain.
func (w *SplineWarp) InDomain(v r3.Vector) bool {
	const slack = 1e-6
	return v.X >= -slack && v.Y >= -slack && v.Z >= -slack &&
		v.X <= w.domain.X+slack && v.Y <= w.domain.Y+slack && v.Z <= w.domain.Z+slack
}

// GlobalScaling returns the scaling of the initial affine transformation.
func (w *SplineWarp) GlobalScaling() float64 {
	if w.initial == nil {
		return 1
	}
	return w.initial.GlobalScaling()
}

// ApplyInverse inverts the warp numerically, starting at v itself and
// falling back to the nearest mapped control point. Callers inverting many
// points should build InverseSeeds once and use ApplyInverseSeeded.
func (w *SplineWarp) ApplyInverse(v r3.Vector) (r3.Vector, bool) {
	if u, ok := w.invert(v, v, w.inverseOptions); ok {
		return u, true
	}
	if seed, ok := w.InverseSeeds().Nearest(v); ok {
		return w.invert(v, seed, w.inverseOptions)
	}
	return v, false
}

// ApplyInverseInPlace replaces *v by its inverse image if the Newton
// iteration reaches tolerance; *v is left unchanged otherwise.
func (w *SplineWarp) ApplyInverseInPlace(v *r3.Vector, tolerance float64) bool {
	opts := w.inverseOptions
	opts.Tolerance = tolerance
	u, ok := w.invert(*v, *v, opts)
	if ok {
		*v = u
	}
	return ok
}

// ApplyInverseWithInitial inverts the warp numerically from a caller
// supplied starting point.
func (w *SplineWarp) ApplyInverseWithInitial(v, initial r3.Vector) (r3.Vector, bool) {
	return w.invert(v, initial, w.inverseOptions)
}

// invert runs a damped Newton iteration on T(u) - v. Each step is halved
// until the residual decreases; the search fails when no shorter step
// helps, when the iterate leaves the domain, when the Jacobian is singular
// or when the iteration budget is exhausted.
func (w *SplineWarp) invert(v, u r3.Vector, opts InverseOptions) (r3.Vector, bool) {
	if !w.InDomain(u) {
		return u, false
	}
	residual := w.Apply(u).Sub(v)
	err := residual.Norm()
	for iter := 0; iter < opts.MaxIterations; iter++ {
		if err <= opts.Tolerance {
			return u, true
		}
		jinv, jerr := w.Jacobian(u).Inverse()
		if jerr != nil {
			return u, false
		}
		step := jinv.MulVec(residual)

		accepted := false
		for lambda := 1.0; lambda > 1.0/1024; lambda /= 2 {
			candidate := u.Sub(step.Mul(lambda))
			if !w.InDomain(candidate) {
				continue
			}
			candResidual := w.Apply(candidate).Sub(v)
			if candErr := candResidual.Norm(); candErr < err {
				u, residual, err = candidate, candResidual, candErr
				accepted = true
				break
			}
		}
		if !accepted {
			return u, false
		}
	}
	return u, err <= opts.Tolerance
}

func (w *SplineWarp) ParamVectorDim() int {
	return len(w.coeff.Data)
}

// VariableParamVectorDim is the full parameter count; inactive parameters
// are reported through a zero ParamStep.
func (w *SplineWarp) VariableParamVectorDim() int {
	return len(w.coeff.Data)
}

func (w *SplineWarp) ParamVector() []float64 {
	return append([]float64(nil), w.coeff.Data...)
}

func (w *SplineWarp) SetParamVector(v []float64) {
	copy(w.coeff.Data, v)
}

func (w *SplineWarp) Parameter(idx int) float64 {
	return w.coeff.Data[idx]
}

// SetParameter writes a single coefficient. It touches no other state, so
// concurrent calls on parameters of different control points are safe.
func (w *SplineWarp) SetParameter(idx int, value float64) {
	w.coeff.Data[idx] = value
}

// ParamStep returns mmStep for active parameters and zero otherwise.
func (w *SplineWarp) ParamStep(idx int, _ r3.Vector, mmStep float64) float64 {
	if !w.active[idx] {
		return 0
	}
	return mmStep
}

// SetParametersActive marks all parameters as active.
func (w *SplineWarp) SetParametersActive() {
	for i := range w.active {
		w.active[i] = true
	}
}

func (w *SplineWarp) SetParameterActive(idx int)   { w.active[idx] = true }
func (w *SplineWarp) SetParameterInactive(idx int) { w.active[idx] = false }

// IsActive reports whether parameter idx may be optimized.
func (w *SplineWarp) IsActive(idx int) bool {
	return w.active[idx]
}

// ActiveFlags returns a copy of the per-parameter active flags.
func (w *SplineWarp) ActiveFlags() []bool {
	return append([]bool(nil), w.active...)
}

// SetActiveFlags restores flags returned by ActiveFlags.
func (w *SplineWarp) SetActiveFlags(flags []bool) error {
	if len(flags) != len(w.active) {
		return errors.Errorf("expected %d active flags, got %d", len(w.active), len(flags))
	}
	copy(w.active, flags)
	return nil
}

// ActiveCount returns the number of active parameters.
func (w *SplineWarp) ActiveCount() int {
	n := 0
	for _, a := range w.active {
		if a {
			n++
		}
	}
	return n
}

// SetActiveAxes deactivates the coefficient components whose axis is not
// listed in axes (a subset of "xyz").
func (w *SplineWarp) SetActiveAxes(axes string) {
	var keep [3]bool
	for _, c := range axes {
		switch c {
		case 'x', 'X':
			keep[0] = true
		case 'y', 'Y':
			keep[1] = true
		case 'z', 'Z':
			keep[2] = true
		}
	}
	for idx := range w.active {
		if !keep[idx%3] {
			w.active[idx] = false
		}
	}
}

// IgnoreEdge deactivates all control points within margin points of the
// grid boundary.
func (w *SplineWarp) IgnoreEdge(margin int) {
	if margin <= 0 {
		return
	}
	for k := 0; k < w.dims[2]; k++ {
		for j := 0; j < w.dims[1]; j++ {
			for i := 0; i < w.dims[0]; i++ {
				if i < margin || j < margin || k < margin ||
					i >= w.dims[0]-margin || j >= w.dims[1]-margin || k >= w.dims[2]-margin {
					off := w.coeff.Offset(i, j, k)
					w.active[off], w.active[off+1], w.active[off+2] = false, false, false
				}
			}
		}
	}
}

// Refine halves the control point spacing. The refined coefficients follow
// cubic B-spline subdivision, so the deformation inside the domain is
// reproduced exactly. All parameters become active again.
func (w *SplineWarp) Refine() {
	coeff := w.coeff
	dims := w.dims
	for axis := 0; axis < 3; axis++ {
		coeff, dims = refineAxis(coeff, dims, axis)
	}
	spacing := w.spacing
	for axis := range spacing {
		spacing[axis] /= 2
	}
	w.setGrid(dims, spacing, coeff)
	if w.tables != nil {
		w.RegisterVolume(w.tables.dims, w.tables.delta)
	}
}

// refineAxis doubles the cell count along one axis. Odd output points sit
// on an old control point and get (c[i-1] + 6c[i] + c[i+1])/8; even points
// lie half way between two old points and get (c[i] + c[i+1])/2.
func refineAxis(in CoefficientGrid, dims [3]int, axis int) (CoefficientGrid, [3]int) {
	outDims := dims
	outDims[axis] = 2*dims[axis] - 3
	out := NewCoefficientGrid(outDims)

	for k := 0; k < outDims[2]; k++ {
		for j := 0; j < outDims[1]; j++ {
			for i := 0; i < outDims[0]; i++ {
				idx := [3]int{i, j, k}
				n := idx[axis]
				src := idx
				dst := out.Offset(i, j, k)
				var value [3]float64
				if n%2 == 1 {
					c := (n + 1) / 2
					for o, wt := range [3]float64{1.0 / 8, 6.0 / 8, 1.0 / 8} {
						src[axis] = c - 1 + o
						off := in.Offset(src[0], src[1], src[2])
						for d := 0; d < 3; d++ {
							value[d] += wt * in.Data[off+d]
						}
					}
				} else {
					c := n / 2
					for o := 0; o < 2; o++ {
						src[axis] = c + o
						off := in.Offset(src[0], src[1], src[2])
						for d := 0; d < 3; d++ {
							value[d] += 0.5 * in.Data[off+d]
						}
					}
				}
				out.Data[dst], out.Data[dst+1], out.Data[dst+2] = value[0], value[1], value[2]
			}
		}
	}
	return out, outDims
}

// Clone returns a deep copy sharing only the read-only voxel tables.
func (w *SplineWarp) Clone() Xform {
	return w.CloneWarp()
}

// CloneWarp is Clone with a concrete result type.
func (w *SplineWarp) CloneWarp() *SplineWarp {
	out := *w
	out.coeff = w.coeff.Clone()
	out.active = append([]bool(nil), w.active...)
	if w.initial != nil {
		out.initial = w.initial.CloneAffine()
	}
	return &out
}

// InverseConsistencyError returns the mean distance |inverse(T(x)) - x|
// over the voxels of region on a grid with the given dimensions and voxel
// size. Voxels whose image leaves the inverse's domain, or that cannot be
// inverted, are skipped.
func (w *SplineWarp) InverseConsistencyError(inverse Xform, dims [3]int, delta [3]float64, region models.Region) float64 {
	if region.Empty() {
		region = models.Region{To: dims}
	}
	var sum float64
	var count int
	for z := region.From[2]; z < region.To[2]; z++ {
		for y := region.From[1]; y < region.To[1]; y++ {
			for x := region.From[0]; x < region.To[0]; x++ {
				v := r3.Vector{X: float64(x) * delta[0], Y: float64(y) * delta[1], Z: float64(z) * delta[2]}
				u := w.Apply(v)
				if !inverse.InDomain(u) {
					continue
				}
				sum += inverse.Apply(u).Sub(v).Norm()
				count++
			}
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}
