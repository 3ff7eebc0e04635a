package functional

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"warpreg/internal/models"
	"warpreg/pkg/metric"
	"warpreg/pkg/parallel"
	"warpreg/pkg/volume"
	"warpreg/pkg/xform"
)

// Nonrigid is the objective for a spline warp:
//
//	similarity - wJ*JacobianConstraint - wE*GridEnergy - wIC*InverseConsistency
//
// The floating value at every reference voxel is cached, so that the
// gradient can update the similarity from the volume of influence of one
// control point instead of the whole image.
type Nonrigid struct {
	sampler
	ref     *models.Volume
	warp    *xform.SplineWarp
	inverse *xform.SplineWarp
	proto   metric.Metric
	pool    *parallel.Pool

	GridEnergyWeight         float64
	JacobianConstraintWeight float64
	InverseConsistencyWeight float64

	// AdaptiveFixParameters deactivates control points whose volume of
	// influence has a reference intensity entropy below
	// min + AdaptiveFixThreshFactor*(max-min) over all control points.
	AdaptiveFixParameters   bool
	AdaptiveFixThreshFactor float64
	// ActiveAxes restricts the deformation to a subset of "xyz".
	ActiveAxes string
	// IgnoreEdge fixes control points this close to the grid boundary.
	IgnoreEdge int

	refSize r3.Vector

	// warped[i] is the floating value at reference voxel i, NaN outside.
	warped []float64
	// icError[i] is the squared inverse consistency error at voxel i.
	icError []float64

	current    metric.Metric
	constraint float64
	energy     float64
	ic         float64
}

// NewNonrigid creates the functional. Call SetWarp before evaluating.
func NewNonrigid(ref, flt *models.Volume, m metric.Metric, interp volume.Interpolation, pool *parallel.Pool) *Nonrigid {
	if pool == nil {
		pool = parallel.Default()
	}
	return &Nonrigid{
		sampler:                 sampler{flt: flt, interp: interp},
		ref:                     ref,
		proto:                   newMetricLike(m),
		pool:                    pool,
		AdaptiveFixThreshFactor: 0.5,
		refSize:                 ref.Size(),
	}
}

// SetForceOutside makes samples outside the floating image count with the
// given value instead of being skipped.
func (f *Nonrigid) SetForceOutside(value float64) {
	f.forceOutside = true
	f.outsideValue = value
}

// SetWarp binds the transformation, registers the reference grid with it
// and recomputes the active parameters. It must be called again after the
// warp is refined.
func (f *Nonrigid) SetWarp(w *xform.SplineWarp) {
	f.warp = w
	w.SetPool(f.pool)
	w.RegisterVolume(f.ref.Dims(), f.ref.Delta())
	f.warped = make([]float64, f.ref.NumberOfPixels())
	f.icError = make([]float64, f.ref.NumberOfPixels())
	f.UpdateFixedParameters()
}

func (f *Nonrigid) SetGridEnergyWeight(w float64) { f.GridEnergyWeight = w }

func (f *Nonrigid) SetJacobianConstraintWeight(w float64) { f.JacobianConstraintWeight = w }

func (f *Nonrigid) SetInverseConsistencyWeight(w float64) { f.InverseConsistencyWeight = w }

// Warp returns the bound transformation.
func (f *Nonrigid) Warp() *xform.SplineWarp {
	return f.warp
}

// SetInverse sets the backward transformation used by the inverse
// consistency term. It is read but never modified.
func (f *Nonrigid) SetInverse(inv *xform.SplineWarp) {
	f.inverse = inv
}

func (f *Nonrigid) useInverseConsistency() bool {
	return f.inverse != nil && f.InverseConsistencyWeight > 0
}

// UpdateFixedParameters recomputes which parameters the optimizer may move.
func (f *Nonrigid) UpdateFixedParameters() {
	w := f.warp
	w.SetParametersActive()
	w.IgnoreEdge(f.IgnoreEdge)
	if f.ActiveAxes != "" {
		w.SetActiveAxes(f.ActiveAxes)
	}
	if !f.AdaptiveFixParameters {
		return
	}

	const bins = 16
	refMin, refMax := f.ref.Range()
	if refMax <= refMin {
		return
	}
	scale := float64(bins-1) / (refMax - refMin)

	ncp := w.NumberOfControlPoints()
	info := make([]float64, ncp)
	f.pool.Run(ncp, func(cp, _, _, _ int) {
		voi := w.VolumeOfInfluence(3 * cp)
		if voi.Empty() {
			return
		}
		p := make([]float64, bins)
		for z := voi.From[2]; z < voi.To[2]; z++ {
			for y := voi.From[1]; y < voi.To[1]; y++ {
				for x := voi.From[0]; x < voi.To[0]; x++ {
					p[int((f.ref.At(x, y, z)-refMin)*scale+0.5)]++
				}
			}
		}
		floats.Scale(1/floats.Sum(p), p)
		info[cp] = stat.Entropy(p)
	})

	lo, hi := floats.Min(info), floats.Max(info)
	threshold := lo + f.AdaptiveFixThreshFactor*(hi-lo)
	for cp, e := range info {
		if e < threshold {
			for dim := 0; dim < 3; dim++ {
				w.SetParameterInactive(3*cp + dim)
			}
		}
	}
}

func (f *Nonrigid) sampleAt(u r3.Vector) float64 {
	value, ok := volume.Probe(f.flt, u, f.interp)
	return f.sample(value, ok)
}

// icTerm is the squared distance |inverse(u) - v| for reference position v
// mapped to u; points outside the inverse's domain contribute nothing.
func (f *Nonrigid) icTerm(v, u r3.Vector) float64 {
	if !f.inverse.InDomain(u) {
		return 0
	}
	return f.inverse.Apply(u).Sub(v).Norm2()
}

func (f *Nonrigid) combine(similarity, constraint, energy, ic float64) float64 {
	result := similarity
	if f.JacobianConstraintWeight > 0 {
		result -= f.JacobianConstraintWeight * constraint
	}
	if f.GridEnergyWeight > 0 {
		result -= f.GridEnergyWeight * energy
	}
	if f.useInverseConsistency() {
		result -= f.InverseConsistencyWeight * ic
	}
	return result
}

// Evaluate computes the objective at the warp's current parameters and
// refreshes the per-voxel caches used by the gradient.
func (f *Nonrigid) Evaluate() float64 {
	ref := f.ref
	partial := make([]metric.Metric, ref.Depth)
	icPartial := make([]float64, ref.Depth)
	useIC := f.useInverseConsistency()

	f.pool.Run(ref.Depth, func(z, _, _, _ int) {
		m := newMetricLike(f.proto)
		var ic float64
		for y := 0; y < ref.Height; y++ {
			for x := 0; x < ref.Width; x++ {
				idx := ref.Index(x, y, z)
				u := f.warp.ApplyVoxel(x, y, z)
				value := f.sampleAt(u)
				f.warped[idx] = value
				if !math.IsNaN(value) {
					m.Increment(ref.Data[idx], value)
				}
				if useIC {
					e := f.icTerm(ref.Position(x, y, z), u)
					f.icError[idx] = e
					ic += e
				}
			}
		}
		partial[z] = m
		icPartial[z] = ic
	})

	total := newMetricLike(f.proto)
	for _, m := range partial {
		if m != nil {
			total.Add(m)
		}
	}
	f.current = total

	f.constraint, f.energy, f.ic = 0, 0, 0
	if f.JacobianConstraintWeight > 0 {
		f.constraint = f.warp.JacobianConstraint()
	}
	if f.GridEnergyWeight > 0 {
		f.energy = f.warp.GridEnergy()
	}
	if useIC {
		f.ic = floats.Sum(icPartial) / float64(ref.NumberOfPixels())
	}
	return f.combine(total.Get(), f.constraint, f.energy, f.ic)
}

func (f *Nonrigid) EvaluateAt(v []float64) float64 {
	f.warp.SetParamVector(v)
	return f.Evaluate()
}

// EvaluateWithGradient evaluates at v and fills g with the difference of
// the objective after moving each active parameter up and down by its
// step. Entries stay zero unless one of the two moves improves on the
// current value.
func (f *Nonrigid) EvaluateWithGradient(v, g []float64, step float64) float64 {
	current := f.EvaluateAt(v)
	f.gradient(g, step, current)
	return current
}

// gradient schedules control points in the 4x4x4 interleaved groups of
// parallel.InterleavedGroups. Points of one group have disjoint supports,
// so each worker perturbs its own coefficients in place while the others
// read only coefficients and cached voxels outside that support.
func (f *Nonrigid) gradient(g []float64, step, current float64) {
	for i := range g {
		g[i] = 0
	}
	norm := float64(f.ref.NumberOfPixels())
	for _, group := range parallel.InterleavedGroups(f.warp.Dims(), 4) {
		f.pool.Run(len(group), func(taskIdx, _, _, _ int) {
			cp := group[taskIdx]
			for dim := 0; dim < 3; dim++ {
				param := 3*cp + dim
				delta := f.warp.ParamStep(param, f.refSize, step)
				if delta == 0 {
					continue
				}

				constraintLo, constraintUp := 0.0, 0.0
				if f.JacobianConstraintWeight > 0 {
					constraintLo, constraintUp = f.warp.JacobianConstraintDerivative(param, delta)
				}
				energyLo, energyUp := 0.0, 0.0
				if f.GridEnergyWeight > 0 {
					energyLo, energyUp = f.warp.GridEnergyDerivative(param, delta)
				}

				simUp, icUp := f.localChange(param, delta)
				simLo, icLo := f.localChange(param, -delta)

				upper := f.combine(simUp, f.constraint+constraintUp, f.energy+energyUp, f.ic+icUp/norm)
				lower := f.combine(simLo, f.constraint+constraintLo, f.energy+energyLo, f.ic+icLo/norm)
				if upper > current || lower > current {
					g[param] = upper - lower
				}
			}
		})
	}
}

// localChange moves one parameter by delta and returns the resulting
// similarity and change of the summed inverse consistency error, touching
// only the volume of influence. The parameter is restored afterwards.
func (f *Nonrigid) localChange(param int, delta float64) (float64, float64) {
	ref := f.ref
	voi := f.warp.VolumeOfInfluence(param)
	m := f.current.Clone()
	useIC := f.useInverseConsistency()

	old := f.warp.Parameter(param)
	f.warp.SetParameter(param, old+delta)
	var icDelta float64
	for z := voi.From[2]; z < voi.To[2]; z++ {
		for y := voi.From[1]; y < voi.To[1]; y++ {
			for x := voi.From[0]; x < voi.To[0]; x++ {
				idx := ref.Index(x, y, z)
				if prev := f.warped[idx]; !math.IsNaN(prev) {
					m.Decrement(ref.Data[idx], prev)
				}
				u := f.warp.ApplyVoxel(x, y, z)
				if value := f.sampleAt(u); !math.IsNaN(value) {
					m.Increment(ref.Data[idx], value)
				}
				if useIC {
					icDelta += f.icTerm(ref.Position(x, y, z), u) - f.icError[idx]
				}
			}
		}
	}
	f.warp.SetParameter(param, old)
	return m.Get(), icDelta
}

func (f *Nonrigid) ParamVector() []float64 { return f.warp.ParamVector() }

func (f *Nonrigid) ParamVectorDim() int { return f.warp.ParamVectorDim() }

func (f *Nonrigid) VariableParamVectorDim() int { return f.warp.VariableParamVectorDim() }

func (f *Nonrigid) ParamStep(idx int, mmStep float64) float64 {
	return f.warp.ParamStep(idx, f.refSize, mmStep)
}
