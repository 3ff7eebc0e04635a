package functional

import (
	"math"

	"github.com/golang/geo/r3"

	"warpreg/internal/models"
	"warpreg/pkg/metric"
	"warpreg/pkg/parallel"
	"warpreg/pkg/volume"
	"warpreg/pkg/xform"
)

// Affine is the similarity of the reference crop region and the floating
// image mapped through an affine transformation.
type Affine struct {
	sampler
	ref   *models.Volume
	xform *xform.Affine
	proto metric.Metric
	pool  *parallel.Pool

	refSize r3.Vector
}

// NewAffine creates the functional; pool may be nil for the default pool.
func NewAffine(ref, flt *models.Volume, x *xform.Affine, m metric.Metric, interp volume.Interpolation, pool *parallel.Pool) *Affine {
	if pool == nil {
		pool = parallel.Default()
	}
	return &Affine{
		sampler: sampler{flt: flt, interp: interp},
		ref:     ref,
		xform:   x,
		proto:   newMetricLike(m),
		pool:    pool,
		refSize: ref.Size(),
	}
}

// SetForceOutside makes samples outside the floating image count with the
// given value instead of being skipped.
func (f *Affine) SetForceOutside(value float64) {
	f.forceOutside = true
	f.outsideValue = value
}

// Xform returns the transformation the functional evaluates.
func (f *Affine) Xform() *xform.Affine {
	return f.xform
}

func (f *Affine) Evaluate() float64 {
	region := f.ref.CropRegion()
	planes := region.To[2] - region.From[2]
	partial := make([]metric.Metric, planes)
	matrix := f.xform.Matrix()

	f.pool.Run(planes, func(taskIdx, _, _, _ int) {
		z := region.From[2] + taskIdx
		m := newMetricLike(f.proto)
		for y := region.From[1]; y < region.To[1]; y++ {
			for x := region.From[0]; x < region.To[0]; x++ {
				value, ok := volume.Probe(f.flt, matrix.Apply(f.ref.Position(x, y, z)), f.interp)
				if value = f.sample(value, ok); !math.IsNaN(value) {
					m.Increment(f.ref.At(x, y, z), value)
				}
			}
		}
		partial[taskIdx] = m
	})

	total := newMetricLike(f.proto)
	for _, m := range partial {
		if m != nil {
			total.Add(m)
		}
	}
	return total.Get()
}

func (f *Affine) EvaluateAt(v []float64) float64 {
	f.xform.SetParamVector(v)
	return f.Evaluate()
}

// EvaluateWithGradient fills g with central differences of the objective.
// Entries stay zero unless one of the two trial values beats the current
// value.
func (f *Affine) EvaluateWithGradient(v, g []float64, step float64) float64 {
	current := f.EvaluateAt(v)
	trial := append([]float64(nil), v...)
	for d := range g {
		g[d] = 0
		delta := f.ParamStep(d, step)
		if delta == 0 {
			continue
		}
		trial[d] = v[d] + delta
		upper := f.EvaluateAt(trial)
		trial[d] = v[d] - delta
		lower := f.EvaluateAt(trial)
		trial[d] = v[d]
		if upper > current || lower > current {
			g[d] = upper - lower
		}
	}
	f.xform.SetParamVector(v)
	return current
}

func (f *Affine) ParamVector() []float64 { return f.xform.ParamVector() }

func (f *Affine) ParamVectorDim() int { return f.xform.ParamVectorDim() }

func (f *Affine) VariableParamVectorDim() int { return f.xform.VariableParamVectorDim() }

func (f *Affine) ParamStep(idx int, mmStep float64) float64 {
	return f.xform.ParamStep(idx, f.refSize, mmStep)
}
