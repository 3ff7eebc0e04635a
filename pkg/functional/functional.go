// Package functional couples a similarity metric, a transformation and
// optional regularizers into the scalar objective maximized by the
// optimizers.
package functional

import (
	"math"

	"warpreg/internal/models"
	"warpreg/pkg/metric"
	"warpreg/pkg/volume"
)

// Functional is the objective interface shared by all registration
// functionals. It satisfies optimizer.Functional.
type Functional interface {
	EvaluateAt(v []float64) float64
	Evaluate() float64
	EvaluateWithGradient(v, g []float64, step float64) float64
	ParamVector() []float64
	ParamVectorDim() int
	VariableParamVectorDim() int
	ParamStep(idx int, mmStep float64) float64
}

// sampler reads floating image values at transformed positions.
type sampler struct {
	flt    *models.Volume
	interp volume.Interpolation

	forceOutside bool
	outsideValue float64
}

// sample returns NaN for points outside the floating image unless
// ForceOutside substitutes a fixed value.
func (s *sampler) sample(v float64, ok bool) float64 {
	if ok {
		return v
	}
	if s.forceOutside {
		return s.outsideValue
	}
	return math.NaN()
}

func newMetricLike(proto metric.Metric) metric.Metric {
	m := proto.Clone()
	m.Reset()
	return m
}
