package functional

import "warpreg/pkg/xform"

// Symmetric is the inverse consistent objective over a forward warp
// (reference to floating) and an independently parameterized backward warp
// (floating to reference). Its parameter vector is the forward parameters
// followed by the backward parameters; its value is the sum of both
// directional objectives, each of which includes the inverse consistency
// penalty against the other warp.
type Symmetric struct {
	Forward  *Nonrigid
	Backward *Nonrigid
}

// NewSymmetric pairs a forward functional (reference, floating) with a
// backward functional (floating, reference).
func NewSymmetric(forward, backward *Nonrigid) *Symmetric {
	return &Symmetric{Forward: forward, Backward: backward}
}

// SetWarps binds both warps and makes each the other's inverse.
func (s *Symmetric) SetWarps(forward, backward *xform.SplineWarp) {
	s.Forward.SetWarp(forward)
	s.Backward.SetWarp(backward)
	s.Forward.SetInverse(backward)
	s.Backward.SetInverse(forward)
}

// SetWeights sets the regularization weights of both directions.
func (s *Symmetric) SetWeights(gridEnergy, jacobianConstraint, inverseConsistency float64) {
	for _, f := range []*Nonrigid{s.Forward, s.Backward} {
		f.GridEnergyWeight = gridEnergy
		f.JacobianConstraintWeight = jacobianConstraint
		f.InverseConsistencyWeight = inverseConsistency
	}
}

func (s *Symmetric) split(v []float64) ([]float64, []float64) {
	n := s.Forward.ParamVectorDim()
	return v[:n], v[n:]
}

// setParams writes both halves before either direction is evaluated, since
// each direction reads the other warp.
func (s *Symmetric) setParams(v []float64) {
	fwd, bwd := s.split(v)
	s.Forward.warp.SetParamVector(fwd)
	s.Backward.warp.SetParamVector(bwd)
}

func (s *Symmetric) Evaluate() float64 {
	return s.Forward.Evaluate() + s.Backward.Evaluate()
}

func (s *Symmetric) EvaluateAt(v []float64) float64 {
	s.setParams(v)
	return s.Evaluate()
}

// EvaluateWithGradient assembles the gradient from the local gradients of
// both directions. The forward pass runs to completion before the backward
// pass starts, so neither warp is modified while the other direction reads
// it.
func (s *Symmetric) EvaluateWithGradient(v, g []float64, step float64) float64 {
	s.setParams(v)
	fwdValue := s.Forward.Evaluate()
	bwdValue := s.Backward.Evaluate()
	gFwd, gBwd := s.split(g)
	s.Forward.gradient(gFwd, step, fwdValue)
	s.Backward.gradient(gBwd, step, bwdValue)
	return fwdValue + bwdValue
}

func (s *Symmetric) ParamVector() []float64 {
	return append(s.Forward.ParamVector(), s.Backward.ParamVector()...)
}

func (s *Symmetric) ParamVectorDim() int {
	return s.Forward.ParamVectorDim() + s.Backward.ParamVectorDim()
}

func (s *Symmetric) VariableParamVectorDim() int {
	return s.ParamVectorDim()
}

func (s *Symmetric) ParamStep(idx int, mmStep float64) float64 {
	if n := s.Forward.ParamVectorDim(); idx >= n {
		return s.Backward.ParamStep(idx-n, mmStep)
	}
	return s.Forward.ParamStep(idx, mmStep)
}
