// Package xform implements the spatial transformations used by the
// registration engine: a 12 DOF affine map and a cubic B-spline free-form
// deformation layered on top of an optional initial affine.
//
// All transformations map reference-image coordinates (mm) to floating-image
// coordinates (mm).
package xform

import "github.com/golang/geo/r3"

// Xform is the capability set shared by every transformation. The set of
// implementations is closed (*Affine and *SplineWarp); callers that need
// type-specific behaviour use a type switch.
type Xform interface {
	// Apply maps a point.
	Apply(v r3.Vector) r3.Vector
	// ApplyInverse maps a point back; ok is false when no inverse image
	// could be found.
	ApplyInverse(v r3.Vector) (u r3.Vector, ok bool)
	// Jacobian returns the 3x3 matrix of partial derivatives at v.
	Jacobian(v r3.Vector) Matrix3
	// JacobianDeterminant returns det(Jacobian(v)).
	JacobianDeterminant(v r3.Vector) float64
	// GlobalScaling returns the volume scale of the global (affine) part.
	GlobalScaling() float64
	// InDomain reports whether v lies inside the domain where the
	// transformation is defined without extrapolation.
	InDomain(v r3.Vector) bool

	ParamVectorDim() int
	VariableParamVectorDim() int
	// ParamVector returns a copy of the parameters.
	ParamVector() []float64
	// SetParamVector replaces the parameters; len(v) must be ParamVectorDim().
	SetParamVector(v []float64)
	Parameter(idx int) float64
	SetParameter(idx int, value float64)
	// ParamStep returns the step for parameter idx that moves image content
	// by roughly mmStep in a volume of the given physical size; zero marks a
	// parameter that must not be optimized.
	ParamStep(idx int, volumeSize r3.Vector, mmStep float64) float64

	Clone() Xform

	sealed()
}

func maxComponent(v r3.Vector) float64 {
	m := v.X
	if v.Y > m {
		m = v.Y
	}
	if v.Z > m {
		m = v.Z
	}
	return m
}
