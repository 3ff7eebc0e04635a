package xform

import (
	"math"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Layout of the affine parameter vector. Angles are in degrees.
const (
	ParamTranslate = 0
	ParamRotate    = 3
	ParamScale     = 6
	ParamShear     = 9
	ParamCenter    = 12

	// NumberOfAffineParameters is the length of the affine parameter vector.
	NumberOfAffineParameters = 15
)

// AffineParams is the complete affine parameter vector.
type AffineParams [NumberOfAffineParameters]float64

// Affine is a 3D affine transformation stored both as 15 parameters and as
// the equivalent homogeneous matrix
//
//	M = T(t+c) * Rx * Ry * Rz * S * H * T(-c)
//
// where t is the translation, c the center, S the diagonal scale matrix and H
// the unit upper triangular shear matrix. Every parameter write recomposes the
// matrix, so the two representations never disagree.
type Affine struct {
	params    AffineParams
	logScales bool
	dofs      int
	matrix    Matrix4

	// version increments on every parameter write; the cached inverse is
	// valid only while inverseVersion matches.
	version uint64

	mu             sync.Mutex
	inverse        *Affine
	inverseVersion uint64
}

// NewAffine returns the identity transformation with 12 degrees of freedom.
func NewAffine() *Affine {
	a := &Affine{dofs: 12}
	a.params[ParamScale], a.params[ParamScale+1], a.params[ParamScale+2] = 1, 1, 1
	a.compose()
	return a
}

// NewAffineFromParams builds a transformation from a parameter vector. With
// logScales set, the scale slots hold the logarithm of the scale factors.
func NewAffineFromParams(params []float64, logScales bool) *Affine {
	a := &Affine{dofs: 12, logScales: logScales}
	copy(a.params[:], params)
	a.compose()
	return a
}

// NewAffineFromMatrix decomposes a homogeneous matrix about the given center.
func NewAffineFromMatrix(m Matrix4, center r3.Vector, logScales bool) (*Affine, error) {
	params, err := Decompose(m, center, logScales)
	if err != nil {
		return nil, err
	}
	return NewAffineFromParams(params[:], logScales), nil
}

func (*Affine) sealed() {}

// ValidDOF reports whether dofs is a supported number of degrees of freedom.
func ValidDOF(dofs int) bool {
	switch dofs {
	case 3, 6, 7, 9, 12:
		return true
	}
	return false
}

// SetNumberDOFs selects which parameters are optimized: 3 (translation),
// 6 (rigid), 7 (rigid plus global scale), 9 (rigid plus anisotropic scale)
// or 12 (full affine).
func (a *Affine) SetNumberDOFs(dofs int) error {
	if !ValidDOF(dofs) {
		return errors.Wrapf(ErrInvalidDOF, "%d", dofs)
	}
	a.dofs = dofs
	if dofs == 7 {
		a.params[ParamScale+1] = a.params[ParamScale]
		a.params[ParamScale+2] = a.params[ParamScale]
		a.compose()
	}
	return nil
}

// NumberDOFs returns the current degrees of freedom.
func (a *Affine) NumberDOFs() int {
	return a.dofs
}

// UseLogScales reports whether scale factors are stored as logarithms.
func (a *Affine) UseLogScales() bool {
	return a.logScales
}

// SetUseLogScales switches the scale representation without changing the
// transformation.
func (a *Affine) SetUseLogScales(logScales bool) {
	if logScales == a.logScales {
		return
	}
	for i := ParamScale; i < ParamScale+3; i++ {
		if logScales {
			a.params[i] = math.Log(a.params[i])
		} else {
			a.params[i] = math.Exp(a.params[i])
		}
	}
	a.logScales = logScales
	a.compose()
}

// compose rebuilds the matrix from the parameters.
func (a *Affine) compose() {
	p := &a.params
	scales := a.Scales()

	rad := math.Pi / 180
	ca, sa := math.Cos(p[ParamRotate]*rad), math.Sin(p[ParamRotate]*rad)
	cb, sb := math.Cos(p[ParamRotate+1]*rad), math.Sin(p[ParamRotate+1]*rad)
	cg, sg := math.Cos(p[ParamRotate+2]*rad), math.Sin(p[ParamRotate+2]*rad)

	rot := Matrix3{
		{cb * cg, -cb * sg, sb},
		{sa*sb*cg + ca*sg, -sa*sb*sg + ca*cg, -sa * cb},
		{-ca*sb*cg + sa*sg, ca*sb*sg + sa*cg, ca * cb},
	}
	sh := Matrix3{
		{scales.X, scales.X * p[ParamShear], scales.X * p[ParamShear+1]},
		{0, scales.Y, scales.Y * p[ParamShear+2]},
		{0, 0, scales.Z},
	}
	lin := rot.Mul(sh)

	center := a.Center()
	t := a.Translation().Add(center).Sub(lin.MulVec(center))
	m := Linear4(lin)
	m[0][3], m[1][3], m[2][3] = t.X, t.Y, t.Z

	a.matrix = m
	a.version++
}

// Decompose recovers affine parameters about center from a homogeneous
// matrix. It fails with ErrSingularMatrix if the linear part is not
// invertible, a scale factor vanishes, or a reflection is requested with
// logarithmic scales.
func Decompose(m Matrix4, center r3.Vector, logScales bool) (AffineParams, error) {
	var params AffineParams

	lin := m.Linear()
	if det := lin.Det(); math.Abs(det) < singularEpsilon {
		return params, errors.Wrapf(ErrSingularMatrix, "linear part determinant %g", det)
	}

	dense := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			dense.Set(i, j, lin[i][j])
		}
	}
	var qr mat.QR
	qr.Factorize(dense)
	var q, u mat.Dense
	qr.QTo(&q)
	qr.RTo(&u)

	var rot, upper Matrix3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot[i][j] = q.At(i, j)
			upper[i][j] = u.At(i, j)
		}
	}

	// Make the diagonal of the triangular factor positive.
	for i := 0; i < 3; i++ {
		if upper[i][i] < 0 {
			for k := 0; k < 3; k++ {
				rot[k][i] = -rot[k][i]
				upper[i][k] = -upper[i][k]
			}
		}
	}
	// A reflection is expressed as a negative z scale.
	if rot.Det() < 0 {
		for k := 0; k < 3; k++ {
			rot[k][2] = -rot[k][2]
			upper[2][k] = -upper[2][k]
		}
	}

	scales := [3]float64{upper[0][0], upper[1][1], upper[2][2]}
	for i, s := range scales {
		if math.Abs(s) < singularEpsilon {
			return params, errors.Wrapf(ErrSingularMatrix, "zero scale on axis %d", i)
		}
		if logScales && s <= 0 {
			return params, errors.Wrapf(ErrSingularMatrix, "negative scale on axis %d cannot be stored as logarithm", i)
		}
	}

	params[ParamShear] = upper[0][1] / scales[0]
	params[ParamShear+1] = upper[0][2] / scales[0]
	params[ParamShear+2] = upper[1][2] / scales[1]

	for i, s := range scales {
		if logScales {
			params[ParamScale+i] = math.Log(s)
		} else {
			params[ParamScale+i] = s
		}
	}

	deg := 180 / math.Pi
	beta := math.Asin(math.Max(-1, math.Min(1, rot[0][2])))
	var alpha, gamma float64
	if math.Abs(math.Cos(beta)) > 1e-8 {
		alpha = math.Atan2(-rot[1][2], rot[2][2])
		gamma = math.Atan2(-rot[0][1], rot[0][0])
	} else {
		// Gimbal lock: only alpha+gamma (or alpha-gamma) is defined.
		alpha = math.Atan2(rot[2][1], rot[1][1])
	}
	params[ParamRotate] = alpha * deg
	params[ParamRotate+1] = beta * deg
	params[ParamRotate+2] = gamma * deg

	t := m.Translation().Sub(center).Add(lin.MulVec(center))
	params[ParamTranslate], params[ParamTranslate+1], params[ParamTranslate+2] = t.X, t.Y, t.Z
	params[ParamCenter], params[ParamCenter+1], params[ParamCenter+2] = center.X, center.Y, center.Z

	return params, nil
}

// Matrix returns the homogeneous matrix.
func (a *Affine) Matrix() Matrix4 {
	return a.matrix
}

// SetMatrix replaces the transformation by m, keeping the current center.
// The transformation is unchanged if m cannot be decomposed.
func (a *Affine) SetMatrix(m Matrix4) error {
	params, err := Decompose(m, a.Center(), a.logScales)
	if err != nil {
		return err
	}
	a.params = params
	a.compose()
	return nil
}

// Concat makes a the transformation that applies a first and then other.
func (a *Affine) Concat(other *Affine) error {
	return a.SetMatrix(other.matrix.Mul(a.matrix))
}

// Insert makes a the transformation that applies other first and then a.
func (a *Affine) Insert(other *Affine) error {
	return a.SetMatrix(a.matrix.Mul(other.matrix))
}

// Inverse returns the inverse transformation. The result is cached until the
// parameters of a change; callers must Clone it before modifying it.
func (a *Affine) Inverse() (*Affine, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inverse != nil && a.inverseVersion == a.version {
		return a.inverse, nil
	}

	invMatrix, err := a.matrix.Inverse()
	if err != nil {
		return nil, err
	}
	params, err := Decompose(invMatrix, a.matrix.Apply(a.Center()), a.logScales)
	if err != nil {
		return nil, err
	}
	inv := NewAffineFromParams(params[:], a.logScales)
	inv.dofs = a.dofs

	a.inverse = inv
	a.inverseVersion = a.version
	return inv, nil
}

// ChangeCenter re-expresses the same transformation about a new center by
// adjusting the translation.
func (a *Affine) ChangeCenter(c r3.Vector) {
	delta := c.Sub(a.Center())
	lin := a.matrix.Linear()
	t := a.Translation().Add(lin.MulVec(delta)).Sub(delta)

	a.params[ParamTranslate], a.params[ParamTranslate+1], a.params[ParamTranslate+2] = t.X, t.Y, t.Z
	a.params[ParamCenter], a.params[ParamCenter+1], a.params[ParamCenter+2] = c.X, c.Y, c.Z
	a.compose()
}

// Apply maps a point.
func (a *Affine) Apply(v r3.Vector) r3.Vector {
	return a.matrix.Apply(v)
}

// ApplyInverse maps a point through the inverse transformation.
func (a *Affine) ApplyInverse(v r3.Vector) (r3.Vector, bool) {
	inv, err := a.Inverse()
	if err != nil {
		return v, false
	}
	return inv.Apply(v), true
}

// Jacobian returns the linear part; it does not depend on v.
func (a *Affine) Jacobian(r3.Vector) Matrix3 {
	return a.matrix.Linear()
}

// JacobianDeterminant equals the product of the scale factors.
func (a *Affine) JacobianDeterminant(r3.Vector) float64 {
	return a.GlobalScaling()
}

// GlobalScaling returns the product of the scale factors.
func (a *Affine) GlobalScaling() float64 {
	s := a.Scales()
	return s.X * s.Y * s.Z
}

// InDomain is true everywhere.
func (a *Affine) InDomain(r3.Vector) bool {
	return true
}

// Translation returns the translation parameters.
func (a *Affine) Translation() r3.Vector {
	return a.vec(ParamTranslate)
}

// Angles returns the rotation angles in degrees.
func (a *Affine) Angles() r3.Vector {
	return a.vec(ParamRotate)
}

// Scales returns the scale factors (never their logarithms).
func (a *Affine) Scales() r3.Vector {
	s := a.vec(ParamScale)
	if a.logScales {
		return r3.Vector{X: math.Exp(s.X), Y: math.Exp(s.Y), Z: math.Exp(s.Z)}
	}
	return s
}

// Shears returns the shear coefficients.
func (a *Affine) Shears() r3.Vector {
	return a.vec(ParamShear)
}

// Center returns the center of rotation, scale and shear.
func (a *Affine) Center() r3.Vector {
	return a.vec(ParamCenter)
}

func (a *Affine) SetTranslation(t r3.Vector) { a.setVec(ParamTranslate, t) }
func (a *Affine) SetAngles(angles r3.Vector) { a.setVec(ParamRotate, angles) }
func (a *Affine) SetShears(shears r3.Vector) { a.setVec(ParamShear, shears) }

// SetCenter moves the center without compensating the translation, which
// changes the transformation unless it is a pure translation. Use
// ChangeCenter to keep the mapping.
func (a *Affine) SetCenter(c r3.Vector) { a.setVec(ParamCenter, c) }

// SetScales sets the scale factors (not their logarithms).
func (a *Affine) SetScales(s r3.Vector) {
	if a.logScales {
		s = r3.Vector{X: math.Log(s.X), Y: math.Log(s.Y), Z: math.Log(s.Z)}
	}
	a.setVec(ParamScale, s)
}

func (a *Affine) vec(offset int) r3.Vector {
	return r3.Vector{X: a.params[offset], Y: a.params[offset+1], Z: a.params[offset+2]}
}

func (a *Affine) setVec(offset int, v r3.Vector) {
	a.params[offset], a.params[offset+1], a.params[offset+2] = v.X, v.Y, v.Z
	a.compose()
}

// Params returns the parameter vector as an array.
func (a *Affine) Params() AffineParams {
	return a.params
}

func (a *Affine) ParamVectorDim() int {
	return NumberOfAffineParameters
}

// VariableParamVectorDim returns the number of leading parameters that an
// optimizer may change.
func (a *Affine) VariableParamVectorDim() int {
	if a.dofs > 12 {
		return 12
	}
	return a.dofs
}

func (a *Affine) ParamVector() []float64 {
	out := make([]float64, NumberOfAffineParameters)
	copy(out, a.params[:])
	return out
}

func (a *Affine) SetParamVector(v []float64) {
	copy(a.params[:], v)
	a.tieScales()
	a.compose()
}

func (a *Affine) Parameter(idx int) float64 {
	return a.params[idx]
}

func (a *Affine) SetParameter(idx int, value float64) {
	a.params[idx] = value
	a.tieScales()
	a.compose()
}

// tieScales enforces a single isotropic scale in 7 DOF mode.
func (a *Affine) tieScales() {
	if a.dofs == 7 {
		a.params[ParamScale+1] = a.params[ParamScale]
		a.params[ParamScale+2] = a.params[ParamScale]
	}
}

// ParamStep converts mmStep into parameter units: millimetres for
// translations, degrees for rotations and relative change for scales and
// shears, all measured at the extent of a volume with the given size.
func (a *Affine) ParamStep(idx int, volumeSize r3.Vector, mmStep float64) float64 {
	if idx >= a.VariableParamVectorDim() {
		return 0
	}
	size := maxComponent(volumeSize)
	if size <= 0 {
		size = 1
	}
	switch {
	case idx < ParamRotate:
		return mmStep
	case idx < ParamScale:
		return mmStep / size * 180 / math.Pi
	case idx < ParamShear:
		if a.logScales {
			return math.Log(1 + mmStep/size)
		}
		return mmStep / size
	default:
		return mmStep / size
	}
}

func (a *Affine) Clone() Xform {
	return a.CloneAffine()
}

// CloneAffine returns a copy without the cached inverse.
func (a *Affine) CloneAffine() *Affine {
	return &Affine{
		params:    a.params,
		logScales: a.logScales,
		dofs:      a.dofs,
		matrix:    a.matrix,
		version:   a.version,
	}
}
