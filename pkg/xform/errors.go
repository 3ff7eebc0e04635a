package xform

import "github.com/pkg/errors"

var (
	// ErrSingularMatrix is returned when a matrix cannot be inverted or
	// decomposed because it is (numerically) singular or has a zero scale.
	ErrSingularMatrix = errors.New("singular matrix")

	// ErrInvalidDOF is returned for unsupported affine degrees of freedom.
	ErrInvalidDOF = errors.New("unsupported number of degrees of freedom")
)
