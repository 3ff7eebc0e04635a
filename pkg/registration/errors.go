package registration

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidConfiguration is the root of all ConfigErrors.
	ErrInvalidConfiguration = errors.New("invalid registration configuration")
	// ErrDegenerateVolume is returned for an input volume without extent.
	ErrDegenerateVolume = errors.New("degenerate volume")
	// ErrNoTransformation is returned when a transformation is requested
	// that was never computed.
	ErrNoTransformation = errors.New("no transformation available")
)

// ConfigError reports a parameter rejected before any optimization starts.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrInvalidConfiguration, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfiguration
}

func configErrorf(field, format string, args ...interface{}) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
