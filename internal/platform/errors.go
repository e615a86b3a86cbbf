package platform

import (
	"errors"
	"fmt"
)

var (
	// ErrPlatformUnavailable means a privileged hook or OS API is missing.
	// It is recoverable and triggers degraded mode.
	ErrPlatformUnavailable = errors.New("platform unavailable")

	// ErrPermissionDenied is the unavailable case caused by a refused OS permission.
	ErrPermissionDenied = fmt.Errorf("%w: permission denied", ErrPlatformUnavailable)

	// ErrNotStarted is returned by drivers used before Start.
	ErrNotStarted = errors.New("driver not started")
)

// PlatformError wraps a failure of a specific driver operation.
type PlatformError struct {
	Driver string
	Op     string
	Err    error
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Driver, e.Op, e.Err)
}

func (e *PlatformError) Unwrap() error {
	return e.Err
}

// Unavailable builds a PlatformError that matches ErrPlatformUnavailable.
func Unavailable(driver, op string, cause error) error {
	if cause == nil {
		return &PlatformError{Driver: driver, Op: op, Err: ErrPlatformUnavailable}
	}
	if errors.Is(cause, ErrPlatformUnavailable) {
		return &PlatformError{Driver: driver, Op: op, Err: cause}
	}
	return &PlatformError{Driver: driver, Op: op, Err: fmt.Errorf("%w: %v", ErrPlatformUnavailable, cause)}
}

// IsUnavailable reports whether err means the platform capability is missing.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrPlatformUnavailable)
}
