// Package hwerr defines the error kinds shared by the motion, camera and scan
// layers. Callers wrap a kind with fmt.Errorf("%w: ...") and match it with
// errors.Is; Kind recovers the kind name for protocol responses.
package hwerr

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks malformed settings or parameters, rejected
	// before any hardware call is made.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotInitialized marks an operation that requires a prior initialize.
	ErrNotInitialized = errors.New("not initialized")
	// ErrHardwareUnavailable marks a missing driver or library.
	ErrHardwareUnavailable = errors.New("hardware unavailable")
	// ErrDeviceError marks a hardware call that failed for a reason other
	// than a timeout.
	ErrDeviceError = errors.New("device error")
	// ErrMotionTimeout marks an exhausted motion wait budget.
	ErrMotionTimeout = errors.New("motion timeout")
)

// InvalidArgument returns an ErrInvalidArgument with a formatted detail.
func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// NotInitialized returns an ErrNotInitialized naming the subsystem, as in
// "DAQ not initialized, call initialize first".
func NotInitialized(subsystem string) error {
	return fmt.Errorf("%s %w, call initialize first", subsystem, ErrNotInitialized)
}

// Device wraps err as an ErrDeviceError with the operation that failed.
func Device(op string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s failed", ErrDeviceError, op)
	}
	return fmt.Errorf("%w: %s: %w", ErrDeviceError, op, err)
}

// Kind returns a short machine-readable name for the kind carried by err, or
// "internal" when err carries none of the known kinds.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrNotInitialized):
		return "not_initialized"
	case errors.Is(err, ErrHardwareUnavailable):
		return "hardware_unavailable"
	case errors.Is(err, ErrMotionTimeout):
		return "motion_timeout"
	case errors.Is(err, ErrDeviceError):
		return "device_error"
	default:
		return "internal"
	}
}
