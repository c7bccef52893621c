package gpu

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for empty or inconsistently sized inputs.
	ErrInvalidInput = errors.New("gpu: invalid input")

	// ErrAllocation is returned when device memory cannot be reserved.
	ErrAllocation = errors.New("gpu: allocation failed")

	// ErrDeviceIndex is returned for a device id outside [0, DeviceCount).
	ErrDeviceIndex = errors.New("gpu: invalid device index")

	// ErrRuntime is returned for failures reported by the device runtime.
	ErrRuntime = errors.New("gpu: runtime error")

	// ErrMonitorRunning is returned when starting a monitor twice.
	ErrMonitorRunning = errors.New("gpu: monitor already running")
)

// Error describes a failed device operation.
//
// errors.Is matches the kind sentinel (ErrInvalidInput, ErrAllocation,
// ErrDeviceIndex, ErrRuntime); the underlying cause is reachable via Unwrap.
type Error struct {
	Op     string
	Device int
	Kind   error
	Detail string
	cause  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s (device %d): %v", e.Op, e.Device, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.cause}
}

func newError(op string, device int, kind error, cause error, format string, args ...any) *Error {
	return &Error{Op: op, Device: device, Kind: kind, Detail: fmt.Sprintf(format, args...), cause: cause}
}
