package annie

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/hupe1980/annie/distance"
	"github.com/hupe1980/annie/filter"
	"github.com/hupe1980/annie/gpu"
	"github.com/hupe1980/annie/internal/guard"
	"github.com/hupe1980/annie/internal/pathguard"
	"github.com/hupe1980/annie/internal/store"
	"github.com/hupe1980/annie/persistence"
)

// Kind classifies an Error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInvalidDimension
	KindExcessiveDimension
	KindExcessiveAllocation
	KindInputLengthMismatch
	KindDuplicateIDs
	KindEmptyIndex
	KindDimensionMismatch
	KindConcurrentModification
	KindMetricNotFound
	KindMinkowskiParameterInvalid
	KindReshape
	KindLockPoisoned
	KindInvalidPath
	KindIO
	KindGPUInvalidInput
	KindGPUAllocation
	KindGPUDeviceIndex
	KindGPURuntime
	KindNotFound
	KindInvalidArgument
)

var kindNames = [...]string{
	KindUnknown:                   "unknown",
	KindInvalidDimension:          "invalid dimension",
	KindExcessiveDimension:        "excessive dimension",
	KindExcessiveAllocation:       "excessive allocation",
	KindInputLengthMismatch:       "input length mismatch",
	KindDuplicateIDs:              "duplicate ids",
	KindEmptyIndex:                "empty index",
	KindDimensionMismatch:         "dimension mismatch",
	KindConcurrentModification:    "concurrent modification",
	KindMetricNotFound:            "metric not found",
	KindMinkowskiParameterInvalid: "invalid minkowski parameter",
	KindReshape:                   "reshape error",
	KindLockPoisoned:              "lock poisoned",
	KindInvalidPath:               "invalid path",
	KindIO:                        "io error",
	KindGPUInvalidInput:           "gpu invalid input",
	KindGPUAllocation:             "gpu allocation failed",
	KindGPUDeviceIndex:            "gpu invalid device index",
	KindGPURuntime:                "gpu runtime error",
	KindNotFound:                  "not found",
	KindInvalidArgument:           "invalid argument",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Error is the error type returned by Index and Env methods.
//
// errors.Is(err, ErrEmptyIndex) and friends match on Kind alone. The
// package-level error that caused it can be accessed via errors.Unwrap.
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "":
		return e.Kind.String() + ": " + e.Detail
	case e.cause != nil:
		return e.Kind.String() + ": " + e.cause.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is a bare *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Detail != "" || t.cause != nil {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidDimension          = &Error{Kind: KindInvalidDimension}
	ErrExcessiveDimension        = &Error{Kind: KindExcessiveDimension}
	ErrExcessiveAllocation       = &Error{Kind: KindExcessiveAllocation}
	ErrInputLengthMismatch       = &Error{Kind: KindInputLengthMismatch}
	ErrDuplicateIDs              = &Error{Kind: KindDuplicateIDs}
	ErrEmptyIndex                = &Error{Kind: KindEmptyIndex}
	ErrDimensionMismatch         = &Error{Kind: KindDimensionMismatch}
	ErrConcurrentModification    = &Error{Kind: KindConcurrentModification}
	ErrMetricNotFound            = &Error{Kind: KindMetricNotFound}
	ErrMinkowskiParameterInvalid = &Error{Kind: KindMinkowskiParameterInvalid}
	ErrReshape                   = &Error{Kind: KindReshape}
	ErrLockPoisoned              = &Error{Kind: KindLockPoisoned}
	ErrInvalidPath               = &Error{Kind: KindInvalidPath}
	ErrIO                        = &Error{Kind: KindIO}
	ErrGPUInvalidInput           = &Error{Kind: KindGPUInvalidInput}
	ErrGPUAllocation             = &Error{Kind: KindGPUAllocation}
	ErrGPUDeviceIndex            = &Error{Kind: KindGPUDeviceIndex}
	ErrGPURuntime                = &Error{Kind: KindGPURuntime}
	ErrNotFound                  = &Error{Kind: KindNotFound}
	ErrInvalidArgument           = &Error{Kind: KindInvalidArgument}
)

// KindOf returns the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, cause: err}
}

// translateError maps errors of the internal packages onto an *Error.
// Context errors are returned unchanged.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	// Lock poisoning and recovered panics.
	var pe *guard.PanicError
	if errors.Is(err, guard.ErrPoisoned) || errors.As(err, &pe) {
		return wrap(KindLockPoisoned, err)
	}

	// Store validation.
	var le *store.ErrLimitExceeded
	if errors.As(err, &le) {
		if le.What == "dimension" {
			return wrap(KindExcessiveDimension, err)
		}
		return wrap(KindExcessiveAllocation, err)
	}
	var dm *store.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return wrap(KindDimensionMismatch, err)
	}
	var dup *store.ErrDuplicateID
	if errors.As(err, &dup) {
		return wrap(KindDuplicateIDs, err)
	}
	switch {
	case errors.Is(err, store.ErrInvalidDimension):
		return wrap(KindInvalidDimension, err)
	case errors.Is(err, store.ErrInputLengthMismatch):
		return wrap(KindInputLengthMismatch, err)
	case errors.Is(err, store.ErrNotFound):
		return wrap(KindNotFound, err)
	case errors.Is(err, store.ErrInvalidRatio):
		return wrap(KindInvalidArgument, err)
	}

	// Metrics and filters.
	switch {
	case errors.Is(err, distance.ErrMetricNotFound):
		return wrap(KindMetricNotFound, err)
	case errors.Is(err, distance.ErrInvalidMinkowskiP):
		return wrap(KindMinkowskiParameterInvalid, err)
	case errors.Is(err, distance.ErrRegistryNotInitialized),
		errors.Is(err, distance.ErrBuiltinMetric),
		errors.Is(err, distance.ErrEmptyMetricName),
		errors.Is(err, filter.ErrTooDeep),
		errors.Is(err, filter.ErrNilFilter):
		return wrap(KindInvalidArgument, err)
	}

	// Device errors.
	switch {
	case errors.Is(err, gpu.ErrInvalidInput):
		return wrap(KindGPUInvalidInput, err)
	case errors.Is(err, gpu.ErrAllocation):
		return wrap(KindGPUAllocation, err)
	case errors.Is(err, gpu.ErrDeviceIndex):
		return wrap(KindGPUDeviceIndex, err)
	case errors.Is(err, gpu.ErrRuntime):
		return wrap(KindGPURuntime, err)
	}

	// Save and load.
	if errors.Is(err, pathguard.ErrInvalidPath) {
		return wrap(KindInvalidPath, err)
	}
	var pathErr *fs.PathError
	switch {
	case errors.As(err, &pathErr),
		errors.Is(err, fs.ErrNotExist),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, persistence.ErrInvalidMagic),
		errors.Is(err, persistence.ErrInvalidVersion),
		errors.Is(err, persistence.ErrInvalidCompression),
		errors.Is(err, persistence.ErrUnknownCodec),
		errors.Is(err, persistence.ErrCorrupt),
		errors.Is(err, persistence.ErrInvalidSnapshot):
		return wrap(KindIO, err)
	}

	return err
}
