package gpu

import (
	"fmt"
	"strings"
)

// Precision is the numeric representation used on the device.
type Precision uint8

const (
	FP32 Precision = iota
	FP16
	Int8
)

// ElementSize returns the size of one converted value in bytes.
func (p Precision) ElementSize() int {
	switch p {
	case FP16:
		return 2
	case Int8:
		return 1
	default:
		return 4
	}
}

func (p Precision) String() string {
	switch p {
	case FP32:
		return "fp32"
	case FP16:
		return "fp16"
	case Int8:
		return "int8"
	default:
		return fmt.Sprintf("precision(%d)", uint8(p))
	}
}

// KernelName returns the name of the L2 kernel compiled for p.
func (p Precision) KernelName() string {
	return "l2_distance_" + p.String()
}

// Valid reports whether p is a known precision.
func (p Precision) Valid() bool { return p <= Int8 }

// ParsePrecision parses "fp32", "fp16" or "int8" (case-insensitive).
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fp32", "f32", "float32":
		return FP32, nil
	case "fp16", "f16", "half":
		return FP16, nil
	case "int8", "i8":
		return Int8, nil
	}
	return 0, fmt.Errorf("%w: unknown precision %q", ErrInvalidInput, s)
}
