package gpu

import (
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/hupe1980/annie/internal/mem"
)

// Int8Scale maps [-1, 1] onto the int8 range.
const Int8Scale = 127

// QuantizeInt8 scales v by Int8Scale, truncates toward zero and clamps to
// [-128, 127]. Non-finite values map to 0.
func QuantizeInt8(v float32) int8 {
	if !finite(v) {
		return 0
	}
	s := v * Int8Scale
	switch {
	case s >= math.MaxInt8:
		return math.MaxInt8
	case s <= math.MinInt8:
		return math.MinInt8
	}
	return int8(s)
}

// Convert encodes src at precision p into a newly allocated aligned buffer.
func Convert(src []float32, p Precision) []byte {
	dst := mem.AllocAligned(len(src) * p.ElementSize())
	_ = ConvertInto(dst, src, p)
	return dst
}

// ConvertInto encodes src at precision p into dst, which must hold at least
// len(src)*p.ElementSize() bytes and be aligned to the element size.
// Non-finite source values are written as the precision's zero.
func ConvertInto(dst []byte, src []float32, p Precision) error {
	if !p.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidInput, p)
	}
	if need := len(src) * p.ElementSize(); len(dst) < need {
		return fmt.Errorf("%w: destination holds %d bytes, need %d", ErrInvalidInput, len(dst), need)
	}
	if len(src) == 0 {
		return nil
	}

	switch p {
	case FP32:
		out := mem.Float32s(dst)
		for i, v := range src {
			if finite(v) {
				out[i] = v
			} else {
				out[i] = 0
			}
		}
	case FP16:
		out := mem.Uint16s(dst)
		for i, v := range src {
			if finite(v) {
				out[i] = float16.Fromfloat32(v).Bits()
			} else {
				out[i] = 0
			}
		}
	case Int8:
		out := mem.Int8s(dst)
		for i, v := range src {
			out[i] = QuantizeInt8(v)
		}
	}
	return nil
}

// Decode widens n values of precision p stored in b back to float32,
// reusing dst when it has capacity. Int8 values are divided by Int8Scale.
func Decode(dst []float32, b []byte, p Precision, n int) []float32 {
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]

	switch p {
	case FP32:
		copy(dst, mem.Float32s(b)[:n])
	case FP16:
		in := mem.Uint16s(b)[:n]
		for i, h := range in {
			dst[i] = float16.Frombits(h).Float32()
		}
	case Int8:
		in := mem.Int8s(b)[:n]
		for i, q := range in {
			dst[i] = float32(q) / Int8Scale
		}
	}
	return dst
}

func finite(v float32) bool {
	return !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0)
}
