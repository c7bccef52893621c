package mem

import (
	"unsafe"
)

// Alignment is the byte alignment of every buffer (one cache line, AVX-512 width).
const Alignment = 64

// AllocAligned allocates size bytes starting at an address divisible by Alignment.
// It returns nil for size <= 0.
func AllocAligned(size int) []byte {
	if size <= 0 {
		return nil
	}

	buf := make([]byte, size+Alignment)
	addr := uintptr(unsafe.Pointer(&buf[0])) //nolint:gosec // alignment arithmetic
	offset := (Alignment - (addr & (Alignment - 1))) & (Alignment - 1)
	return buf[offset : offset+uintptr(size) : offset+uintptr(size)]
}

// Float32s views b as float32 values in native byte order.
// Trailing bytes that do not fill a value are ignored.
func Float32s(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4) //nolint:gosec // b is 4-byte aligned
}

// Uint16s views b as uint16 values in native byte order.
func Uint16s(b []byte) []uint16 {
	if len(b) < 2 {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&b[0])), len(b)/2) //nolint:gosec // b is 2-byte aligned
}

// Int8s views b as int8 values.
func Int8s(b []byte) []int8 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*int8)(unsafe.Pointer(&b[0])), len(b)) //nolint:gosec // same size
}

// IsAligned reports whether b starts on an Alignment boundary.
func IsAligned(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&b[0]))%Alignment == 0 //nolint:gosec // address check
}
