package gpu

import "context"

// DeviceInfo describes one device of a runtime.
type DeviceInfo struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	MemoryBytes int64  `json:"memory_bytes"`
	Streams     int64  `json:"streams"`
}

// Runtime is a device driver: it hands out device memory and compute streams.
//
// Device buffers are byte slices. A runtime whose memory is not host
// addressable would return staging slices and copy on Stream operations.
type Runtime interface {
	Name() string
	DeviceCount() int
	Device(id int) (DeviceInfo, error)

	// Alloc reserves size bytes on device.
	Alloc(device, size int) ([]byte, error)

	// Free returns memory obtained from Alloc.
	Free(device int, buf []byte)

	// NewStream opens a compute stream on device, blocking while all of the
	// device's streams are in use.
	NewStream(ctx context.Context, device int) (Stream, error)
}

// L2Launch describes one L2 kernel invocation. Queries and Corpus hold
// values encoded at Precision; Out receives NQ*NV float32 distances.
type L2Launch struct {
	Precision Precision
	Queries   []byte
	Corpus    []byte
	Out       []byte
	Dim       int
	NQ        int
	NV        int
}

// Stream is an asynchronous, in-order command queue on one device.
type Stream interface {
	// LaunchL2 enqueues an L2 kernel and returns without waiting for it.
	LaunchL2(ctx context.Context, l L2Launch) error

	// Synchronize blocks until every enqueued kernel has finished and
	// returns the first kernel error.
	Synchronize() error

	// Close waits for outstanding work and releases the stream.
	Close() error
}
