// Package gpu implements the accelerated distance path: precision
// conversion, a device runtime abstraction, a per-device buffer pool and the
// backend that dispatches L2 kernels across one or more devices.
//
// # Runtimes
//
// A Runtime owns devices, device memory and streams. HostRuntime emulates
// devices in host memory and executes kernels with BLAS; it is always
// available and is what tests and the CLI use when no native driver is
// present. Package gpu/cuda probes for a native driver.
//
// # Memory pool
//
// Buffers are borrowed from a MemoryPool keyed by (size, precision) and must
// be released exactly once, typically with defer:
//
//	buf, err := pool.Get(device, n, gpu.FP16)
//	if err != nil {
//	    return err
//	}
//	defer buf.Release()
//
// Release is idempotent. A MemoryPool is shared by every index created from
// the same environment and is safe for concurrent use.
package gpu
