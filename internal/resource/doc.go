// Package resource accounts for the finite resources of a compute device.
//
// A Controller tracks three things for one device:
//
//   - Memory: bytes reserved for device allocations (non-blocking, fail-fast)
//   - Streams: concurrently open compute streams (blocking semaphore)
//   - Transfers: host/device copy bandwidth (token bucket)
//
// Memory reservation never blocks; callers decide whether to evict cached
// buffers and retry:
//
//	rc := resource.NewController(resource.Config{MemoryBytes: 1 << 30})
//	if err := rc.AcquireMemory(n); err != nil {
//	    // ErrMemoryLimitExceeded
//	}
//	defer rc.ReleaseMemory(n)
//
// All methods are safe for concurrent use. A nil Controller is unlimited.
package resource
