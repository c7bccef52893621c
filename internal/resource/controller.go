package resource

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryLimitExceeded is returned when a reservation does not fit.
var ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

// Config holds the limits of one device.
type Config struct {
	// MemoryBytes is the device memory capacity.
	// If 0, usage is tracked but not limited.
	MemoryBytes int64

	// Streams is the maximum number of concurrently open streams.
	// If 0, defaults to 1.
	Streams int64

	// TransferBytesPerSec caps host/device copy throughput.
	// If 0, unlimited.
	TransferBytesPerSec int64
}

// Controller enforces the limits of one device. Snapshot IO uses a
// Controller with only a transfer budget.
type Controller struct {
	cfg Config

	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64
	memPeak atomic.Int64

	streamSem *semaphore.Weighted
	streams   atomic.Int64

	transfer *rate.Limiter
}

// NewController creates a controller for cfg.
func NewController(cfg Config) *Controller {
	if cfg.Streams <= 0 {
		cfg.Streams = 1
	}

	c := &Controller{
		cfg:       cfg,
		streamSem: semaphore.NewWeighted(cfg.Streams),
	}
	if cfg.MemoryBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryBytes)
	}
	if cfg.TransferBytesPerSec > 0 {
		c.transfer = rate.NewLimiter(rate.Limit(cfg.TransferBytesPerSec), int(cfg.TransferBytesPerSec))
	}
	return c
}

// AcquireMemory reserves bytes without blocking.
func (c *Controller) AcquireMemory(bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}
	if c.memSem != nil && !c.memSem.TryAcquire(bytes) {
		return fmt.Errorf("%w: requested %d, in use %d of %d", ErrMemoryLimitExceeded, bytes, c.memUsed.Load(), c.cfg.MemoryBytes)
	}

	used := c.memUsed.Add(bytes)
	for {
		peak := c.memPeak.Load()
		if used <= peak || c.memPeak.CompareAndSwap(peak, used) {
			break
		}
	}
	return nil
}

// ReleaseMemory returns a reservation.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}
	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage returns the reserved bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// MemoryPeak returns the highest reservation seen.
func (c *Controller) MemoryPeak() int64 {
	if c == nil {
		return 0
	}
	return c.memPeak.Load()
}

// MemoryLimit returns the capacity in bytes (0 if unlimited).
func (c *Controller) MemoryLimit() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.MemoryBytes
}

// AcquireStream blocks until a stream slot is free or ctx is done.
func (c *Controller) AcquireStream(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if err := c.streamSem.Acquire(ctx, 1); err != nil {
		return err
	}
	c.streams.Add(1)
	return nil
}

// TryAcquireStream reserves a stream slot without blocking.
func (c *Controller) TryAcquireStream() bool {
	if c == nil {
		return true
	}
	if !c.streamSem.TryAcquire(1) {
		return false
	}
	c.streams.Add(1)
	return true
}

// ReleaseStream frees a stream slot.
func (c *Controller) ReleaseStream() {
	if c == nil {
		return
	}
	c.streams.Add(-1)
	c.streamSem.Release(1)
}

// OpenStreams returns the number of held stream slots.
func (c *Controller) OpenStreams() int64 {
	if c == nil {
		return 0
	}
	return c.streams.Load()
}

// AcquireTransfer waits until the transfer budget allows bytes.
// Requests larger than the burst are split.
func (c *Controller) AcquireTransfer(ctx context.Context, bytes int) error {
	if c == nil || c.transfer == nil || bytes <= 0 {
		return nil
	}
	burst := c.transfer.Burst()
	for bytes > 0 {
		n := min(bytes, burst)
		if err := c.transfer.WaitN(ctx, n); err != nil {
			return err
		}
		bytes -= n
	}
	return nil
}

// TryAcquireTransfer reports whether bytes can be transferred right now.
func (c *Controller) TryAcquireTransfer(bytes int) bool {
	if c == nil || c.transfer == nil {
		return true
	}
	return c.transfer.AllowN(time.Now(), bytes)
}
