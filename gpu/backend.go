package gpu

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/annie/internal/guard"
	"github.com/hupe1980/annie/internal/mem"
	"github.com/hupe1980/annie/internal/topk"
)

// Backend dispatches distance kernels to the devices of a Runtime, borrowing
// device memory from a MemoryPool.
type Backend struct {
	rt     Runtime
	pool   *MemoryPool
	logger *slog.Logger
}

// BackendOption configures a Backend.
type BackendOption func(*Backend)

// WithPool shares an existing pool. By default the backend creates its own.
func WithPool(pool *MemoryPool) BackendOption {
	return func(b *Backend) { b.pool = pool }
}

// WithLogger sets the logger used for dispatch diagnostics.
func WithLogger(l *slog.Logger) BackendOption {
	return func(b *Backend) { b.logger = l }
}

// NewBackend creates a backend for rt.
func NewBackend(rt Runtime, opts ...BackendOption) *Backend {
	b := &Backend{rt: rt}
	for _, opt := range opts {
		opt(b)
	}
	if b.pool == nil {
		b.pool = NewMemoryPool(rt, DefaultPoolConfig())
	}
	if b.logger == nil {
		b.logger = slog.New(slog.DiscardHandler)
	}
	return b
}

func (b *Backend) Runtime() Runtime  { return b.rt }
func (b *Backend) Pool() *MemoryPool { return b.pool }
func (b *Backend) DeviceCount() int  { return b.rt.DeviceCount() }

// Devices describes every device of the runtime.
func (b *Backend) Devices() ([]DeviceInfo, error) {
	infos := make([]DeviceInfo, b.rt.DeviceCount())
	for i := range infos {
		info, err := b.rt.Device(i)
		if err != nil {
			return nil, err
		}
		infos[i] = info
	}
	return infos, nil
}

func (b *Backend) checkDevice(op string, device int) error {
	if n := b.rt.DeviceCount(); device < 0 || device >= n {
		return newError(op, device, ErrDeviceIndex, nil, "have %d devices", n)
	}
	return nil
}

// L2Distance computes the Euclidean distance between every query and every
// corpus vector on device at precision p. queries holds nq rows and corpus nv
// rows of dim values. The result is row-major nq x nv.
//
// All device buffers borrowed for the call are returned to the pool before
// L2Distance returns, on success and on error.
func (b *Backend) L2Distance(ctx context.Context, queries, corpus []float32, dim, nq, nv, device int, p Precision) ([]float32, error) {
	const op = "l2_distance"

	switch {
	case len(queries) == 0 || len(corpus) == 0:
		return nil, newError(op, device, ErrInvalidInput, nil, "empty input")
	case dim <= 0 || nq <= 0 || nv <= 0:
		return nil, newError(op, device, ErrInvalidInput, nil, "dim=%d nq=%d nv=%d", dim, nq, nv)
	case len(queries) != nq*dim:
		return nil, newError(op, device, ErrInvalidInput, nil, "queries hold %d values, want %d", len(queries), nq*dim)
	case len(corpus) != nv*dim:
		return nil, newError(op, device, ErrInvalidInput, nil, "corpus holds %d values, want %d", len(corpus), nv*dim)
	case !p.Valid():
		return nil, newError(op, device, ErrInvalidInput, nil, "precision %v", p)
	}
	if err := b.checkDevice(op, device); err != nil {
		return nil, err
	}

	batch := &BufferBatch{}
	defer batch.Release()

	es := p.ElementSize()
	qb, err := b.borrow(batch, device, nq*dim*es, p)
	if err != nil {
		return nil, err
	}
	cb, err := b.borrow(batch, device, nv*dim*es, p)
	if err != nil {
		return nil, err
	}
	ob, err := b.borrow(batch, device, nq*nv*4, FP32)
	if err != nil {
		return nil, err
	}

	if err := ConvertInto(qb.Bytes(), queries, p); err != nil {
		return nil, newError(op, device, ErrInvalidInput, err, "convert queries")
	}
	if err := ConvertInto(cb.Bytes(), corpus, p); err != nil {
		return nil, newError(op, device, ErrInvalidInput, err, "convert corpus")
	}

	stream, err := b.rt.NewStream(ctx, device)
	if err != nil {
		return nil, err
	}
	defer stream.Close() //nolint:errcheck // synchronized below

	launch := L2Launch{
		Precision: p,
		Queries:   qb.Bytes(),
		Corpus:    cb.Bytes(),
		Out:       ob.Bytes(),
		Dim:       dim,
		NQ:        nq,
		NV:        nv,
	}
	if err := stream.LaunchL2(ctx, launch); err != nil {
		return nil, err
	}
	if err := stream.Synchronize(); err != nil {
		return nil, err
	}

	out := make([]float32, nq*nv)
	copy(out, mem.Float32s(ob.Bytes()))

	b.logger.Debug("l2 kernel finished",
		"device", device,
		"kernel", p.KernelName(),
		"queries", nq,
		"vectors", nv)
	return out, nil
}

func (b *Backend) borrow(batch *BufferBatch, device, size int, p Precision) (*Buffer, error) {
	buf, err := b.pool.Get(device, size, p)
	if err != nil {
		return nil, err
	}
	batch.Add(buf)
	return buf, nil
}

// Partition is the contiguous corpus range assigned to one device.
type Partition struct {
	Device int
	Start  int
	Count  int
}

// Distribute splits nv vectors evenly across devices; the last device takes
// the remainder. Empty partitions are omitted.
func Distribute(nv int, devices []int) []Partition {
	if nv <= 0 || len(devices) == 0 {
		return nil
	}
	per := nv / len(devices)
	parts := make([]Partition, 0, len(devices))
	for i, d := range devices {
		start := i * per
		count := per
		if i == len(devices)-1 {
			count = nv - start
		}
		if count == 0 {
			continue
		}
		parts = append(parts, Partition{Device: d, Start: start, Count: count})
	}
	return parts
}

// MultiDeviceSearch partitions corpus across devices, computes distances on
// each device concurrently and returns the k nearest corpus rows per query.
// Candidate.Slot and Candidate.ID hold the global corpus row.
func (b *Backend) MultiDeviceSearch(ctx context.Context, queries, corpus []float32, dim, k int, devices []int, p Precision) ([][]topk.Candidate, error) {
	const op = "multi_device_search"

	if dim <= 0 || len(queries) == 0 || len(queries)%dim != 0 || len(corpus) == 0 || len(corpus)%dim != 0 {
		return nil, newError(op, -1, ErrInvalidInput, nil, "queries=%d corpus=%d dim=%d", len(queries), len(corpus), dim)
	}
	if k <= 0 {
		return nil, newError(op, -1, ErrInvalidInput, nil, "k=%d", k)
	}
	if len(devices) == 0 {
		return nil, newError(op, -1, ErrInvalidInput, nil, "no devices")
	}
	for _, d := range devices {
		if err := b.checkDevice(op, d); err != nil {
			return nil, err
		}
	}

	nq := len(queries) / dim
	nv := len(corpus) / dim
	parts := Distribute(nv, devices)
	partials := make([][][]topk.Candidate, len(parts))

	g, gctx := errgroup.WithContext(ctx)
	for i, part := range parts {
		g.Go(func() (err error) {
			defer guard.Recover(&err)
			slice := corpus[part.Start*dim : (part.Start+part.Count)*dim]
			dists, err := b.L2Distance(gctx, queries, slice, dim, nq, part.Count, part.Device, p)
			if err != nil {
				return err
			}

			perQuery := make([][]topk.Candidate, nq)
			for q := 0; q < nq; q++ {
				row := dists[q*part.Count : (q+1)*part.Count]
				cands := make([]topk.Candidate, len(row))
				for j, d := range row {
					global := part.Start + j
					cands[j] = topk.Candidate{ID: int64(global), Slot: global, Distance: d}
				}
				perQuery[q] = topk.Select(cands, k)
			}
			partials[i] = perQuery
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := make([][]topk.Candidate, nq)
	lists := make([][]topk.Candidate, len(parts))
	for q := range results {
		for i := range parts {
			lists[i] = partials[i][q]
		}
		results[q] = topk.Merge(k, lists...)
	}
	return results, nil
}

// Warmup runs a 1x1 kernel at every precision so that first queries do not
// pay for stream and pool initialization.
func (b *Backend) Warmup(ctx context.Context, device int) error {
	for _, p := range []Precision{FP32, FP16, Int8} {
		if _, err := b.L2Distance(ctx, []float32{0}, []float32{0}, 1, 1, 1, device, p); err != nil {
			return fmt.Errorf("warmup %s: %w", p, err)
		}
	}
	return nil
}

// MemoryUsage returns (allocated, peak) of device's pool.
func (b *Backend) MemoryUsage(device int) (allocated, peak int64, err error) {
	if err := b.checkDevice("memory_usage", device); err != nil {
		return 0, 0, err
	}
	allocated, peak = b.pool.MemoryUsage(device)
	return allocated, peak, nil
}

// MemoryStats returns the pool statistics of device.
func (b *Backend) MemoryStats(device int) (PoolStats, error) {
	if err := b.checkDevice("memory_stats", device); err != nil {
		return PoolStats{}, err
	}
	return b.pool.Device(device).Stats(), nil
}

// SetMaxPoolSize changes the pool bound of device.
func (b *Backend) SetMaxPoolSize(device int, bytes int64) error {
	if err := b.checkDevice("set_max_pool_size", device); err != nil {
		return err
	}
	b.pool.SetMaxPoolSize(device, bytes)
	return nil
}

// EmergencyCleanup empties the pool of device.
func (b *Backend) EmergencyCleanup(device int) error {
	if err := b.checkDevice("emergency_cleanup", device); err != nil {
		return err
	}
	b.pool.EmergencyCleanup(device)
	b.logger.Warn("gpu pool emergency cleanup", "device", device)
	return nil
}
