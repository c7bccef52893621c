package annie

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/annie/distance"
	"github.com/hupe1980/annie/internal/guard"
	"github.com/hupe1980/annie/internal/store"
)

// ProgressFunc is called on the calling goroutine after each chunk of a
// batch add with the number of rows applied so far. Returning an error
// stops the batch; the rows applied so far stay committed.
//
// It runs while the index is locked for writing and must not call back
// into the index.
type ProgressFunc func(done, total int) error

// Index is an exact nearest-neighbor index over fixed-dimension vectors.
//
// Mutations take the index exclusively; searches share it. All methods are
// safe for concurrent use. A panic raised while the index is locked (for
// example by a custom metric or a ProgressFunc) poisons it: every later
// call fails with ErrLockPoisoned.
type Index struct {
	mu      guard.RWMutex
	store   *store.Store
	metric  distance.Metric
	env     *Env
	opts    options
	logger  *Logger
	created time.Time
}

// New creates an empty index for vectors of length dim.
func New(dim int, metric distance.Metric, optFns ...Option) (*Index, error) {
	return newIndex(dim, metric, applyOptions(optFns), time.Now().UTC())
}

// NewMinkowski creates an index using the Minkowski distance of order p.
// p must be finite and greater than zero.
func NewMinkowski(dim int, p float32, optFns ...Option) (*Index, error) {
	return New(dim, distance.Metric{Kind: distance.Minkowski, P: p}, optFns...)
}

// NewWithMetric creates an index for a metric given by name. Built-in names
// ("euclidean", "cosine", ...) select the built-in kernel; any other name is
// resolved in the Env's registry on every search.
func NewWithMetric(dim int, name string, optFns ...Option) (*Index, error) {
	return New(dim, distance.FromName(name), optFns...)
}

func newIndex(dim int, metric distance.Metric, o options, created time.Time) (*Index, error) {
	if dim <= 0 {
		return nil, newError(KindInvalidDimension, "dimension must be positive, got %d", dim)
	}
	if err := metric.Validate(); err != nil {
		return nil, translateError(err)
	}
	if o.gpu != nil && !o.gpu.precision.Valid() {
		return nil, newError(KindInvalidArgument, "unknown gpu precision %d", o.gpu.precision)
	}
	if o.parallelism < 0 {
		return nil, newError(KindInvalidArgument, "parallelism must not be negative, got %d", o.parallelism)
	}

	st, err := store.New(dim, o.limits.store())
	if err != nil {
		return nil, translateError(err)
	}
	if err := st.SetMaxDeletedRatio(o.maxDeletedRatio); err != nil {
		return nil, translateError(err)
	}

	idx := &Index{
		store:   st,
		metric:  metric,
		env:     o.env,
		opts:    o,
		logger:  o.logger.WithDimension(dim).WithMetric(metric.String()),
		created: created,
	}
	o.metricsCollector.RecordIndex(idx.info())
	return idx, nil
}

// info must be called with the lock held or before the index is shared.
func (idx *Index) info() IndexInfo {
	return IndexInfo{
		Dimension: idx.store.Dim(),
		Metric:    idx.metric.String(),
		Live:      idx.store.Len(),
		Deleted:   idx.store.DeletedCount(),
		Version:   idx.store.Version(),
	}
}

// Add inserts vectors under ids. The batch is validated and applied as a
// whole: on any error nothing is inserted and the version is unchanged. ctx
// is only checked before the batch starts.
func (idx *Index) Add(ctx context.Context, vectors [][]float32, ids []int64) error {
	return idx.add(ctx, len(vectors), func() error {
		return idx.store.Add(vectors, ids)
	})
}

// AddWithProgress is like Add but applies the batch in chunks of
// 1000 rows, calling progress after each chunk. If progress returns an error
// or ctx is canceled between chunks, the chunks applied so far stay in the
// index and the error is returned.
func (idx *Index) AddWithProgress(ctx context.Context, vectors [][]float32, ids []int64, progress ProgressFunc) error {
	return idx.add(ctx, len(vectors), func() error {
		return idx.store.AddChunked(vectors, ids, store.DefaultChunkSize, func(done, total int) error {
			if progress != nil {
				if err := progress(done, total); err != nil {
					return err
				}
			}
			return ctx.Err()
		})
	})
}

// add runs apply under the write lock and records the outcome.
func (idx *Index) add(ctx context.Context, rows int, apply func() error) error {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		info    IndexInfo
		applied bool
	)
	err := idx.mu.Write(func() error {
		before := idx.store.Version()
		defer func() {
			applied = idx.store.Version() != before
			info = idx.info()
		}()
		return apply()
	})
	err = translateError(err)

	idx.opts.metricsCollector.RecordAdd(rows, time.Since(start), err)
	idx.logger.LogAdd(ctx, rows, info.Version, err)
	if applied {
		idx.opts.metricsCollector.RecordIndex(info)
	}
	return err
}

// Remove deletes the given ids and returns how many were live. Unknown ids
// are ignored. Removed entries become tombstones; once the share of
// tombstones exceeds the configured ratio the index is compacted in the
// same call.
func (idx *Index) Remove(ctx context.Context, ids []int64) (int, error) {
	start := time.Now()

	var (
		removed, before, after int
		info                   IndexInfo
	)
	err := idx.mu.Write(func() error {
		before = idx.store.Capacity()
		removed = idx.store.Remove(ids)
		after = idx.store.Capacity()
		info = idx.info()
		return nil
	})
	err = translateError(err)

	idx.logger.LogRemove(ctx, len(ids), removed, err)
	if err != nil {
		return 0, err
	}
	idx.opts.metricsCollector.RecordRemove(removed, time.Since(start))
	if after < before {
		idx.logger.LogCompact(ctx, before, after, nil)
		idx.opts.metricsCollector.RecordCompact(before-after, time.Since(start))
	}
	idx.opts.metricsCollector.RecordIndex(info)
	return removed, nil
}

// Update replaces the vector stored under id. It fails with ErrNotFound if
// id is not live.
func (idx *Index) Update(ctx context.Context, id int64, vector []float32) error {
	start := time.Now()

	var info IndexInfo
	err := idx.mu.Write(func() error {
		if err := idx.store.Update(id, vector); err != nil {
			return err
		}
		info = idx.info()
		return nil
	})
	err = translateError(err)

	idx.opts.metricsCollector.RecordUpdate(time.Since(start), err)
	idx.logger.LogUpdate(ctx, id, err)
	if err == nil {
		idx.opts.metricsCollector.RecordIndex(info)
	}
	return err
}

// Compact drops all tombstones. Slot positions of live entries change.
func (idx *Index) Compact(ctx context.Context) error {
	start := time.Now()

	var (
		before, after int
		info          IndexInfo
	)
	err := idx.mu.Write(func() error {
		before = idx.store.Capacity()
		idx.store.Compact()
		after = idx.store.Capacity()
		info = idx.info()
		return nil
	})
	err = translateError(err)

	idx.logger.LogCompact(ctx, before, after, err)
	if err != nil {
		return err
	}
	idx.opts.metricsCollector.RecordCompact(before-after, time.Since(start))
	idx.opts.metricsCollector.RecordIndex(info)
	return nil
}

// SetMaxDeletedRatio sets the tombstone share in [0, 1] above which Remove
// compacts the index. It does not change the version.
func (idx *Index) SetMaxDeletedRatio(ratio float64) error {
	return translateError(idx.mu.Write(func() error {
		return idx.store.SetMaxDeletedRatio(ratio)
	}))
}

// read runs fn under the shared lock. fn is skipped on a poisoned index.
func (idx *Index) read(fn func()) {
	_ = idx.mu.Read(func() error {
		fn()
		return nil
	})
}

// Len returns the number of live entries.
func (idx *Index) Len() (n int) {
	idx.read(func() { n = idx.store.Len() })
	return n
}

// Capacity returns the number of slots, including tombstones.
func (idx *Index) Capacity() (n int) {
	idx.read(func() { n = idx.store.Capacity() })
	return n
}

// DeletedCount returns the number of tombstones.
func (idx *Index) DeletedCount() (n int) {
	idx.read(func() { n = idx.store.DeletedCount() })
	return n
}

// Version returns the mutation counter. It increases by one per successful
// Add, Remove, Update and Compact, including calls that change nothing.
func (idx *Index) Version() uint64 { return idx.store.Version() }

// Dim returns the vector dimension.
func (idx *Index) Dim() int { return idx.store.Dim() }

// Metric returns the distance metric.
func (idx *Index) Metric() distance.Metric { return idx.metric }

// Env returns the environment the index was created with.
func (idx *Index) Env() *Env { return idx.env }

// Poisoned reports whether a panic poisoned the index.
func (idx *Index) Poisoned() bool { return idx.mu.Poisoned() }

func (idx *Index) String() string {
	return fmt.Sprintf("Index(dim=%d, metric=%s, entries=%d)", idx.Dim(), idx.metric, idx.Len())
}
