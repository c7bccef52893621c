package annie

import (
	"context"
	"math"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/annie/distance"
	"github.com/hupe1980/annie/filter"
	"github.com/hupe1980/annie/gpu"
	"github.com/hupe1980/annie/internal/guard"
	"github.com/hupe1980/annie/internal/searcher"
	"github.com/hupe1980/annie/internal/store"
	"github.com/hupe1980/annie/internal/topk"
)

// Neighbor is a single search hit.
type Neighbor struct {
	ID       int64
	Distance float32
}

// BatchResult is the row-major Rows x K result matrix of SearchBatch.
// Rows with fewer than K hits are padded with ID -1 and distance +Inf;
// Found[i] is the number of real hits in row i.
type BatchResult struct {
	Rows      int
	K         int
	IDs       []int64
	Distances []float32
	Found     []int
}

// Row returns the ids and distances of row i.
func (r *BatchResult) Row(i int) ([]int64, []float32) {
	lo, hi := i*r.K, (i+1)*r.K
	return r.IDs[lo:hi], r.Distances[lo:hi]
}

// Neighbors returns row i without padding.
func (r *BatchResult) Neighbors(i int) []Neighbor {
	ids, dists := r.Row(i)
	out := make([]Neighbor, r.Found[i])
	for j := range out {
		out[j] = Neighbor{ID: ids[j], Distance: dists[j]}
	}
	return out
}

// TotalFound returns the number of real hits over all rows.
func (r *BatchResult) TotalFound() int {
	n := 0
	for _, f := range r.Found {
		n += f
	}
	return n
}

// Search returns up to k live entries nearest to query in non-decreasing
// distance order, restricted to entries accepted by f. A nil f accepts
// every entry.
//
// Search fails with ErrEmptyIndex when the index holds no live entries,
// ErrDimensionMismatch for a query of the wrong length, ErrMetricNotFound
// when a custom metric is not registered and ErrConcurrentModification if
// the index version changed while the search ran.
func (idx *Index) Search(ctx context.Context, query []float32, k int, f filter.Filter) ([]Neighbor, error) {
	start := time.Now()
	res, err := idx.search(ctx, query, k, f)
	err = translateError(err)

	idx.opts.metricsCollector.RecordSearch(1, k, time.Since(start), err)
	idx.logger.LogSearch(ctx, 1, k, len(res), err)
	return res, err
}

func (idx *Index) search(ctx context.Context, query []float32, k int, f filter.Filter) ([]Neighbor, error) {
	if err := idx.checkRequest(k, f); err != nil {
		return nil, err
	}

	var out []Neighbor
	err := idx.mu.Read(func() error {
		if len(query) != idx.store.Dim() {
			return &store.ErrDimensionMismatch{Expected: idx.store.Dim(), Actual: len(query), Row: -1}
		}
		if idx.store.Len() == 0 {
			return newError(KindEmptyIndex, "index has no live entries")
		}
		if k == 0 {
			return nil
		}

		version := idx.store.Version()
		cands, err := idx.scan(ctx, [][]float32{query}, k, f)
		if err != nil {
			return err
		}
		if err := idx.checkVersion(version); err != nil {
			return err
		}

		out = make([]Neighbor, len(cands[0]))
		for i, c := range cands[0] {
			out[i] = Neighbor{ID: c.ID, Distance: c.Distance}
		}
		return nil
	})
	return out, err
}

// SearchBatch runs Search for every query in parallel. k is clamped to the
// number of live entries. All queries are checked for their dimension
// before any is evaluated.
func (idx *Index) SearchBatch(ctx context.Context, queries [][]float32, k int, f filter.Filter) (*BatchResult, error) {
	start := time.Now()
	res, err := idx.searchBatch(ctx, queries, k, f)
	err = translateError(err)

	found := 0
	if res != nil {
		found = res.TotalFound()
	}
	idx.opts.metricsCollector.RecordSearch(len(queries), k, time.Since(start), err)
	idx.logger.LogSearch(ctx, len(queries), k, found, err)
	return res, err
}

// SearchBatchFlat is SearchBatch over queries packed row-major into flat.
// It fails with ErrReshape if len(flat) is not a multiple of the dimension.
func (idx *Index) SearchBatchFlat(ctx context.Context, flat []float32, k int, f filter.Filter) (*BatchResult, error) {
	dim := idx.Dim()
	if len(flat)%dim != 0 {
		return nil, newError(KindReshape, "%d values are not a multiple of dimension %d", len(flat), dim)
	}
	queries := make([][]float32, len(flat)/dim)
	for i := range queries {
		queries[i] = flat[i*dim : (i+1)*dim : (i+1)*dim]
	}
	return idx.SearchBatch(ctx, queries, k, f)
}

func (idx *Index) searchBatch(ctx context.Context, queries [][]float32, k int, f filter.Filter) (*BatchResult, error) {
	if err := idx.checkRequest(k, f); err != nil {
		return nil, err
	}

	var res *BatchResult
	err := idx.mu.Read(func() error {
		dim := idx.store.Dim()
		for i, q := range queries {
			if len(q) != dim {
				return &store.ErrDimensionMismatch{Expected: dim, Actual: len(q), Row: i}
			}
		}
		if idx.store.Len() == 0 {
			return newError(KindEmptyIndex, "index has no live entries")
		}

		kk := min(k, idx.store.Len())
		res = &BatchResult{
			Rows:      len(queries),
			K:         kk,
			IDs:       make([]int64, len(queries)*kk),
			Distances: make([]float32, len(queries)*kk),
			Found:     make([]int, len(queries)),
		}
		if len(queries) == 0 || kk == 0 {
			return nil
		}

		version := idx.store.Version()
		cands, err := idx.scan(ctx, queries, kk, f)
		if err != nil {
			return err
		}
		if err := idx.checkVersion(version); err != nil {
			return err
		}

		inf := float32(math.Inf(1))
		for i, row := range cands {
			res.Found[i] = len(row)
			ids, dists := res.Row(i)
			for j := range ids {
				if j < len(row) {
					ids[j], dists[j] = row[j].ID, row[j].Distance
				} else {
					ids[j], dists[j] = -1, inf
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (idx *Index) checkRequest(k int, f filter.Filter) error {
	if k < 0 {
		return newError(KindInvalidArgument, "k must not be negative, got %d", k)
	}
	if limit := idx.opts.limits.MaxK; limit > 0 && k > limit {
		return newError(KindExcessiveAllocation, "k %d exceeds limit %d", k, limit)
	}
	return filter.Validate(f)
}

// checkVersion fails if the store changed since captured was read.
func (idx *Index) checkVersion(captured uint64) error {
	if v := idx.store.Version(); v != captured {
		return newError(KindConcurrentModification, "index version changed from %d to %d during search", captured, v)
	}
	return nil
}

// scan returns the k nearest candidates of every query. Queries are
// evaluated in parallel; each query scans serially so that batch searches
// do not multiply goroutines.
func (idx *Index) scan(ctx context.Context, queries [][]float32, k int, f filter.Filter) ([][]topk.Candidate, error) {
	slots := idx.store.Slots()
	if idx.opts.gpu != nil && idx.metric.Kind == distance.Euclidean {
		return idx.scanGPU(ctx, slots, queries, k, f)
	}

	b, err := distance.Bind(idx.metric, idx.env.Registry())
	if err != nil {
		return nil, err
	}

	request := func(q []float32, parallelism int) searcher.Request {
		return searcher.Request{
			Query:       q,
			QueryNorm:   distance.SquaredNorm(q),
			K:           k,
			Filter:      f,
			Kernel:      b.Kernel,
			Serial:      b.Serial,
			Parallelism: parallelism,
		}
	}

	out := make([][]topk.Candidate, len(queries))
	if len(queries) == 1 {
		res, err := searcher.Scan(ctx, slots, request(queries[0], idx.opts.parallelism))
		out[0] = res.Candidates
		return out, err
	}

	workers := idx.opts.parallelism
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if b.Serial {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, q := range queries {
		g.Go(func() (err error) {
			defer guard.Recover(&err)
			res, err := searcher.Scan(gctx, slots, request(q, 1))
			out[i] = res.Candidates
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// scanGPU computes Euclidean distances on the configured devices. The slot
// array is partitioned across devices; tombstones are uploaded as zero rows
// and skipped on selection so that partition offsets equal slot positions.
func (idx *Index) scanGPU(ctx context.Context, slots []*store.Entry, queries [][]float32, k int, f filter.Filter) ([][]topk.Candidate, error) {
	dim := idx.store.Dim()
	nq := len(queries)
	backend := idx.env.GPU()
	precision := idx.opts.gpu.precision

	flat := make([]float32, 0, nq*dim)
	for _, q := range queries {
		flat = append(flat, q...)
	}
	corpus := make([]float32, len(slots)*dim)
	for i, e := range slots {
		if e != nil {
			copy(corpus[i*dim:], e.Vector)
		}
	}

	parts := gpu.Distribute(len(slots), idx.opts.gpu.devices)
	partials := make([][][]topk.Candidate, len(parts))

	g, gctx := errgroup.WithContext(ctx)
	for pi, part := range parts {
		g.Go(func() (err error) {
			defer guard.Recover(&err)
			end := part.Start + part.Count
			dists, err := backend.L2Distance(gctx, flat, corpus[part.Start*dim:end*dim], dim, nq, part.Count, part.Device, precision)
			if err != nil {
				return err
			}
			rows := make([][]topk.Candidate, nq)
			for q := range rows {
				rows[q] = searcher.FromDistances(slots[part.Start:end], part.Start, dists[q*part.Count:(q+1)*part.Count], k, f)
			}
			partials[pi] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([][]topk.Candidate, nq)
	lists := make([][]topk.Candidate, len(parts))
	for q := range out {
		for pi := range parts {
			lists[pi] = partials[pi][q]
		}
		out[q] = topk.Merge(k, lists...)
	}
	return out, nil
}
