package searcher

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/annie/distance"
	"github.com/hupe1980/annie/filter"
	"github.com/hupe1980/annie/internal/guard"
	"github.com/hupe1980/annie/internal/store"
	"github.com/hupe1980/annie/internal/topk"
)

// MinChunk is the smallest number of slots handed to one worker.
const MinChunk = 256

// cancelCheckInterval is how many slots a worker scans between context checks.
const cancelCheckInterval = 1024

// Searcher is reusable per-worker scratch memory.
//
// Searcher is NOT thread-safe. It is owned by a single goroutine for the
// duration of one chunk scan.
type Searcher struct {
	// Candidates collects every accepted slot of the chunk before selection.
	Candidates []topk.Candidate

	// OpsPerformed counts distance evaluations.
	OpsPerformed int
}

var searcherPool = sync.Pool{
	New: func() any {
		return &Searcher{Candidates: make([]topk.Candidate, 0, MinChunk)}
	},
}

// Get returns a Searcher from the pool.
func Get() *Searcher {
	s := searcherPool.Get().(*Searcher)
	s.Reset()
	return s
}

// Put returns a Searcher to the pool.
func Put(s *Searcher) {
	searcherPool.Put(s)
}

// Reset clears the searcher state for reuse.
func (s *Searcher) Reset() {
	s.Candidates = s.Candidates[:0]
	s.OpsPerformed = 0
}

// Request describes one brute-force scan.
type Request struct {
	Query     []float32
	QueryNorm float32
	K         int

	// Filter may be nil to accept every live slot.
	Filter filter.Filter

	Kernel distance.Kernel

	// Serial forces a single-goroutine scan.
	Serial bool

	// Parallelism caps the number of workers. Zero means GOMAXPROCS.
	Parallelism int
}

// Result is the outcome of a scan.
type Result struct {
	Candidates []topk.Candidate

	// Scanned is the number of distance evaluations performed.
	Scanned int
}

// Scan evaluates the kernel against every live, accepted slot and returns
// the K nearest candidates in ascending order.
//
// Slots are split into contiguous chunks scanned concurrently. Each worker
// selects its local top K and the partial lists are merged. A panic in a
// worker is returned as a *guard.PanicError.
func Scan(ctx context.Context, slots []*store.Entry, req Request) (Result, error) {
	if req.K <= 0 || len(slots) == 0 {
		return Result{}, nil
	}

	workers := req.Parallelism
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if req.Serial {
		workers = 1
	}
	chunks := (len(slots) + MinChunk - 1) / MinChunk
	workers = min(workers, chunks)

	if workers <= 1 {
		var (
			res Result
			err error
		)
		func() {
			defer guard.Recover(&err)
			res.Candidates, res.Scanned, err = scanChunk(ctx, slots, 0, req)
		}()
		return res, err
	}

	chunkSize := (len(slots) + workers - 1) / workers
	partials := make([][]topk.Candidate, workers)
	scanned := make([]int, workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for w := 0; w < workers; w++ {
		start := w * chunkSize
		if start >= len(slots) {
			break
		}
		end := min(start+chunkSize, len(slots))

		g.Go(func() (err error) {
			defer guard.Recover(&err)
			partials[w], scanned[w], err = scanChunk(gctx, slots[start:end], start, req)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	total := 0
	for _, n := range scanned {
		total += n
	}
	return Result{Candidates: topk.Merge(req.K, partials...), Scanned: total}, nil
}

// scanChunk scores slots[i] as slot position offset+i.
func scanChunk(ctx context.Context, slots []*store.Entry, offset int, req Request) ([]topk.Candidate, int, error) {
	s := Get()
	defer Put(s)

	for i, e := range slots {
		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, s.OpsPerformed, err
			}
		}
		if e == nil {
			continue
		}
		pos := offset + i
		if req.Filter != nil && !req.Filter.Accepts(e.ID, pos) {
			continue
		}
		d := req.Kernel(req.Query, req.QueryNorm, e.Vector, e.SquaredNorm)
		s.OpsPerformed++
		s.Candidates = append(s.Candidates, topk.Candidate{ID: e.ID, Slot: pos, Distance: d})
	}

	best := topk.Select(s.Candidates, req.K)
	out := make([]topk.Candidate, len(best))
	copy(out, best)
	return out, s.OpsPerformed, nil
}

// FromDistances builds the K nearest candidates from a precomputed distance
// row, where dists[i] belongs to slots[i] at slot position offset+i.
// Tombstones and filtered slots are skipped.
func FromDistances(slots []*store.Entry, offset int, dists []float32, k int, f filter.Filter) []topk.Candidate {
	s := Get()
	defer Put(s)

	for i, e := range slots {
		if e == nil || i >= len(dists) {
			continue
		}
		pos := offset + i
		if f != nil && !f.Accepts(e.ID, pos) {
			continue
		}
		s.Candidates = append(s.Candidates, topk.Candidate{ID: e.ID, Slot: pos, Distance: dists[i]})
	}

	best := topk.Select(s.Candidates, k)
	out := make([]topk.Candidate, len(best))
	copy(out, best)
	return out
}
