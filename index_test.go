package annie

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/annie/distance"
	"github.com/hupe1980/annie/filter"
	"github.com/hupe1980/annie/gpu"
	"github.com/hupe1980/annie/testutil"
)

func newTestIndex(t *testing.T, dim int, metric distance.Metric, opts ...Option) *Index {
	t.Helper()
	opts = append([]Option{WithEnv(NewEnv())}, opts...)
	idx, err := New(dim, metric, opts...)
	require.NoError(t, err)
	return idx
}

func ids(hits []Neighbor) []int64 {
	out := make([]int64, len(hits))
	for i, h := range hits {
		out[i] = h.ID
	}
	return out
}

func randomVectors(rng *rand.Rand, n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		out[i] = v
	}
	return out
}

// lateCancelContext reports no error on its first Err call and
// context.Canceled on every later one.
type lateCancelContext struct {
	context.Context
	calls atomic.Int32
}

func (c *lateCancelContext) Err() error {
	if c.calls.Add(1) == 1 {
		return nil
	}
	return context.Canceled
}

func TestSearchScenario(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 3, distance.Of(distance.Euclidean))

	require.NoError(t, idx.Add(ctx, [][]float32{{0, 0, 0}, {1, 1, 1}, {2, 2, 2}}, []int64{10, 20, 30}))

	hits, err := idx.Search(ctx, []float32{0, 0, 0}, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20}, ids(hits))
	assert.InDelta(t, 0, hits[0].Distance, 1e-6)
	assert.InDelta(t, math.Sqrt(3), hits[1].Distance, 1e-3)

	removed, err := idx.Remove(ctx, []int64{20})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	hits, err = idx.Search(ctx, []float32{0, 0, 0}, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 30}, ids(hits))
	assert.InDelta(t, math.Sqrt(12), hits[1].Distance, 1e-3)
}

func TestNewMinkowski(t *testing.T) {
	ctx := context.Background()

	idx, err := NewMinkowski(2, 1, WithEnv(NewEnv()))
	require.NoError(t, err)
	require.NoError(t, idx.Add(ctx, [][]float32{{0, 0}}, []int64{1}))

	hits, err := idx.Search(ctx, []float32{3, 4}, 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 7, hits[0].Distance, 1e-5)
	assert.Equal(t, "Index(dim=2, metric=minkowski(p=1), entries=1)", idx.String())

	for _, p := range []float32{0, -1, float32(math.NaN())} {
		_, err := NewMinkowski(2, p)
		assert.ErrorIs(t, err, ErrMinkowskiParameterInvalid, "p=%v", p)
	}
}

func TestNewErrors(t *testing.T) {
	tests := []struct {
		name string
		dim  int
		opts []Option
		want error
	}{
		{"ZeroDimension", 0, nil, ErrInvalidDimension},
		{"NegativeDimension", -3, nil, ErrInvalidDimension},
		{"ExcessiveDimension", 70000, nil, ErrExcessiveDimension},
		{"CustomLimit", 16, []Option{WithLimits(Limits{MaxDimension: 8})}, ErrExcessiveDimension},
		{"BadRatio", 4, []Option{WithMaxDeletedRatio(1.5)}, ErrInvalidArgument},
		{"BadPrecision", 4, []Option{WithGPU(gpu.Precision(9))}, ErrInvalidArgument},
		{"NegativeParallelism", 4, []Option{WithParallelism(-1)}, ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.dim, distance.Of(distance.Euclidean), tt.opts...)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAddRejectsWholeBatch(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		vectors [][]float32
		ids     []int64
		want    error
	}{
		{"DuplicateExisting", [][]float32{{5, 5}, {6, 6}}, []int64{3, 1}, ErrDuplicateIDs},
		{"DuplicateInBatch", [][]float32{{5, 5}, {6, 6}}, []int64{3, 3}, ErrDuplicateIDs},
		{"LengthMismatch", [][]float32{{5, 5}}, []int64{3, 4}, ErrInputLengthMismatch},
		{"WrongDimension", [][]float32{{5, 5}, {6}}, []int64{3, 4}, ErrDimensionMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := newTestIndex(t, 2, distance.Of(distance.Euclidean))
			require.NoError(t, idx.Add(ctx, [][]float32{{0, 0}, {1, 1}}, []int64{1, 2}))

			err := idx.Add(ctx, tt.vectors, tt.ids)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, 2, idx.Len())
			assert.Equal(t, 2, idx.Capacity())
			assert.Equal(t, uint64(1), idx.Version())
		})
	}

	t.Run("BatchLimit", func(t *testing.T) {
		idx := newTestIndex(t, 1, distance.Of(distance.Euclidean), WithLimits(Limits{MaxBatchSize: 2}))
		err := idx.Add(ctx, [][]float32{{1}, {2}, {3}}, []int64{1, 2, 3})
		assert.ErrorIs(t, err, ErrExcessiveAllocation)
		assert.Equal(t, KindExcessiveAllocation, KindOf(err))
		assert.Zero(t, idx.Len())
	})
}

func TestVersion(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 2, distance.Of(distance.Euclidean), WithMaxDeletedRatio(1))
	assert.Equal(t, uint64(0), idx.Version())

	require.NoError(t, idx.Add(ctx, [][]float32{{0, 0}, {1, 0}, {0, 1}}, []int64{1, 2, 3}))
	assert.Equal(t, uint64(1), idx.Version())

	require.Error(t, idx.Add(ctx, [][]float32{{0, 0}}, []int64{1}))
	assert.Equal(t, uint64(1), idx.Version())

	_, err := idx.Search(ctx, []float32{0, 0}, 2, nil)
	require.NoError(t, err)
	_, err = idx.SearchBatch(ctx, [][]float32{{0, 0}}, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), idx.Version())

	_, err = idx.Remove(ctx, []int64{2})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), idx.Version())

	require.NoError(t, idx.Update(ctx, 3, []float32{0, 2}))
	assert.Equal(t, uint64(3), idx.Version())

	require.NoError(t, idx.Compact(ctx))
	assert.Equal(t, uint64(4), idx.Version())

	require.NoError(t, idx.SetMaxDeletedRatio(0.5))
	assert.Equal(t, uint64(4), idx.Version())

	require.NoError(t, idx.Add(ctx, nil, nil))
	assert.Equal(t, uint64(5), idx.Version())
	_, err = idx.Remove(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), idx.Version())
	assert.Equal(t, 2, idx.Len())
}

func TestRemove(t *testing.T) {
	ctx := context.Background()

	t.Run("Tombstones", func(t *testing.T) {
		idx := newTestIndex(t, 1, distance.Of(distance.Euclidean), WithMaxDeletedRatio(1))
		require.NoError(t, idx.Add(ctx, [][]float32{{1}, {2}, {3}, {4}}, []int64{1, 2, 3, 4}))

		removed, err := idx.Remove(ctx, []int64{2, 3, 99})
		require.NoError(t, err)
		assert.Equal(t, 2, removed)
		assert.Equal(t, 2, idx.Len())
		assert.Equal(t, 4, idx.Capacity())
		assert.Equal(t, 2, idx.DeletedCount())

		hits, err := idx.Search(ctx, []float32{2}, 4, nil)
		require.NoError(t, err)
		assert.ElementsMatch(t, []int64{1, 4}, ids(hits))

		require.NoError(t, idx.Compact(ctx))
		assert.Equal(t, 2, idx.Capacity())
		assert.Zero(t, idx.DeletedCount())
	})

	t.Run("AutoCompact", func(t *testing.T) {
		idx := newTestIndex(t, 1, distance.Of(distance.Euclidean))
		require.NoError(t, idx.Add(ctx, [][]float32{{1}, {2}, {3}}, []int64{1, 2, 3}))

		_, err := idx.Remove(ctx, []int64{1})
		require.NoError(t, err)
		assert.Equal(t, 2, idx.Capacity())
		assert.Zero(t, idx.DeletedCount())
	})

	t.Run("ReAdd", func(t *testing.T) {
		idx := newTestIndex(t, 1, distance.Of(distance.Euclidean), WithMaxDeletedRatio(1))
		require.NoError(t, idx.Add(ctx, [][]float32{{1}, {2}}, []int64{1, 2}))
		_, err := idx.Remove(ctx, []int64{1})
		require.NoError(t, err)

		hits, err := idx.Search(ctx, []float32{1}, 2, nil)
		require.NoError(t, err)
		assert.Equal(t, []int64{2}, ids(hits))

		require.NoError(t, idx.Add(ctx, [][]float32{{1}}, []int64{1}))
		hits, err = idx.Search(ctx, []float32{1}, 2, nil)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2}, ids(hits))
	})
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 2, distance.Of(distance.Euclidean))
	require.NoError(t, idx.Add(ctx, [][]float32{{0, 0}, {5, 5}}, []int64{1, 2}))

	require.NoError(t, idx.Update(ctx, 2, []float32{0.1, 0}))
	hits, err := idx.Search(ctx, []float32{0.2, 0}, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids(hits))

	assert.ErrorIs(t, idx.Update(ctx, 3, []float32{0, 0}), ErrNotFound)
	assert.ErrorIs(t, idx.Update(ctx, 1, []float32{0}), ErrDimensionMismatch)
}

func TestAddWithProgress(t *testing.T) {
	ctx := context.Background()
	vectors := randomVectors(rand.New(rand.NewSource(1)), 2500, 2)

	t.Run("Chunks", func(t *testing.T) {
		idx := newTestIndex(t, 2, distance.Of(distance.Euclidean))
		var calls [][2]int
		err := idx.AddWithProgress(ctx, vectors, testutil.SequentialIDs(2500, 0), func(done, total int) error {
			calls = append(calls, [2]int{done, total})
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, [][2]int{{1000, 2500}, {2000, 2500}, {2500, 2500}}, calls)
		assert.Equal(t, 2500, idx.Len())
		assert.Equal(t, uint64(1), idx.Version())
	})

	t.Run("StopKeepsPrefix", func(t *testing.T) {
		idx := newTestIndex(t, 2, distance.Of(distance.Euclidean))
		stop := errors.New("stop")
		err := idx.AddWithProgress(ctx, vectors, testutil.SequentialIDs(2500, 0), func(done, _ int) error {
			if done == 2000 {
				return stop
			}
			return nil
		})
		require.ErrorIs(t, err, stop)
		assert.Equal(t, 2000, idx.Len())
		assert.Equal(t, uint64(1), idx.Version())
	})

	t.Run("CanceledBeforeStart", func(t *testing.T) {
		idx := newTestIndex(t, 2, distance.Of(distance.Euclidean))
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := idx.AddWithProgress(cctx, vectors, testutil.SequentialIDs(2500, 0), nil)
		require.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, idx.Len())

		err = idx.Add(cctx, vectors, testutil.SequentialIDs(2500, 0))
		require.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, idx.Len())
		assert.Zero(t, idx.Version())
	})

	t.Run("CanceledBetweenChunks", func(t *testing.T) {
		idx := newTestIndex(t, 2, distance.Of(distance.Euclidean))
		err := idx.AddWithProgress(&lateCancelContext{Context: ctx}, vectors, testutil.SequentialIDs(2500, 0), nil)
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1000, idx.Len())
		assert.Equal(t, uint64(1), idx.Version())
	})

	t.Run("PlainAddIsAtomic", func(t *testing.T) {
		idx := newTestIndex(t, 2, distance.Of(distance.Euclidean))
		require.NoError(t, idx.Add(&lateCancelContext{Context: ctx}, vectors, testutil.SequentialIDs(2500, 0)))
		assert.Equal(t, 2500, idx.Len())
		assert.Equal(t, uint64(1), idx.Version())
	})
}

func TestSearchErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("EmptyIndex", func(t *testing.T) {
		idx := newTestIndex(t, 2, distance.Of(distance.Euclidean))
		_, err := idx.Search(ctx, []float32{0, 0}, 1, nil)
		assert.ErrorIs(t, err, ErrEmptyIndex)
		_, err = idx.SearchBatch(ctx, [][]float32{{0, 0}}, 1, nil)
		assert.ErrorIs(t, err, ErrEmptyIndex)
	})

	idx := newTestIndex(t, 2, distance.Of(distance.Euclidean), WithLimits(Limits{MaxK: 5}))
	require.NoError(t, idx.Add(ctx, [][]float32{{0, 0}, {1, 1}}, []int64{1, 2}))

	tests := []struct {
		name  string
		query []float32
		k     int
		f     filter.Filter
		want  error
	}{
		{"DimensionMismatch", []float32{0, 0, 0}, 1, nil, ErrDimensionMismatch},
		{"NegativeK", []float32{0, 0}, -1, nil, ErrInvalidArgument},
		{"KAboveLimit", []float32{0, 0}, 6, nil, ErrExcessiveAllocation},
		{"NilChild", []float32{0, 0}, 1, filter.And(nil), ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := idx.Search(ctx, tt.query, tt.k, tt.f)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("ZeroK", func(t *testing.T) {
		hits, err := idx.Search(ctx, []float32{0, 0}, 0, nil)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})
}

func TestSearchFilters(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 1, distance.Of(distance.Euclidean), WithMaxDeletedRatio(1))
	require.NoError(t, idx.Add(ctx, [][]float32{{0}, {1}, {2}, {3}, {4}}, []int64{10, 11, 12, 13, 14}))
	_, err := idx.Remove(ctx, []int64{11})
	require.NoError(t, err)

	tests := []struct {
		name string
		f    filter.Filter
		want []int64
	}{
		{"Nil", nil, []int64{10, 12, 13, 14}},
		{"IDRange", filter.IDRange(12, 13), []int64{12, 13}},
		{"IDSet", filter.IDSet(14, 10, 99), []int64{10, 14}},
		{"BooleanBySlot", filter.Boolean([]bool{false, true, true, false, true}), []int64{12, 14}},
		{"Not", filter.Not(filter.IDRange(10, 12)), []int64{13, 14}},
		{"EmptyAnd", filter.And(), []int64{10, 12, 13, 14}},
		{"EmptyOr", filter.Or(), []int64{}},
		{"Composite", filter.Or(filter.IDSet(10), filter.And(filter.IDRange(13, 20), filter.Not(filter.IDSet(14)))), []int64{10, 13}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits, err := idx.Search(ctx, []float32{0}, 10, tt.f)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(hits))
		})
	}
}

func TestSearchSortedAndBounded(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	metrics := []distance.Metric{
		distance.Of(distance.Euclidean),
		distance.Of(distance.Cosine),
		distance.Of(distance.Manhattan),
		distance.Of(distance.Chebyshev),
		{Kind: distance.Minkowski, P: 3},
		distance.Of(distance.Hamming),
		distance.Of(distance.Jaccard),
		distance.Of(distance.Angular),
		distance.Of(distance.Canberra),
	}

	vectors := randomVectors(rng, 700, 6)
	for _, m := range metrics {
		t.Run(m.String(), func(t *testing.T) {
			idx := newTestIndex(t, 6, m, WithParallelism(4))
			require.NoError(t, idx.Add(ctx, vectors, testutil.SequentialIDs(len(vectors), 0)))

			for _, k := range []int{1, 10, 1000} {
				hits, err := idx.Search(ctx, vectors[3], k, nil)
				require.NoError(t, err)
				assert.Len(t, hits, min(k, len(vectors)))
				for i := 1; i < len(hits); i++ {
					assert.LessOrEqual(t, hits[i-1].Distance, hits[i].Distance)
				}
			}
		})
	}
}

func TestSearchBatch(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 2, distance.Of(distance.Euclidean))
	require.NoError(t, idx.Add(ctx, [][]float32{{0, 0}, {1, 0}, {5, 5}}, []int64{1, 2, 3}))

	t.Run("ClampsK", func(t *testing.T) {
		res, err := idx.SearchBatch(ctx, [][]float32{{0, 0}, {5, 5}}, 10, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Rows)
		assert.Equal(t, 3, res.K)

		row, _ := res.Row(0)
		assert.Equal(t, []int64{1, 2, 3}, row)
		row, _ = res.Row(1)
		assert.Equal(t, []int64{3, 2, 1}, row)
	})

	t.Run("PadsShortRows", func(t *testing.T) {
		res, err := idx.SearchBatch(ctx, [][]float32{{0, 0}}, 3, filter.IDSet(2))
		require.NoError(t, err)
		ids, dists := res.Row(0)
		assert.Equal(t, []int64{2, -1, -1}, ids)
		assert.True(t, math.IsInf(float64(dists[2]), 1))
		assert.Len(t, res.Neighbors(0), 1)
		assert.Equal(t, []int{1}, res.Found)
	})

	t.Run("RealHitLooksLikePadding", func(t *testing.T) {
		env := NewEnv()
		require.NoError(t, env.RegisterMetric(distance.FuncOf("inf_below_zero", func(a, b []float32) float32 {
			if b[0] < 0 {
				return float32(math.Inf(1))
			}
			return float32(math.Abs(float64(a[0] - b[0])))
		})))
		idx, err := NewWithMetric(1, "inf_below_zero", WithEnv(env))
		require.NoError(t, err)
		require.NoError(t, idx.Add(ctx, [][]float32{{1}, {-1}, {2}}, []int64{5, -1, 7}))

		res, err := idx.SearchBatch(ctx, [][]float32{{0}}, 3, filter.IDSet(5, -1))
		require.NoError(t, err)
		ids, _ := res.Row(0)
		assert.Equal(t, []int64{5, -1, -1}, ids)
		assert.Equal(t, 2, res.TotalFound())

		hits := res.Neighbors(0)
		require.Len(t, hits, 2)
		assert.Equal(t, int64(-1), hits[1].ID)
		assert.True(t, math.IsInf(float64(hits[1].Distance), 1))
	})

	t.Run("MatchesSearch", func(t *testing.T) {
		rng := rand.New(rand.NewSource(3))
		big := newTestIndex(t, 4, distance.Of(distance.Cosine))
		require.NoError(t, big.Add(ctx, randomVectors(rng, 900, 4), testutil.SequentialIDs(900, 100)))

		queries := randomVectors(rng, 17, 4)
		res, err := big.SearchBatch(ctx, queries, 5, nil)
		require.NoError(t, err)
		for i, q := range queries {
			hits, err := big.Search(ctx, q, 5, nil)
			require.NoError(t, err)
			assert.Equal(t, hits, res.Neighbors(i), "query %d", i)
		}
	})

	t.Run("DimensionCheckedUpFront", func(t *testing.T) {
		_, err := idx.SearchBatch(ctx, [][]float32{{0, 0}, {1}}, 1, nil)
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})

	t.Run("Flat", func(t *testing.T) {
		res, err := idx.SearchBatchFlat(ctx, []float32{0, 0, 5, 5}, 1, nil)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 3}, res.IDs)

		_, err = idx.SearchBatchFlat(ctx, []float32{0, 0, 5}, 1, nil)
		assert.ErrorIs(t, err, ErrReshape)
	})
}

func TestCustomMetric(t *testing.T) {
	ctx := context.Background()
	env := NewEnv()

	idx, err := NewWithMetric(2, "first_axis", WithEnv(env))
	require.NoError(t, err)
	require.NoError(t, idx.Add(ctx, [][]float32{{0, 9}, {3, 0}}, []int64{1, 2}))

	_, err = idx.Search(ctx, []float32{0, 0}, 1, nil)
	assert.ErrorIs(t, err, ErrMetricNotFound)

	require.NoError(t, env.RegisterMetric(distance.FuncOf("first_axis", func(a, b []float32) float32 {
		return float32(math.Abs(float64(a[0] - b[0])))
	})))
	hits, err := idx.Search(ctx, []float32{0, 0}, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids(hits))

	assert.ErrorIs(t, env.RegisterMetric(distance.FuncOf("euclidean", distance.ManhattanDistance)), ErrInvalidArgument)

	t.Run("SingleThreaded", func(t *testing.T) {
		var (
			mu    sync.Mutex
			calls int
		)
		require.NoError(t, env.RegisterMetric(distance.SerialFuncOf("counted", func(a, b []float32) float32 {
			if !mu.TryLock() {
				panic("called concurrently")
			}
			defer mu.Unlock()
			calls++
			return distance.ManhattanDistance(a, b)
		})))

		serial, err := NewWithMetric(2, "counted", WithEnv(env), WithParallelism(8))
		require.NoError(t, err)
		vectors := randomVectors(rand.New(rand.NewSource(5)), 3000, 2)
		require.NoError(t, serial.Add(ctx, vectors, testutil.SequentialIDs(3000, 0)))

		_, err = serial.SearchBatch(ctx, vectors[:4], 3, nil)
		require.NoError(t, err)
		assert.Equal(t, 4*3000, calls)
	})
}

func TestConcurrentModificationDetected(t *testing.T) {
	ctx := context.Background()
	env := NewEnv()

	var (
		idx  *Index
		bump atomic.Bool
	)
	require.NoError(t, env.RegisterMetric(distance.SerialFuncOf("mutating", func(a, b []float32) float32 {
		if bump.CompareAndSwap(true, false) {
			// Bypasses the index lock so the version moves mid-scan.
			idx.store.Remove(nil)
		}
		return distance.ManhattanDistance(a, b)
	})))

	var err error
	idx, err = NewWithMetric(2, "mutating", WithEnv(env))
	require.NoError(t, err)
	require.NoError(t, idx.Add(ctx, [][]float32{{0, 0}, {1, 1}, {2, 2}}, []int64{1, 2, 3}))

	bump.Store(true)
	_, err = idx.Search(ctx, []float32{0, 0}, 2, nil)
	require.ErrorIs(t, err, ErrConcurrentModification)
	assert.Equal(t, KindConcurrentModification, KindOf(err))

	bump.Store(true)
	_, err = idx.SearchBatch(ctx, [][]float32{{0, 0}, {2, 2}}, 2, nil)
	require.ErrorIs(t, err, ErrConcurrentModification)

	hits, err := idx.Search(ctx, []float32{0, 0}, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids(hits))
	assert.False(t, idx.Poisoned())
}

func TestLockPoisoning(t *testing.T) {
	ctx := context.Background()
	env := NewEnv()
	require.NoError(t, env.RegisterMetric(distance.FuncOf("boom", func(_, _ []float32) float32 {
		panic("boom")
	})))

	idx, err := NewWithMetric(1, "boom", WithEnv(env))
	require.NoError(t, err)
	require.NoError(t, idx.Add(ctx, [][]float32{{1}}, []int64{1}))

	_, err = idx.Search(ctx, []float32{0}, 1, nil)
	require.ErrorIs(t, err, ErrLockPoisoned)
	assert.True(t, idx.Poisoned())

	assert.ErrorIs(t, idx.Add(ctx, [][]float32{{2}}, []int64{2}), ErrLockPoisoned)
	_, err = idx.Remove(ctx, []int64{1})
	assert.ErrorIs(t, err, ErrLockPoisoned)
}

type faultyRuntime struct {
	*gpu.HostRuntime
}

func (r faultyRuntime) NewStream(ctx context.Context, device int) (gpu.Stream, error) {
	s, err := r.HostRuntime.NewStream(ctx, device)
	if err != nil {
		return nil, err
	}
	return faultyStream{s}, nil
}

type faultyStream struct {
	gpu.Stream
}

func (faultyStream) LaunchL2(context.Context, gpu.L2Launch) error {
	panic("driver fault")
}

func TestGPUPanicPoisons(t *testing.T) {
	ctx := context.Background()
	env := NewEnv(WithRuntime(faultyRuntime{gpu.NewHostRuntime(gpu.HostConfig{Devices: 2})}))
	idx, err := New(2, distance.Of(distance.Euclidean), WithEnv(env), WithGPU(gpu.FP32, 0, 1))
	require.NoError(t, err)
	require.NoError(t, idx.Add(ctx, [][]float32{{0, 0}, {1, 1}, {2, 2}}, []int64{1, 2, 3}))

	_, err = idx.Search(ctx, []float32{0, 0}, 2, nil)
	require.ErrorIs(t, err, ErrLockPoisoned)
	assert.True(t, idx.Poisoned())

	for d := range 2 {
		allocated, _, err := env.MemoryUsage(d)
		require.NoError(t, err)
		assert.Zero(t, allocated)
	}
}

func TestGPUSearch(t *testing.T) {
	ctx := context.Background()
	env := NewEnv(WithRuntime(gpu.NewHostRuntime(gpu.HostConfig{Devices: 2})))
	rng := rand.New(rand.NewSource(11))
	vectors := randomVectors(rng, 600, 8)
	queries := randomVectors(rng, 5, 8)

	cpu := newTestIndex(t, 8, distance.Of(distance.Euclidean), WithMaxDeletedRatio(1))
	dev, err := New(8, distance.Of(distance.Euclidean), WithEnv(env), WithGPU(gpu.FP32, 0, 1), WithMaxDeletedRatio(1))
	require.NoError(t, err)

	for _, idx := range []*Index{cpu, dev} {
		require.NoError(t, idx.Add(ctx, vectors, testutil.SequentialIDs(600, 0)))
		_, err := idx.Remove(ctx, []int64{4, 300, 599})
		require.NoError(t, err)
	}

	bits := make([]bool, 600)
	for i := range bits {
		bits[i] = i%3 != 0
	}
	filters := []filter.Filter{nil, filter.Boolean(bits), filter.IDRange(250, 450)}

	for fi, f := range filters {
		for qi, q := range queries {
			want, err := cpu.Search(ctx, q, 7, f)
			require.NoError(t, err)
			got, err := dev.Search(ctx, q, 7, f)
			require.NoError(t, err)

			require.Len(t, got, len(want), "filter %d query %d", fi, qi)
			for i := range want {
				assert.Equal(t, want[i].ID, got[i].ID, "filter %d query %d rank %d", fi, qi, i)
				assert.InDelta(t, want[i].Distance, got[i].Distance, 1e-3)
			}
		}
	}

	res, err := dev.SearchBatch(ctx, queries, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Rows)

	for _, d := range []int{0, 1} {
		stats, err := env.MemoryStats(d)
		require.NoError(t, err)
		assert.Zero(t, stats.Allocated, "device %d", d)
	}
}

func TestGPUInvalidDevice(t *testing.T) {
	ctx := context.Background()
	idx, err := New(2, distance.Of(distance.Euclidean), WithEnv(NewEnv()), WithGPU(gpu.FP16, 3))
	require.NoError(t, err)
	require.NoError(t, idx.Add(ctx, [][]float32{{0, 0}}, []int64{1}))

	_, err = idx.Search(ctx, []float32{0, 0}, 1, nil)
	assert.ErrorIs(t, err, ErrGPUDeviceIndex)
}

func TestConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 4, distance.Of(distance.Euclidean))
	rng := rand.New(rand.NewSource(9))
	require.NoError(t, idx.Add(ctx, randomVectors(rng, 500, 4), testutil.SequentialIDs(500, 0)))

	queries := randomVectors(rng, 8, 4)
	var wg sync.WaitGroup
	errs := make(chan error, 64)

	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if _, err := idx.Search(ctx, queries[i%len(queries)], 5, nil); err != nil {
					errs <- err
				}
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				id := int64(10_000 + w*100 + i)
				if err := idx.Add(ctx, [][]float32{queries[i%len(queries)]}, []int64{id}); err != nil {
					errs <- err
				}
				if _, err := idx.Remove(ctx, []int64{id}); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 500, idx.Len())
	assert.Equal(t, uint64(1+4*20), idx.Version())
}

func TestIntrospection(t *testing.T) {
	ctx := context.Background()
	env := NewEnv()
	idx, err := New(3, distance.Of(distance.Euclidean), WithEnv(env))
	require.NoError(t, err)
	require.NoError(t, idx.Add(ctx, [][]float32{{0, 0, 0}, {1, 1, 1}}, []int64{1, 2}))

	assert.Equal(t, 3, idx.Dim())
	assert.Equal(t, distance.Of(distance.Euclidean), idx.Metric())
	assert.Same(t, env, idx.Env())
	assert.False(t, idx.Poisoned())
	assert.Equal(t, "Index(dim=3, metric=euclidean, entries=2)", idx.String())
	assert.Equal(t, "Index(dim=3, metric=euclidean, entries=2)", fmt.Sprint(idx))
}
