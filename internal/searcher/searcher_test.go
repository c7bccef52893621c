package searcher

import (
	"context"
	"math/rand"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/annie/distance"
	"github.com/hupe1980/annie/filter"
	"github.com/hupe1980/annie/internal/guard"
	"github.com/hupe1980/annie/internal/store"
	"github.com/hupe1980/annie/internal/topk"
)

func makeSlots(n, dim int, seed int64) []*store.Entry {
	rng := rand.New(rand.NewSource(seed))
	slots := make([]*store.Entry, n)
	for i := range slots {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()
		}
		slots[i] = &store.Entry{ID: int64(i * 10), Vector: v, SquaredNorm: distance.SquaredNorm(v)}
	}
	return slots
}

func bruteForce(slots []*store.Entry, q []float32, k int, f filter.Filter) []topk.Candidate {
	var all []topk.Candidate
	for i, e := range slots {
		if e == nil || (f != nil && !f.Accepts(e.ID, i)) {
			continue
		}
		all = append(all, topk.Candidate{ID: e.ID, Slot: i, Distance: distance.EuclideanWithNorms(q, distance.SquaredNorm(q), e.Vector, e.SquaredNorm)})
	}
	slices.SortFunc(all, topk.Compare)
	if len(all) > k {
		all = all[:k]
	}
	return all
}

func TestScan(t *testing.T) {
	slots := makeSlots(3000, 8, 1)
	slots[5] = nil
	slots[1200] = nil
	q := makeSlots(1, 8, 2)[0].Vector

	tests := []struct {
		name        string
		k           int
		parallelism int
		serial      bool
		filter      filter.Filter
	}{
		{"Parallel", 10, 4, false, nil},
		{"Serial", 10, 4, true, nil},
		{"Default", 25, 0, false, nil},
		{"KLargerThanN", 5000, 3, false, nil},
		{"Filtered", 7, 4, false, filter.IDRange(1000, 20000)},
		{"FilterRejectsAll", 7, 4, false, filter.Or()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Scan(context.Background(), slots, Request{
				Query:       q,
				QueryNorm:   distance.SquaredNorm(q),
				K:           tt.k,
				Filter:      tt.filter,
				Kernel:      distance.EuclideanWithNorms,
				Serial:      tt.serial,
				Parallelism: tt.parallelism,
			})
			require.NoError(t, err)

			want := bruteForce(slots, q, tt.k, tt.filter)
			require.Len(t, res.Candidates, len(want))
			for i := range want {
				assert.Equal(t, want[i].ID, res.Candidates[i].ID)
				assert.Equal(t, want[i].Slot, res.Candidates[i].Slot)
				assert.InDelta(t, want[i].Distance, res.Candidates[i].Distance, 1e-4)
			}
		})
	}
}

func TestScanEmpty(t *testing.T) {
	res, err := Scan(context.Background(), nil, Request{K: 3, Kernel: distance.EuclideanWithNorms})
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)

	res, err = Scan(context.Background(), makeSlots(4, 2, 1), Request{K: 0, Kernel: distance.EuclideanWithNorms})
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
}

func TestScanSerialKernelNotConcurrent(t *testing.T) {
	slots := makeSlots(5000, 4, 3)
	var inFlight, maxInFlight atomic.Int32

	kernel := func(q []float32, _ float32, v []float32, _ float32) float32 {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		return distance.ManhattanDistance(q, v)
	}

	_, err := Scan(context.Background(), slots, Request{Query: slots[0].Vector, K: 3, Kernel: kernel, Serial: true, Parallelism: 8})
	require.NoError(t, err)
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestScanPanic(t *testing.T) {
	slots := makeSlots(2000, 2, 4)
	kernel := func(_ []float32, _ float32, _ []float32, _ float32) float32 {
		panic("boom")
	}

	for _, serial := range []bool{false, true} {
		_, err := Scan(context.Background(), slots, Request{Query: []float32{0, 0}, K: 1, Kernel: kernel, Serial: serial, Parallelism: 4})
		var pe *guard.PanicError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "boom", pe.Value)
	}
}

func TestScanCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Scan(ctx, makeSlots(2000, 2, 5), Request{Query: []float32{0, 0}, K: 1, Kernel: distance.EuclideanWithNorms, Parallelism: 4})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFromDistances(t *testing.T) {
	slots := makeSlots(5, 1, 6)
	slots[1] = nil
	dists := []float32{0.5, 0.1, 0.3, 0.9, 0.2}

	got := FromDistances(slots, 0, dists, 3, filter.Not(filter.IDSet(slots[2].ID)))
	require.Len(t, got, 3)
	assert.Equal(t, []int{4, 0, 3}, []int{got[0].Slot, got[1].Slot, got[2].Slot})

	shifted := FromDistances(slots[3:], 3, dists[3:], 2, filter.Boolean([]bool{false, false, false, false, true}))
	require.Len(t, shifted, 1)
	assert.Equal(t, 4, shifted[0].Slot)
	assert.Equal(t, slots[4].ID, shifted[0].ID)
}
