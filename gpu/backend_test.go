package gpu

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/annie/distance"
	"github.com/hupe1980/annie/internal/guard"
	"github.com/hupe1980/annie/internal/topk"
)

func randomRows(rng *rand.Rand, n, dim int) []float32 {
	out := make([]float32, n*dim)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}

func assertNoOutstanding(t *testing.T, b *Backend, device int) {
	t.Helper()
	stats, err := b.MemoryStats(device)
	require.NoError(t, err)
	assert.Zero(t, stats.Allocated)
	assert.Equal(t, stats.Allocations, stats.Deallocations)
}

func TestL2Distance(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const dim, nq, nv = 3, 2, 5
	queries := randomRows(rng, nq, dim)
	corpus := randomRows(rng, nv, dim)

	tests := []struct {
		precision Precision
		delta     float64
	}{
		{FP32, 1e-4},
		{FP16, 1e-2},
		{Int8, 5e-2},
	}

	for _, tt := range tests {
		t.Run(tt.precision.String(), func(t *testing.T) {
			b := NewBackend(NewHostRuntime(HostConfig{}))
			got, err := b.L2Distance(t.Context(), queries, corpus, dim, nq, nv, 0, tt.precision)
			require.NoError(t, err)
			require.Len(t, got, nq*nv)

			for i := 0; i < nq; i++ {
				for j := 0; j < nv; j++ {
					want := distance.EuclideanDistance(queries[i*dim:(i+1)*dim], corpus[j*dim:(j+1)*dim])
					assert.InDelta(t, want, got[i*nv+j], tt.delta, "q=%d v=%d", i, j)
				}
			}
			assertNoOutstanding(t, b, 0)
		})
	}
}

func TestL2DistanceErrors(t *testing.T) {
	b := NewBackend(NewHostRuntime(HostConfig{}))
	ctx := t.Context()

	tests := []struct {
		name    string
		queries []float32
		corpus  []float32
		dim     int
		nq, nv  int
		device  int
		want    error
	}{
		{"EmptyQueries", nil, []float32{1}, 1, 1, 1, 0, ErrInvalidInput},
		{"EmptyCorpus", []float32{1}, nil, 1, 1, 1, 0, ErrInvalidInput},
		{"QueryLength", []float32{1, 2, 3}, []float32{1, 2}, 2, 1, 1, 0, ErrInvalidInput},
		{"CorpusLength", []float32{1, 2}, []float32{1, 2, 3}, 2, 1, 2, 0, ErrInvalidInput},
		{"ZeroDim", []float32{1}, []float32{1}, 0, 1, 1, 0, ErrInvalidInput},
		{"Device", []float32{1}, []float32{1}, 1, 1, 1, 3, ErrDeviceIndex},
		{"NegativeDevice", []float32{1}, []float32{1}, 1, 1, 1, -1, ErrDeviceIndex},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.L2Distance(ctx, tt.queries, tt.corpus, tt.dim, tt.nq, tt.nv, tt.device, FP32)
			require.ErrorIs(t, err, tt.want)

			var ge *Error
			assert.ErrorAs(t, err, &ge)
		})
	}
}

func TestL2DistanceAllocationFailureReleases(t *testing.T) {
	b := NewBackend(NewHostRuntime(HostConfig{MemoryPerDevice: 64}))

	queries := make([]float32, 4)
	corpus := make([]float32, 400)
	_, err := b.L2Distance(t.Context(), queries, corpus, 4, 1, 100, 0, FP32)
	require.ErrorIs(t, err, ErrAllocation)
	assertNoOutstanding(t, b, 0)
}

type failingRuntime struct {
	*HostRuntime
}

func (r failingRuntime) NewStream(ctx context.Context, device int) (Stream, error) {
	s, err := r.HostRuntime.NewStream(ctx, device)
	if err != nil {
		return nil, err
	}
	return failingStream{s}, nil
}

type failingStream struct {
	Stream
}

func (failingStream) LaunchL2(context.Context, L2Launch) error {
	return newError("launch", 0, ErrRuntime, errors.New("device lost"), "")
}

func TestL2DistanceKernelFailureReleases(t *testing.T) {
	rt := failingRuntime{NewHostRuntime(HostConfig{})}
	b := NewBackend(rt)

	_, err := b.L2Distance(t.Context(), []float32{1, 2}, []float32{3, 4}, 2, 1, 1, 0, FP16)
	require.ErrorIs(t, err, ErrRuntime)
	assertNoOutstanding(t, b, 0)
	assert.Zero(t, rt.devices[0].OpenStreams())
}

type panickingRuntime struct {
	*HostRuntime
}

func (r panickingRuntime) NewStream(ctx context.Context, device int) (Stream, error) {
	s, err := r.HostRuntime.NewStream(ctx, device)
	if err != nil {
		return nil, err
	}
	return panickingStream{s}, nil
}

type panickingStream struct {
	Stream
}

func (panickingStream) LaunchL2(context.Context, L2Launch) error {
	panic("driver fault")
}

func TestMultiDeviceSearchRecoversPanics(t *testing.T) {
	rt := panickingRuntime{NewHostRuntime(HostConfig{Devices: 2})}
	b := NewBackend(rt)

	_, err := b.MultiDeviceSearch(t.Context(), []float32{0, 0}, make([]float32, 20), 2, 3, []int{0, 1}, FP32)
	var pe *guard.PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "driver fault", pe.Value)
	for d := range 2 {
		assertNoOutstanding(t, b, d)
		assert.Zero(t, rt.devices[d].OpenStreams())
	}
}

func TestDistribute(t *testing.T) {
	assert.Equal(t, []Partition{
		{Device: 0, Start: 0, Count: 3},
		{Device: 1, Start: 3, Count: 3},
		{Device: 2, Start: 6, Count: 4},
	}, Distribute(10, []int{0, 1, 2}))

	assert.Equal(t, []Partition{{Device: 2, Start: 0, Count: 2}}, Distribute(2, []int{0, 1, 2}))
	assert.Nil(t, Distribute(0, []int{0}))
	assert.Nil(t, Distribute(5, nil))
}

func TestMultiDeviceSearch(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const dim, k = 4, 5
	queries := randomRows(rng, 3, dim)
	corpus := randomRows(rng, 50, dim)

	b := NewBackend(NewHostRuntime(HostConfig{Devices: 3}))
	got, err := b.MultiDeviceSearch(t.Context(), queries, corpus, dim, k, []int{0, 1, 2}, FP32)
	require.NoError(t, err)
	require.Len(t, got, 3)

	full, err := b.L2Distance(t.Context(), queries, corpus, dim, 3, 50, 0, FP32)
	require.NoError(t, err)

	for q := range got {
		cands := make([]topk.Candidate, 50)
		for j := range cands {
			cands[j] = topk.Candidate{ID: int64(j), Slot: j, Distance: full[q*50+j]}
		}
		want := topk.Select(cands, k)

		require.Len(t, got[q], k)
		for i := range want {
			assert.Equal(t, want[i].Slot, got[q][i].Slot)
		}
	}

	for d := 0; d < 3; d++ {
		assertNoOutstanding(t, b, d)
	}

	_, err = b.MultiDeviceSearch(t.Context(), queries, corpus, dim, k, []int{0, 5}, FP32)
	assert.ErrorIs(t, err, ErrDeviceIndex)
}

func TestWarmupAndIntrospection(t *testing.T) {
	b := NewBackend(NewHostRuntime(HostConfig{Devices: 2}))
	require.NoError(t, b.Warmup(t.Context(), 1))

	stats, err := b.MemoryStats(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), stats.Allocations)
	assert.Positive(t, stats.Peak)

	allocated, peak, err := b.MemoryUsage(1)
	require.NoError(t, err)
	assert.Zero(t, allocated)
	assert.Equal(t, stats.Peak, peak)

	require.NoError(t, b.SetMaxPoolSize(1, 1<<10))
	require.NoError(t, b.EmergencyCleanup(1))
	assert.ErrorIs(t, b.EmergencyCleanup(2), ErrDeviceIndex)

	infos, err := b.Devices()
	require.NoError(t, err)
	assert.Len(t, infos, 2)
	assert.Equal(t, "host-1", infos[1].Name)
}
