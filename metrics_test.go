package annie

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/annie/distance"
)

func TestBasicMetricsCollector(t *testing.T) {
	ctx := context.Background()
	mc := NewBasicMetricsCollector()

	idx := newTestIndex(t, 2, distance.Of(distance.Euclidean), WithMetricsCollector(mc), WithMaxDeletedRatio(0.3))
	require.NoError(t, idx.Add(ctx, [][]float32{{0, 0}, {1, 1}, {2, 2}}, []int64{1, 2, 3}))
	require.Error(t, idx.Add(ctx, [][]float32{{0, 0}}, []int64{1}))

	_, err := idx.Search(ctx, []float32{0, 0}, 2, nil)
	require.NoError(t, err)
	_, err = idx.SearchBatch(ctx, [][]float32{{0, 0}, {1, 1}}, 2, nil)
	require.NoError(t, err)
	_, err = idx.Search(ctx, []float32{0}, 2, nil)
	require.Error(t, err)

	require.NoError(t, idx.Update(ctx, 2, []float32{1, 2}))
	_, err = idx.Remove(ctx, []int64{3})
	require.NoError(t, err)

	snap := mc.Snapshot()
	assert.Equal(t, int64(2), snap.AddCount)
	assert.Equal(t, int64(3), snap.AddedVectors)
	assert.Equal(t, int64(1), snap.AddErrors)
	assert.Equal(t, int64(3), snap.SearchCount)
	assert.Equal(t, int64(4), snap.QueryCount)
	assert.Equal(t, int64(1), snap.SearchErrors)
	assert.Equal(t, int64(1), snap.UpdateCount)
	assert.Equal(t, int64(1), snap.RemovedVectors)

	// 1 of 3 slots deleted exceeds 0.3, so the remove compacted.
	assert.Equal(t, int64(1), snap.CompactCount)
	assert.Equal(t, int64(1), snap.ReclaimedSlots)

	assert.Equal(t, 2, snap.IndexSize)
	assert.Zero(t, snap.DeletedCount)
	assert.Equal(t, 2, snap.Dimension)
	assert.Equal(t, "euclidean", snap.Metric)
	assert.Equal(t, idx.Version(), snap.Version)
	assert.Positive(t, snap.Uptime)
}

func TestRecallEstimates(t *testing.T) {
	mc := NewBasicMetricsCollector()
	assert.Empty(t, mc.Snapshot().RecallEstimates)

	mc.UpdateRecallEstimate(10, 0.9)
	mc.UpdateRecallEstimate(10, 0.95)
	mc.UpdateRecallEstimate(1, 1)

	snap := mc.Snapshot()
	assert.Equal(t, map[int]float64{1: 1, 10: 0.95}, snap.RecallEstimates)

	// The snapshot owns its map.
	snap.RecallEstimates[1] = 0
	assert.InDelta(t, 1.0, mc.Snapshot().RecallEstimates[1], 0)
}

func TestAvgQueryLatency(t *testing.T) {
	mc := NewBasicMetricsCollector()
	assert.Zero(t, mc.Snapshot().AvgQueryLatency)

	mc.RecordSearch(1, 5, 2*time.Millisecond, nil)
	mc.RecordSearch(4, 5, 4*time.Millisecond, nil)
	assert.Equal(t, 3*time.Millisecond, mc.Snapshot().AvgQueryLatency)
}
