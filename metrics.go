package annie

import (
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

// IndexInfo describes an index after construction or a mutation.
type IndexInfo struct {
	Dimension int
	Metric    string
	Live      int
	Deleted   int
	Version   uint64
}

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordAdd is called after each add with the number of rows in the batch.
	RecordAdd(count int, duration time.Duration, err error)

	// RecordRemove is called after each remove with the number of entries removed.
	RecordRemove(removed int, duration time.Duration)

	// RecordUpdate is called after each update.
	RecordUpdate(duration time.Duration, err error)

	// RecordSearch is called once per search call. queries is the number of
	// query vectors, 1 for Search.
	RecordSearch(queries, k int, duration time.Duration, err error)

	// RecordCompact is called after each compaction with the number of slots reclaimed.
	RecordCompact(reclaimed int, duration time.Duration)

	// RecordIndex is called after construction, load and every successful mutation.
	RecordIndex(info IndexInfo)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordAdd(int, time.Duration, error)         {}
func (NoopMetricsCollector) RecordRemove(int, time.Duration)             {}
func (NoopMetricsCollector) RecordUpdate(time.Duration, error)           {}
func (NoopMetricsCollector) RecordSearch(int, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordCompact(int, time.Duration)            {}
func (NoopMetricsCollector) RecordIndex(IndexInfo)                       {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	AddCount         atomic.Int64
	AddedVectors     atomic.Int64
	AddErrors        atomic.Int64
	RemoveCount      atomic.Int64
	RemovedVectors   atomic.Int64
	UpdateCount      atomic.Int64
	UpdateErrors     atomic.Int64
	SearchCount      atomic.Int64
	SearchQueries    atomic.Int64
	SearchErrors     atomic.Int64
	SearchTotalNanos atomic.Int64
	CompactCount     atomic.Int64
	ReclaimedSlots   atomic.Int64

	started time.Time

	mu     sync.Mutex
	info   IndexInfo
	recall map[int]float64
}

// NewBasicMetricsCollector returns a collector whose uptime starts now.
func NewBasicMetricsCollector() *BasicMetricsCollector {
	return &BasicMetricsCollector{started: time.Now()}
}

// RecordAdd implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAdd(count int, _ time.Duration, err error) {
	b.AddCount.Add(1)
	if err != nil {
		b.AddErrors.Add(1)
		return
	}
	b.AddedVectors.Add(int64(count))
}

// RecordRemove implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRemove(removed int, _ time.Duration) {
	b.RemoveCount.Add(1)
	b.RemovedVectors.Add(int64(removed))
}

// RecordUpdate implements MetricsCollector.
func (b *BasicMetricsCollector) RecordUpdate(_ time.Duration, err error) {
	b.UpdateCount.Add(1)
	if err != nil {
		b.UpdateErrors.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(queries, _ int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchQueries.Add(int64(queries))
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordCompact implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCompact(reclaimed int, _ time.Duration) {
	b.CompactCount.Add(1)
	b.ReclaimedSlots.Add(int64(reclaimed))
}

// RecordIndex implements MetricsCollector.
func (b *BasicMetricsCollector) RecordIndex(info IndexInfo) {
	b.mu.Lock()
	b.info = info
	b.mu.Unlock()
}

// UpdateRecallEstimate stores the latest measured recall for k.
func (b *BasicMetricsCollector) UpdateRecallEstimate(k int, recall float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.recall == nil {
		b.recall = make(map[int]float64)
	}
	b.recall[k] = recall
}

// Snapshot returns a point-in-time copy of the collected metrics.
func (b *BasicMetricsCollector) Snapshot() MetricsSnapshot {
	b.mu.Lock()
	info := b.info
	recall := maps.Clone(b.recall)
	b.mu.Unlock()

	var uptime time.Duration
	if !b.started.IsZero() {
		uptime = time.Since(b.started)
	}

	return MetricsSnapshot{
		AddCount:        b.AddCount.Load(),
		AddedVectors:    b.AddedVectors.Load(),
		AddErrors:       b.AddErrors.Load(),
		RemoveCount:     b.RemoveCount.Load(),
		RemovedVectors:  b.RemovedVectors.Load(),
		UpdateCount:     b.UpdateCount.Load(),
		UpdateErrors:    b.UpdateErrors.Load(),
		QueryCount:      b.SearchQueries.Load(),
		SearchCount:     b.SearchCount.Load(),
		SearchErrors:    b.SearchErrors.Load(),
		AvgQueryLatency: b.avgSearchLatency(),
		CompactCount:    b.CompactCount.Load(),
		ReclaimedSlots:  b.ReclaimedSlots.Load(),
		IndexSize:       info.Live,
		DeletedCount:    info.Deleted,
		Dimension:       info.Dimension,
		Metric:          info.Metric,
		Version:         info.Version,
		Uptime:          uptime,
		RecallEstimates: recall,
	}
}

func (b *BasicMetricsCollector) avgSearchLatency() time.Duration {
	count := b.SearchCount.Load()
	if count == 0 {
		return 0
	}
	return time.Duration(b.SearchTotalNanos.Load() / count)
}

// MetricsSnapshot is a snapshot of BasicMetricsCollector state.
type MetricsSnapshot struct {
	AddCount        int64           `json:"add_count"`
	AddedVectors    int64           `json:"added_vectors"`
	AddErrors       int64           `json:"add_errors"`
	RemoveCount     int64           `json:"remove_count"`
	RemovedVectors  int64           `json:"removed_vectors"`
	UpdateCount     int64           `json:"update_count"`
	UpdateErrors    int64           `json:"update_errors"`
	QueryCount      int64           `json:"query_count"`
	SearchCount     int64           `json:"search_count"`
	SearchErrors    int64           `json:"search_errors"`
	AvgQueryLatency time.Duration   `json:"avg_query_latency"`
	CompactCount    int64           `json:"compact_count"`
	ReclaimedSlots  int64           `json:"reclaimed_slots"`
	IndexSize       int             `json:"index_size"`
	DeletedCount    int             `json:"deleted_count"`
	Dimension       int             `json:"dimension"`
	Metric          string          `json:"metric"`
	Version         uint64          `json:"version"`
	Uptime          time.Duration   `json:"uptime"`
	RecallEstimates map[int]float64 `json:"recall_estimates,omitempty"`
}
