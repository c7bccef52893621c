package gpu

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// ReportInterval is how often pressure is checked and a report logged.
	ReportInterval time.Duration `json:"report_interval" yaml:"report_interval"`

	// CleanupInterval is how often fragmented caches are compacted.
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`

	// PressureThreshold raises an alert for a device above this pressure.
	PressureThreshold float64 `json:"pressure_threshold" yaml:"pressure_threshold"`

	// EmergencyThreshold empties a device's pool above this pressure.
	EmergencyThreshold float64 `json:"emergency_threshold" yaml:"emergency_threshold"`

	// AlertInterval is the minimum spacing between logged pressure alerts.
	AlertInterval time.Duration `json:"alert_interval" yaml:"alert_interval"`
}

// DefaultMonitorConfig returns a 30s report / 5m cleanup cadence with
// alerts above 80% and emergency cleanup above 90% pressure.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		ReportInterval:     30 * time.Second,
		CleanupInterval:    5 * time.Minute,
		PressureThreshold:  0.8,
		EmergencyThreshold: 0.9,
		AlertInterval:      time.Minute,
	}
}

// Report summarizes every device pool at one point in time. Device
// statistics are taken before any emergency cleanup triggered by the check.
type Report struct {
	Time                   time.Time   `json:"time"`
	TotalAllocated         int64       `json:"total_allocated"`
	TotalPeak              int64       `json:"total_peak"`
	Devices                []PoolStats `json:"devices"`
	AverageCacheEfficiency float64     `json:"average_cache_efficiency"`
	AlertDevices           []int       `json:"alert_devices"`
	EmergencyDevices       []int       `json:"emergency_devices"`
}

// Monitor watches pool pressure in the background.
type Monitor struct {
	pool   *MemoryPool
	cfg    MonitorConfig
	logger *slog.Logger
	alerts *rate.Limiter

	mu     sync.Mutex
	last   Report
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a stopped monitor for pool. Zero config fields take
// their defaults.
func NewMonitor(pool *MemoryPool, cfg MonitorConfig, logger *slog.Logger) *Monitor {
	def := DefaultMonitorConfig()
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = def.ReportInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.PressureThreshold <= 0 {
		cfg.PressureThreshold = def.PressureThreshold
	}
	if cfg.EmergencyThreshold <= 0 {
		cfg.EmergencyThreshold = def.EmergencyThreshold
	}
	if cfg.AlertInterval <= 0 {
		cfg.AlertInterval = def.AlertInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{
		pool:   pool,
		cfg:    cfg,
		logger: logger,
		alerts: rate.NewLimiter(rate.Every(cfg.AlertInterval), 1),
	}
}

// Start launches the monitoring goroutine. It runs until Stop is called or
// ctx is done.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return ErrMonitorRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
	return nil
}

// Stop halts the monitor and waits for it to exit. Stopping a stopped
// monitor is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	report := time.NewTicker(m.cfg.ReportInterval)
	defer report.Stop()
	cleanup := time.NewTicker(m.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-report.C:
			m.Check()
		case <-cleanup.C:
			m.Maintain()
		}
	}
}

// Check snapshots every pool, logs alerts for devices above the pressure
// threshold and empties pools above the emergency threshold.
func (m *Monitor) Check() Report {
	r := Report{Time: time.Now(), Devices: m.pool.Stats()}

	var efficiency float64
	for _, s := range r.Devices {
		r.TotalAllocated += s.Allocated
		r.TotalPeak += s.Peak
		efficiency += s.CacheEfficiency()

		if s.Pressure > m.cfg.PressureThreshold {
			r.AlertDevices = append(r.AlertDevices, s.Device)
		}
		if s.Pressure > m.cfg.EmergencyThreshold {
			r.EmergencyDevices = append(r.EmergencyDevices, s.Device)
		}
	}
	if len(r.Devices) > 0 {
		r.AverageCacheEfficiency = efficiency / float64(len(r.Devices))
	}

	for _, d := range r.EmergencyDevices {
		m.pool.EmergencyCleanup(d)
		m.logger.Error("gpu memory pressure critical, pool emptied",
			"device", d,
			"threshold", m.cfg.EmergencyThreshold)
	}
	if len(r.AlertDevices) > 0 && m.alerts.Allow() {
		m.logger.Warn("gpu memory pressure high",
			"devices", r.AlertDevices,
			"threshold", m.cfg.PressureThreshold)
	}

	m.logger.Debug("gpu memory report",
		"total_allocated", r.TotalAllocated,
		"total_peak", r.TotalPeak,
		"devices", len(r.Devices),
		"cache_efficiency", r.AverageCacheEfficiency)

	m.mu.Lock()
	m.last = r
	m.mu.Unlock()
	return r
}

// Maintain runs fragmentation cleanup on every pool and returns the bytes freed.
func (m *Monitor) Maintain() int64 {
	var freed int64
	for _, id := range m.pool.Devices() {
		freed += m.pool.Device(id).CleanupFragmented()
	}
	if freed > 0 {
		m.logger.Info("gpu pool maintenance", "freed_bytes", freed)
	}
	return freed
}

// CurrentReport returns the report of the most recent check.
func (m *Monitor) CurrentReport() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
