package annie

import (
	"context"
	"sync"

	"github.com/hupe1980/annie/distance"
	"github.com/hupe1980/annie/gpu"
)

// Env holds the state shared by every index created with it: the custom
// metric registry and the GPU backend with its per-device memory pools.
//
// Create one Env at process start and pass it to New and Load with WithEnv.
// The registry is created with the Env; the GPU backend and its pools are
// created on first use. An Env is safe for concurrent use.
type Env struct {
	registry *distance.Registry
	logger   *Logger

	runtime    gpu.Runtime
	poolConfig gpu.PoolConfig

	gpuOnce sync.Once
	backend *gpu.Backend

	mu      sync.Mutex
	monitor *gpu.Monitor
}

// EnvOption configures an Env.
type EnvOption func(*Env)

// WithRuntime sets the device runtime. Defaults to a single-device
// gpu.HostRuntime.
func WithRuntime(rt gpu.Runtime) EnvOption {
	return func(e *Env) {
		e.runtime = rt
	}
}

// WithPoolConfig configures the GPU memory pools.
func WithPoolConfig(cfg gpu.PoolConfig) EnvOption {
	return func(e *Env) {
		e.poolConfig = cfg
	}
}

// WithEnvLogger sets the logger used by the GPU backend and monitor.
func WithEnvLogger(l *Logger) EnvOption {
	return func(e *Env) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEnv creates an Env.
func NewEnv(opts ...EnvOption) *Env {
	e := &Env{
		registry:   distance.NewRegistry(),
		logger:     NoopLogger(),
		poolConfig: gpu.DefaultPoolConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var defaultEnv = sync.OnceValue(func() *Env { return NewEnv() })

// DefaultEnv returns the process-wide Env used by indexes created without
// WithEnv. It is created on first call.
func DefaultEnv() *Env {
	return defaultEnv()
}

// Registry returns the custom metric registry.
func (e *Env) Registry() *distance.Registry {
	return e.registry
}

// RegisterMetric adds or replaces a custom metric. Built-in names are rejected.
func (e *Env) RegisterMetric(fn distance.Function) error {
	return translateError(e.registry.Register(fn))
}

// UnregisterMetric removes a custom metric.
func (e *Env) UnregisterMetric(name string) error {
	return translateError(e.registry.Unregister(name))
}

// Metrics lists the registered metric names.
func (e *Env) Metrics() ([]string, error) {
	names, err := e.registry.List()
	return names, translateError(err)
}

// GPU returns the GPU backend, creating it on first call.
func (e *Env) GPU() *gpu.Backend {
	e.gpuOnce.Do(func() {
		rt := e.runtime
		if rt == nil {
			rt = gpu.NewHostRuntime(gpu.HostConfig{})
		}
		e.backend = gpu.NewBackend(rt,
			gpu.WithPool(gpu.NewMemoryPool(rt, e.poolConfig)),
			gpu.WithLogger(e.logger.Logger),
		)
	})
	return e.backend
}

// DeviceCount returns the number of GPU devices.
func (e *Env) DeviceCount() int {
	return e.GPU().DeviceCount()
}

// MemoryUsage returns the bytes allocated by device's pool and their peak.
func (e *Env) MemoryUsage(device int) (allocated, peak int64, err error) {
	allocated, peak, err = e.GPU().MemoryUsage(device)
	return allocated, peak, translateError(err)
}

// MemoryStats returns the pool statistics of device.
func (e *Env) MemoryStats(device int) (gpu.PoolStats, error) {
	stats, err := e.GPU().MemoryStats(device)
	return stats, translateError(err)
}

// SetMaxPoolSize bounds the buffers cached by device's pool.
func (e *Env) SetMaxPoolSize(device int, bytes int64) error {
	return translateError(e.GPU().SetMaxPoolSize(device, bytes))
}

// EmergencyCleanup drops every cached buffer of device and resets its
// allocation counter.
func (e *Env) EmergencyCleanup(device int) error {
	return translateError(e.GPU().EmergencyCleanup(device))
}

// Warmup initializes streams and pools of device.
func (e *Env) Warmup(ctx context.Context, device int) error {
	return translateError(e.GPU().Warmup(ctx, device))
}

// StartMonitor starts a background pressure monitor over the GPU pools.
// It runs until ctx is done or Close is called.
func (e *Env) StartMonitor(ctx context.Context, cfg gpu.MonitorConfig) (*gpu.Monitor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.monitor != nil {
		return nil, gpu.ErrMonitorRunning
	}

	m := gpu.NewMonitor(e.GPU().Pool(), cfg, e.logger.Logger)
	if err := m.Start(ctx); err != nil {
		return nil, err
	}
	e.monitor = m
	return m, nil
}

// Close stops the monitor, if any. The Env stays usable.
func (e *Env) Close() error {
	e.mu.Lock()
	m := e.monitor
	e.monitor = nil
	e.mu.Unlock()

	if m != nil {
		m.Stop()
	}
	return nil
}
