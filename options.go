package annie

import (
	"github.com/hupe1980/annie/codec"
	"github.com/hupe1980/annie/gpu"
	"github.com/hupe1980/annie/internal/resource"
	"github.com/hupe1980/annie/internal/store"
	"github.com/hupe1980/annie/persistence"
)

type gpuOptions struct {
	precision gpu.Precision
	devices   []int
}

type options struct {
	env              *Env
	logger           *Logger
	metricsCollector MetricsCollector
	limits           Limits
	maxDeletedRatio  float64
	gpu              *gpuOptions
	parallelism      int
	compression      persistence.Compression
	codec            codec.Codec
	allowedDirs      []string
	ioController     *resource.Controller
}

// Option configures New, Load and the save methods of an Index.
type Option func(*options)

func defaultOptions() options {
	return options{
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
		limits:           DefaultLimits(),
		maxDeletedRatio:  store.DefaultMaxDeletedRatio,
		codec:            codec.Default,
	}
}

func applyOptions(optFns []Option) options {
	o := defaultOptions()
	for _, fn := range optFns {
		fn(&o)
	}
	if o.env == nil {
		o.env = DefaultEnv()
	}
	return o
}

// WithEnv shares the metric registry and GPU pools of env.
// Without it, DefaultEnv is used.
func WithEnv(env *Env) Option {
	return func(o *options) {
		o.env = env
	}
}

// WithLogger sets the logger. If nil is passed, logging is disabled.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithMetricsCollector sets the metrics sink. If nil is passed, metrics
// are discarded.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLimits replaces DefaultLimits.
func WithLimits(l Limits) Option {
	return func(o *options) {
		o.limits = l
	}
}

// WithMaxDeletedRatio sets the tombstone share above which removes compact
// the index. The ratio must be within [0, 1].
func WithMaxDeletedRatio(ratio float64) Option {
	return func(o *options) {
		o.maxDeletedRatio = ratio
	}
}

// WithGPU routes Euclidean searches through the GPU backend of the Env at
// the given precision. The corpus is partitioned across devices; with no
// devices, device 0 is used. Other metrics keep scanning on the CPU.
func WithGPU(precision gpu.Precision, devices ...int) Option {
	return func(o *options) {
		if len(devices) == 0 {
			devices = []int{0}
		}
		o.gpu = &gpuOptions{precision: precision, devices: append([]int(nil), devices...)}
	}
}

// WithParallelism caps the goroutines used by one search. Zero means GOMAXPROCS.
func WithParallelism(n int) Option {
	return func(o *options) {
		o.parallelism = n
	}
}

// WithCompression sets the block compression used when saving.
func WithCompression(c persistence.Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithCodec configures the codec used for the snapshot metadata section.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithAllowedDirs replaces the directories Save and Load may touch. The
// first directory is the base that relative paths are resolved against.
// Relative directories are resolved against the working directory.
func WithAllowedDirs(dirs ...string) Option {
	return func(o *options) {
		o.allowedDirs = append([]string(nil), dirs...)
	}
}

// WithIOThrottle limits snapshot reads and writes to bytesPerSec.
func WithIOThrottle(bytesPerSec int64) Option {
	return func(o *options) {
		if bytesPerSec <= 0 {
			o.ioController = nil
			return
		}
		o.ioController = resource.NewController(resource.Config{TransferBytesPerSec: bytesPerSec})
	}
}
