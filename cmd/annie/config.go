package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/annie"
	"github.com/hupe1980/annie/gpu"
	"github.com/hupe1980/annie/persistence"
)

// Config is the YAML configuration of the CLI. Flags override it.
type Config struct {
	// DataDir is the directory local snapshots are read from and written to.
	DataDir string `yaml:"data_dir"`

	Log      LogConfig      `yaml:"log"`
	Limits   annie.Limits   `yaml:"limits"`
	GPU      GPUConfig      `yaml:"gpu"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Store    StoreConfig    `yaml:"store"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

type GPUConfig struct {
	// Devices is the number of emulated host devices.
	Devices         int               `yaml:"devices"`
	Precision       string            `yaml:"precision"`
	MemoryPerDevice int64             `yaml:"memory_per_device"`
	Pool            gpu.PoolConfig    `yaml:"pool"`
	Monitor         gpu.MonitorConfig `yaml:"monitor"`
}

type SnapshotConfig struct {
	Compression   string `yaml:"compression"`
	IOBytesPerSec int64  `yaml:"io_bytes_per_sec"`
}

// StoreConfig selects a remote blob store for snapshots. An empty URL keeps
// snapshots in DataDir.
type StoreConfig struct {
	// URL is s3://bucket/prefix, minio://endpoint/bucket/prefix or file:///dir.
	URL string `yaml:"url"`

	// CacheDir mirrors remote snapshots locally when set.
	CacheDir string `yaml:"cache_dir"`

	S3    S3Config    `yaml:"s3"`
	MinIO MinIOConfig `yaml:"minio"`
}

type S3Config struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

type MinIOConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		DataDir: "./data",
		Log:     LogConfig{Level: "info", Format: "text"},
		Limits:  annie.DefaultLimits(),
		GPU: GPUConfig{
			Devices:   1,
			Precision: gpu.FP32.String(),
			Pool:      gpu.DefaultPoolConfig(),
			Monitor:   gpu.DefaultMonitorConfig(),
		},
		Snapshot: SnapshotConfig{Compression: persistence.CompressionLZ4.String()},
		Store:    StoreConfig{MinIO: MinIOConfig{Secure: true}},
	}
}

// LoadConfig reads path over DefaultConfig. An empty path returns the
// defaults. Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if cfg.Store.MinIO.AccessKey == "" {
		cfg.Store.MinIO.AccessKey = os.Getenv("ANNIE_MINIO_ACCESS_KEY")
	}
	if cfg.Store.MinIO.SecretKey == "" {
		cfg.Store.MinIO.SecretKey = os.Getenv("ANNIE_MINIO_SECRET_KEY")
	}
	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail deep inside a command.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("data_dir must not be empty")
	}
	if _, err := c.logLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.GPU.Devices < 1 {
		return fmt.Errorf("gpu.devices must be at least 1, got %d", c.GPU.Devices)
	}
	if _, err := gpu.ParsePrecision(c.GPU.Precision); err != nil {
		return err
	}
	if _, err := persistence.ParseCompression(c.Snapshot.Compression); err != nil {
		return err
	}
	return nil
}

func (c Config) logLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return level, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}

// Logger builds the logger described by c.Log.
func (c Config) Logger() *annie.Logger {
	level, err := c.logLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	if c.Log.Format == "json" {
		return annie.NewJSONLogger(level)
	}
	return annie.NewTextLogger(level)
}

// Env builds an Env over emulated host devices.
func (c Config) Env(logger *annie.Logger) *annie.Env {
	rt := gpu.NewHostRuntime(gpu.HostConfig{
		Devices:         c.GPU.Devices,
		MemoryPerDevice: c.GPU.MemoryPerDevice,
	})
	return annie.NewEnv(
		annie.WithRuntime(rt),
		annie.WithPoolConfig(c.GPU.Pool),
		annie.WithEnvLogger(logger),
	)
}

// Precision returns the configured GPU precision. Call Validate first.
func (c Config) Precision() gpu.Precision {
	p, _ := gpu.ParsePrecision(c.GPU.Precision)
	return p
}

// DeviceIDs returns 0..Devices-1.
func (c Config) DeviceIDs() []int {
	ids := make([]int, c.GPU.Devices)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

// IndexOptions returns the options shared by every index the CLI opens.
func (c Config) IndexOptions(env *annie.Env, logger *annie.Logger) []annie.Option {
	compression, _ := persistence.ParseCompression(c.Snapshot.Compression)
	return []annie.Option{
		annie.WithEnv(env),
		annie.WithLogger(logger),
		annie.WithLimits(c.Limits),
		annie.WithAllowedDirs(c.DataDir),
		annie.WithCompression(compression),
		annie.WithIOThrottle(c.Snapshot.IOBytesPerSec),
	}
}
