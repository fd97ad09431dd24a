package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// WALConfig holds write-ahead log settings.
type WALConfig struct {
	// Dir defaults to <data_dir>/wal.
	Dir                 string `yaml:"dir"`
	SyncMode            string `yaml:"sync_mode"` // "always", "batch" or "disabled"
	MaxSegmentSizeBytes int64  `yaml:"max_segment_size_bytes"`
	RetryBudget         int    `yaml:"retry_budget"`
	RetryInterval       string `yaml:"retry_interval"`
	LockTimeout         string `yaml:"lock_timeout"`
}

// RegionConfig holds per-partition settings.
type RegionConfig struct {
	Families             []string `yaml:"families"`
	FlushSizeBytes       int64    `yaml:"flush_size_bytes"`
	ReplayFlushSizeBytes int64    `yaml:"replay_flush_size_bytes"`
	FlushRetries         int      `yaml:"flush_retries"`
	FlushRetryInterval   string   `yaml:"flush_retry_interval"`
	Durability           string   `yaml:"durability"` // "sync" or "async"
}

// StoreFileConfig holds store file settings.
type StoreFileConfig struct {
	BlockSizeBytes    int     `yaml:"block_size_bytes"`
	Compression       string  `yaml:"compression"`
	BloomFilterFPRate float64 `yaml:"bloom_filter_fp_rate"`
	BlockCacheBlocks  int     `yaml:"block_cache_blocks"` // 0 disables the block cache
}

// SplitConfig holds log splitter settings.
type SplitConfig struct {
	WriterConcurrency int    `yaml:"writer_concurrency"`
	MinFreeDiskBytes  uint64 `yaml:"min_free_disk_bytes"`
	ArchiveSegments   bool   `yaml:"archive_segments"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
	// Rotation of the log file.
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	Namespace     string `yaml:"namespace"`
}

// Config is the top-level configuration struct.
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	WAL       WALConfig       `yaml:"wal"`
	Region    RegionConfig    `yaml:"region"`
	StoreFile StoreFileConfig `yaml:"store_file"`
	Split     SplitConfig     `yaml:"split"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// WALDir resolves the log directory.
func (c *Config) WALDir() string {
	if c.WAL.Dir != "" {
		return c.WAL.Dir
	}
	return filepath.Join(c.DataDir, "wal")
}

// RegionsDir is the root holding one directory per partition.
func (c *Config) RegionsDir() string {
	return filepath.Join(c.DataDir, "regions")
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		WAL: WALConfig{
			SyncMode:            "batch",
			MaxSegmentSizeBytes: 64 * 1024 * 1024, // 64 MiB
			RetryBudget:         3,
			RetryInterval:       "50ms",
			LockTimeout:         "0s",
		},
		Region: RegionConfig{
			Families:           []string{"cf"},
			FlushSizeBytes:     64 * 1024 * 1024, // 64 MiB
			FlushRetries:       3,
			FlushRetryInterval: "100ms",
			Durability:         "sync",
		},
		StoreFile: StoreFileConfig{
			BlockSizeBytes:    16 * 1024, // 16 KiB
			Compression:       "snappy",
			BloomFilterFPRate: 0.01,
			BlockCacheBlocks:  1024,
		},
		Split: SplitConfig{
			WriterConcurrency: 4,
			MinFreeDiskBytes:  0,
			ArchiveSegments:   true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     "stdout",
			File:       "nexusregion.log",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: ":9464",
			Namespace:     "nexusregion",
		},
	}
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	if len(cfg.Region.Families) == 0 {
		return nil, fmt.Errorf("config: region.families must name at least one column family")
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
