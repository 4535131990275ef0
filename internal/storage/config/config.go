package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default segment granularities in milliseconds, coarse to fine.
const (
	Level0 int64 = 360 * 24 * 60 * 60 * 1000 // ~year
	Level1 int64 = 30 * 24 * 60 * 60 * 1000  // ~month
	Level2 int64 = 24 * 60 * 60 * 1000       // day
	Level3 int64 = 60 * 60 * 1000            // hour

	// DefaultSegmentSuffix marks leaf segment directories.
	DefaultSegmentSuffix = "_seg"

	// RecoveryDirName is the per-collection directory holding pending entries.
	// The leading dot keeps it out of segment scans.
	RecoveryDirName = ".recovery"
)

// Config represents the complete storage configuration.
type Config struct {
	// DataDir is the root directory; every collection lives in a subdirectory.
	DataDir string `yaml:"data_dir"`

	// Layout defines the segment directory hierarchy.
	Layout LayoutConfig `yaml:"layout"`

	// Rollup configures file rollups inside a segment.
	Rollup RollupConfig `yaml:"rollup"`

	// Storage configures file I/O and the task queue.
	Storage StorageConfig `yaml:"storage"`

	// Metrics configures Prometheus collectors and latency sketches.
	Metrics MetricsConfig `yaml:"metrics"`

	// Export configures Parquet exports.
	Export ExportConfig `yaml:"export"`

	// Query configures the SQL service over exports.
	Query QueryConfig `yaml:"query"`
}

// LayoutConfig defines the segment directory hierarchy.
type LayoutConfig struct {
	// Levels are the four granularities L0..L3, strictly decreasing, each an
	// exact multiple of the next. Values are in grouping-number units (ms for time keys).
	Levels []int64 `yaml:"levels"`

	// SegmentSuffix is appended to the L3 directory name.
	SegmentSuffix string `yaml:"segment_suffix"`
}

// RollupConfig configures file rollups inside a segment.
type RollupConfig struct {
	// Levels are the file granularities inside a segment, ascending. Writes
	// land in files of Levels[0]; each higher level is a rollup target.
	// The last level must equal the segment granularity (Layout.Levels[3]).
	Levels []int64 `yaml:"levels"`

	// ReviewInterval is how often the scheduler scans for quiet targets.
	ReviewInterval time.Duration `yaml:"review_interval"`

	// WriteDelay is the quiescence window after a write. 0 = range length.
	WriteDelay time.Duration `yaml:"write_delay"`

	// ReadDelay is the quiescence window after a read. 0 = range length.
	ReadDelay time.Duration `yaml:"read_delay"`
}

// StorageConfig configures file I/O and the task queue.
type StorageConfig struct {
	// SyncWrites fsyncs every committed file and its directory.
	SyncWrites bool `yaml:"sync_writes"`

	// MaxRecordSize bounds a single frame; larger length prefixes are
	// treated as corruption and end the stream.
	MaxRecordSize int `yaml:"max_record_size"`

	// QueueSize is the capacity of the per-collection task queue.
	QueueSize int `yaml:"queue_size"`

	// ScanConcurrency bounds parallel directory walks and sweeps.
	ScanConcurrency int `yaml:"scan_concurrency"`
}

// MetricsConfig configures Prometheus collectors and latency sketches.
type MetricsConfig struct {
	// Enabled registers collectors with the supplied registerer.
	Enabled bool `yaml:"enabled"`

	// SketchAccuracy is the DDSketch relative accuracy (0.01 = 1% error).
	SketchAccuracy float64 `yaml:"sketch_accuracy"`
}

// ExportConfig configures Parquet exports.
type ExportConfig struct {
	// Compression is the compression algorithm: snappy, zstd, lz4, gzip, none.
	Compression string `yaml:"compression"`

	// RowGroupSize is the target number of rows per row group.
	RowGroupSize int `yaml:"row_group_size"`
}

// QueryConfig configures the SQL service over exports.
type QueryConfig struct {
	// MemoryLimit is the DuckDB memory limit.
	MemoryLimit string `yaml:"memory_limit"`

	// Timeout is the query timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRows is the maximum number of rows returned.
	MaxRows int `yaml:"max_rows"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/timestore",
		Layout: LayoutConfig{
			Levels:        []int64{Level0, Level1, Level2, Level3},
			SegmentSuffix: DefaultSegmentSuffix,
		},
		Rollup: RollupConfig{
			Levels:         []int64{60 * 1000, Level3},
			ReviewInterval: 30 * time.Second,
		},
		Storage: StorageConfig{
			SyncWrites:      true,
			MaxRecordSize:   64 * 1024 * 1024, // 64MB
			QueueSize:       64,
			ScanConcurrency: 4,
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			SketchAccuracy: 0.01,
		},
		Export: ExportConfig{
			Compression:  "zstd",
			RowGroupSize: 100000,
		},
		Query: QueryConfig{
			MemoryLimit: "1GB",
			Timeout:     30 * time.Second,
			MaxRows:     100000,
		},
	}
}

// CollectionDir returns the root directory of a collection.
func (c *Config) CollectionDir(name string) string {
	return filepath.Join(c.DataDir, name)
}

// RecoveryDir returns the recovery log directory of a collection.
func (c *Config) RecoveryDir(name string) string {
	return filepath.Join(c.DataDir, name, RecoveryDirName)
}

// SegmentLevel returns the finest layout granularity (L3).
func (c *Config) SegmentLevel() int64 {
	return c.Layout.Levels[len(c.Layout.Levels)-1]
}

// DelayFor returns the configured delay in milliseconds, or the range
// length when the delay is unset.
func DelayFor(d time.Duration, rangeLength int64) int64 {
	if d <= 0 {
		return rangeLength
	}
	return d.Milliseconds()
}
