package config

import (
	"errors"
	"fmt"
	"math"
	"strings"

	serrors "github.com/xtxerr/timestore/internal/errors"
)

// Validate checks the configuration for errors.
// The returned error wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error

	// DataDir
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	// Layout
	if err := c.Layout.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("layout: %w", err))
	}

	// Rollup
	if err := c.Rollup.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("rollup: %w", err))
	}
	if len(c.Layout.Levels) == 4 && len(c.Rollup.Levels) > 0 {
		if last := c.Rollup.Levels[len(c.Rollup.Levels)-1]; last != c.Layout.Levels[3] {
			errs = append(errs, fmt.Errorf("rollup: last level %d must equal segment level %d", last, c.Layout.Levels[3]))
		}
	}

	// Storage
	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}

	// Metrics
	if err := c.Metrics.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("metrics: %w", err))
	}

	// Export
	if err := c.Export.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("export: %w", err))
	}

	// Query
	if err := c.Query.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("query: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", serrors.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Validate checks the layout configuration.
func (c *LayoutConfig) Validate() error {
	var errs []error

	if len(c.Levels) != 4 {
		errs = append(errs, fmt.Errorf("levels must have exactly 4 entries, got %d", len(c.Levels)))
	} else {
		for i, l := range c.Levels {
			if l <= 0 {
				errs = append(errs, fmt.Errorf("levels[%d] must be positive", i))
			}
		}
		for i := 1; i < len(c.Levels); i++ {
			hi, lo := c.Levels[i-1], c.Levels[i]
			if lo <= 0 || hi <= lo {
				errs = append(errs, fmt.Errorf("levels[%d] must be smaller than levels[%d]", i, i-1))
				continue
			}
			if hi%lo != 0 {
				errs = append(errs, fmt.Errorf("levels[%d]=%d must be a multiple of levels[%d]=%d", i-1, hi, i, lo))
			}
		}
	}

	if c.SegmentSuffix == "" {
		errs = append(errs, errors.New("segment_suffix is required"))
	}
	if strings.ContainsAny(c.SegmentSuffix, `/\`) {
		errs = append(errs, errors.New("segment_suffix must not contain path separators"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the rollup configuration.
func (c *RollupConfig) Validate() error {
	var errs []error

	if len(c.Levels) == 0 {
		errs = append(errs, errors.New("levels must not be empty"))
	}
	for i, l := range c.Levels {
		if l <= 0 {
			errs = append(errs, fmt.Errorf("levels[%d] must be positive", i))
			continue
		}
		if i == 0 {
			continue
		}
		prev := c.Levels[i-1]
		if prev <= 0 {
			continue
		}
		if l <= prev {
			errs = append(errs, fmt.Errorf("levels[%d] must be larger than levels[%d]", i, i-1))
		} else if l%prev != 0 {
			errs = append(errs, fmt.Errorf("levels[%d]=%d must be a multiple of levels[%d]=%d", i, l, i-1, prev))
		}
	}

	if c.ReviewInterval <= 0 {
		errs = append(errs, errors.New("review_interval must be positive"))
	}
	if c.WriteDelay < 0 {
		errs = append(errs, errors.New("write_delay must be non-negative"))
	}
	if c.ReadDelay < 0 {
		errs = append(errs, errors.New("read_delay must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the storage configuration.
func (c *StorageConfig) Validate() error {
	var errs []error

	if c.MaxRecordSize <= 0 || int64(c.MaxRecordSize) > math.MaxInt32 {
		errs = append(errs, errors.New("max_record_size must be between 1 and 2^31-1"))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, errors.New("queue_size must be positive"))
	}
	if c.ScanConcurrency <= 0 {
		errs = append(errs, errors.New("scan_concurrency must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the metrics configuration.
func (c *MetricsConfig) Validate() error {
	if c.SketchAccuracy <= 0 || c.SketchAccuracy >= 1 {
		return errors.New("sketch_accuracy must be between 0 and 1")
	}
	return nil
}

// Validate checks the export configuration.
func (c *ExportConfig) Validate() error {
	var errs []error

	validAlgorithms := map[string]bool{
		"snappy": true,
		"zstd":   true,
		"lz4":    true,
		"gzip":   true,
		"none":   true,
		"":       true, // Empty defaults to none
	}
	if !validAlgorithms[c.Compression] {
		errs = append(errs, errors.New("compression must be one of: snappy, zstd, lz4, gzip, none"))
	}
	if c.RowGroupSize < 0 {
		errs = append(errs, errors.New("row_group_size must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the query configuration.
func (c *QueryConfig) Validate() error {
	var errs []error

	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}

	if c.MaxRows <= 0 {
		errs = append(errs, errors.New("max_rows must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ValidateCollectionName rejects names that would escape DataDir or
// collide with reserved entries.
func ValidateCollectionName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return serrors.NewValidation("collection name", fmt.Sprintf("%q is reserved", name))
	case strings.ContainsAny(name, `/\`):
		return serrors.NewValidation("collection name", "must not contain path separators")
	case strings.HasPrefix(name, "."):
		return serrors.NewValidation("collection name", "must not start with a dot")
	}
	return nil
}
