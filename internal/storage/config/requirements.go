package config

import (
	"fmt"
	"time"
)

// Fanout describes the directory shape implied by a layout.
type Fanout struct {
	// ChildrenPerLevel[i] is the maximum number of children of a level-i
	// directory (L_i / L_{i+1}); the last entry is the number of
	// smallest-granularity files a segment can hold before rollup.
	ChildrenPerLevel []int64

	// FilesPerSegment is the pre-rollup file bound of a single segment.
	FilesPerSegment int64

	// RollupTargetsPerSegment is the number of rollup ranges above the
	// write granularity in one segment.
	RollupTargetsPerSegment int64

	// SegmentSpan is the time covered by one segment.
	SegmentSpan time.Duration
}

// CalculateFanout computes the directory shape for the configured layout.
// It assumes the configuration has been validated.
func (c *Config) CalculateFanout() Fanout {
	f := Fanout{}

	levels := c.Layout.Levels
	for i := 1; i < len(levels); i++ {
		f.ChildrenPerLevel = append(f.ChildrenPerLevel, levels[i-1]/levels[i])
	}

	seg := c.SegmentLevel()
	if len(c.Rollup.Levels) > 0 {
		f.FilesPerSegment = seg / c.Rollup.Levels[0]
		f.ChildrenPerLevel = append(f.ChildrenPerLevel, f.FilesPerSegment)
	}
	for _, l := range c.Rollup.Levels[min(1, len(c.Rollup.Levels)):] {
		f.RollupTargetsPerSegment += seg / l
	}

	f.SegmentSpan = time.Duration(seg) * time.Millisecond

	return f
}

// String formats the fan-out for the CLI.
func (f Fanout) String() string {
	return fmt.Sprintf("fanout=%v files_per_segment=%d rollup_targets_per_segment=%d segment_span=%s",
		f.ChildrenPerLevel, f.FilesPerSegment, f.RollupTargetsPerSegment, f.SegmentSpan)
}
