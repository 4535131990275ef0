// Package sweep removes temp files left behind by interrupted writes and
// accounts for the disk usage of a collection.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/timestore/internal/logging"
	"github.com/xtxerr/timestore/internal/storage/fileutil"
	"github.com/xtxerr/timestore/internal/storage/layout"
	"github.com/xtxerr/timestore/internal/storage/lock"
	"github.com/xtxerr/timestore/internal/storage/types"
)

var log = logging.Component("sweep")

// Sweeper cleans the segments of one collection.
type Sweeper struct {
	mu     sync.Mutex
	layout *layout.Layout
	locks  *lock.Registry
	limit  int
	stats  Stats
}

// Stats holds cumulative sweep statistics.
type Stats struct {
	LastRunTime  time.Time
	Runs         int64
	TempsRemoved int64
	BytesFreed   int64
	BusySkipped  int64
	Errors       int64
}

// Result holds the result of one sweep.
type Result struct {
	Segments     int
	Files        int
	Bytes        int64
	TempsRemoved int
	BytesFreed   int64

	// Busy counts segments skipped because a writer held them.
	Busy int

	Errors []error
}

// Err joins the errors of the sweep.
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

// New creates a sweeper. concurrency bounds the segments processed at once.
func New(l *layout.Layout, locks *lock.Registry, concurrency int) *Sweeper {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Sweeper{layout: l, locks: locks, limit: concurrency}
}

// Run sweeps every segment. A segment whose directory lock is held is
// skipped rather than waited for; its temp files may belong to a live
// writer.
func (s *Sweeper) Run(ctx context.Context) (Result, error) {
	segs, err := s.layout.ExistingSegments(ctx, math.MinInt64, math.MaxInt64)
	if err != nil {
		return Result{}, fmt.Errorf("list segments: %w", err)
	}

	var (
		mu  sync.Mutex
		res = Result{Segments: len(segs)}
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limit)
	for _, seg := range segs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r := s.sweepSegment(seg.Path)

			mu.Lock()
			res.Files += r.Files
			res.Bytes += r.Bytes
			res.TempsRemoved += r.TempsRemoved
			res.BytesFreed += r.BytesFreed
			res.Busy += r.Busy
			res.Errors = append(res.Errors, r.Errors...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	s.mu.Lock()
	s.stats.LastRunTime = time.Now()
	s.stats.Runs++
	s.stats.TempsRemoved += int64(res.TempsRemoved)
	s.stats.BytesFreed += res.BytesFreed
	s.stats.BusySkipped += int64(res.Busy)
	s.stats.Errors += int64(len(res.Errors))
	s.mu.Unlock()

	if res.TempsRemoved > 0 {
		log.Info("sweep removed temp files", "count", res.TempsRemoved, "bytes", res.BytesFreed)
	}
	return res, nil
}

func (s *Sweeper) sweepSegment(dir string) Result {
	var res Result

	tok, ok := s.locks.TryAcquireWrite(dir)
	if !ok {
		res.Busy = 1
		return res
	}
	defer tok.Release()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			res.Errors = append(res.Errors, fmt.Errorf("read dir %s: %w", dir, err))
		}
		return res
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		p := filepath.Join(dir, e.Name())

		if fileutil.IsTemp(e.Name()) {
			log.Debug("removing stale temp file", "path", p)
			if err := fileutil.RemoveIfExists(p); err != nil {
				res.Errors = append(res.Errors, err)
				continue
			}
			res.TempsRemoved++
			res.BytesFreed += info.Size()
			continue
		}

		if _, err := types.ParseRange(e.Name()); err != nil {
			continue
		}
		res.Files++
		res.Bytes += info.Size()
	}
	return res
}

// Stats returns cumulative statistics.
func (s *Sweeper) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Format returns a human-readable summary of r.
func (r Result) Format() string {
	return fmt.Sprintf("Disk Usage:\n  Segments: %d\n  Files: %d, %s\n  Temp files removed: %d (%s)\n  Busy segments skipped: %d\n",
		r.Segments, r.Files, FormatBytes(r.Bytes), r.TempsRemoved, FormatBytes(r.BytesFreed), r.Busy)
}

// FormatBytes formats bytes as a human-readable string.
func FormatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
