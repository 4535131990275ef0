package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	serrors "github.com/xtxerr/timestore/internal/errors"
	"github.com/xtxerr/timestore/internal/logging"
	"github.com/xtxerr/timestore/internal/storage/codec"
	"github.com/xtxerr/timestore/internal/storage/config"
	"github.com/xtxerr/timestore/internal/storage/layout"
	"github.com/xtxerr/timestore/internal/storage/lock"
	"github.com/xtxerr/timestore/internal/storage/metrics"
	"github.com/xtxerr/timestore/internal/storage/recovery"
	"github.com/xtxerr/timestore/internal/storage/rollup"
	"github.com/xtxerr/timestore/internal/storage/segment"
	"github.com/xtxerr/timestore/internal/storage/sweep"
	"github.com/xtxerr/timestore/internal/storage/types"
)

var log = logging.Component("collection")

// Collection is a named store of values of type T.
type Collection[T any] struct {
	mu     sync.RWMutex
	closed bool

	name  string
	cfg   *config.Config
	codec codec.Codec[T]
	opts  options

	// Components
	locks     *lock.Registry
	layout    *layout.Layout
	recovery  *recovery.Log
	scheduler *rollup.Scheduler
	sweeper   *sweep.Sweeper
	metrics   *metrics.Metrics
	queue     *queue

	segOpts segment.Options

	// Highest grouping number written, valid when hasMax is set.
	maxGrouping atomic.Int64
	hasMax      atomic.Bool

	// Set when a recovery entry could not be resolved; mutations are refused.
	failed atomic.Pointer[error]

	// Statistics
	stats Stats
}

// Stats holds collection statistics.
type Stats struct {
	Inserts        atomic.Int64
	Updates        atomic.Int64
	Deletes        atomic.Int64
	Reads          atomic.Int64
	Queries        atomic.Int64
	Batches        atomic.Int64
	Rollups        atomic.Int64
	RollupsSkipped atomic.Int64
	RollupErrors   atomic.Int64
	Replayed       atomic.Int64
	CorruptRecords atomic.Int64
}

// CollectionStats is a snapshot of Stats plus component statistics.
type CollectionStats struct {
	Name           string
	Inserts        int64
	Updates        int64
	Deletes        int64
	Reads          int64
	Queries        int64
	Batches        int64
	Rollups        int64
	RollupsSkipped int64
	RollupErrors   int64
	Replayed       int64
	CorruptRecords int64
	QueueDepth     int

	// Failed is set once a write left an unresolved recovery entry; the
	// collection then refuses mutations until it is reopened.
	Failed bool

	// MaxGroupingNumber is the highest grouping number stored, valid when
	// HasMaxGroupingNumber is set.
	MaxGroupingNumber    int64
	HasMaxGroupingNumber bool

	Scheduler rollup.SchedulerStats
	Recovery  recovery.LogStats
	Locks     lock.RegistryStats

	// Rollup latency in milliseconds and merged records per rollup.
	RollupLatency metrics.SummaryResult
	MergeSize     metrics.SummaryResult
}

// =============================================================================
// Options
// =============================================================================

type options struct {
	now        func() time.Time
	registerer prometheus.Registerer
	background bool
}

// Option configures Open.
type Option func(*options)

// WithClock sets the clock used by the scheduler and the recovery log.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithRegisterer registers the collection's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithoutBackground disables the scheduler's review loop. Rollups then only
// run through RunReview or ForceRollups.
func WithoutBackground() Option {
	return func(o *options) {
		o.background = false
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Open opens or creates the collection name under cfg.DataDir. Pending
// recovery entries are replayed before Open returns; a replay failure is
// returned and leaves the collection closed.
func Open[T any](cfg *config.Config, name string, c codec.Codec[T], opts ...Option) (*Collection[T], error) {
	if cfg == nil {
		return nil, serrors.NewMissingField("config")
	}
	if c == nil {
		return nil, serrors.NewMissingField("codec")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := config.ValidateCollectionName(name); err != nil {
		return nil, err
	}

	o := options{now: time.Now, background: true}
	for _, opt := range opts {
		opt(&o)
	}

	dir := cfg.CollectionDir(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, serrors.Wrap(err, "create collection dir")
	}

	l, err := layout.New(dir, cfg.Layout, cfg.Storage.ScanConcurrency)
	if err != nil {
		return nil, err
	}

	reg := o.registerer
	if !cfg.Metrics.Enabled {
		reg = nil
	}

	col := &Collection[T]{
		name:    name,
		cfg:     cfg,
		codec:   c,
		opts:    o,
		locks:   lock.New(),
		layout:  l,
		metrics: metrics.New(name, reg, cfg.Metrics.SketchAccuracy),
	}
	col.maxGrouping.Store(math.MinInt64)
	col.segOpts = segment.Options{
		Locks:         col.locks,
		RollupLevels:  cfg.Rollup.Levels,
		SyncWrites:    cfg.Storage.SyncWrites,
		MaxRecordSize: cfg.Storage.MaxRecordSize,
		OnCorrupt:     col.onCorrupt,
	}

	col.recovery, err = recovery.Open(cfg.RecoveryDir(name), recovery.Options{
		SyncWrites: cfg.Storage.SyncWrites,
		Now:        o.now,
	})
	if err != nil {
		return nil, err
	}

	n, err := col.recovery.Replay(col.apply)
	col.stats.Replayed.Add(int64(n))
	col.metrics.RecoveryReplayed.Add(float64(n))
	if err != nil {
		return nil, err
	}
	if n > 0 {
		log.Info("recovery replay complete", "collection", name, "entries", n)
	}

	col.sweeper = sweep.New(l, col.locks, cfg.Storage.ScanConcurrency)
	if _, err := col.Sweep(context.Background()); err != nil {
		log.Warn("startup sweep failed", "collection", name, "error", err)
	}

	if err := col.seedMaxGroupingNumber(); err != nil {
		return nil, err
	}

	col.queue = newQueue(cfg.Storage.QueueSize, func(n int) {
		col.metrics.QueueDepth.Set(float64(n))
	})
	col.scheduler = rollup.New(col.dispatchRollup, rollup.Options{
		ReviewInterval: cfg.Rollup.ReviewInterval,
		Now:            o.now,
	})

	col.queue.start()
	if o.background {
		if err := col.scheduler.Start(); err != nil {
			col.queue.stop()
			return nil, serrors.Wrap(err, "start scheduler")
		}
	}

	log.Debug("collection opened", "collection", name, "dir", dir)
	return col, nil
}

// Close stops the scheduler, runs the tasks already queued, and stops the
// worker. Calling it twice is safe.
func (c *Collection[T]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.scheduler.Stop()
	c.queue.stop()

	log.Debug("collection closed", "collection", c.name)
	return nil
}

// acquire marks the start of an operation. The returned function must be
// called when the operation ends.
func (c *Collection[T]) acquire() (func(), error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, serrors.ErrClosed
	}
	return c.mu.RUnlock, nil
}

// =============================================================================
// Accessors
// =============================================================================

// Name returns the collection name.
func (c *Collection[T]) Name() string {
	return c.name
}

// Config returns the configuration the collection was opened with.
func (c *Collection[T]) Config() *config.Config {
	return c.cfg
}

// Scheduler returns the rollup scheduler.
func (c *Collection[T]) Scheduler() *rollup.Scheduler {
	return c.scheduler
}

// Locks returns the path lock registry.
func (c *Collection[T]) Locks() *lock.Registry {
	return c.locks
}

// RecoveryLog returns the recovery log.
func (c *Collection[T]) RecoveryLog() *recovery.Log {
	return c.recovery
}

// Layout returns the segment layout.
func (c *Collection[T]) Layout() *layout.Layout {
	return c.layout
}

// Metrics returns the collection's metrics.
func (c *Collection[T]) Metrics() *metrics.Metrics {
	return c.metrics
}

// Segment returns a handle on the segment holding grouping number g.
func (c *Collection[T]) Segment(g int64) *segment.Segment {
	return c.segment(c.layout.SegmentAt(g))
}

func (c *Collection[T]) segment(info layout.SegmentInfo) *segment.Segment {
	return segment.New(info.Path, info.Range, c.segOpts)
}

// Locate returns the segment directories key may be stored in.
func (c *Collection[T]) Locate(key types.Key) []string {
	return c.layout.CandidatePaths(key)
}

// LocateRange returns the existing segments overlapping [min, max].
func (c *Collection[T]) LocateRange(ctx context.Context, min, max int64) ([]layout.SegmentInfo, error) {
	return c.layout.ExistingSegments(ctx, min, max)
}

// SegmentSummary describes one existing segment and its files.
type SegmentSummary struct {
	Path  string
	Range types.Range
	Files []segment.FileInfo
}

// Segments lists the existing segments overlapping [min, max] with their
// files in priority order.
func (c *Collection[T]) Segments(ctx context.Context, min, max int64) ([]SegmentSummary, error) {
	infos, err := c.layout.ExistingSegments(ctx, min, max)
	if err != nil {
		return nil, err
	}

	out := make([]SegmentSummary, 0, len(infos))
	for _, info := range infos {
		seg := c.segment(info)
		tok := c.locks.AcquireRead(seg.Path())
		files, err := seg.Files()
		tok.Release()
		if err != nil {
			return nil, err
		}
		out = append(out, SegmentSummary{Path: info.Path, Range: info.Range, Files: files})
	}
	return out, nil
}

// Sweep removes stale temp files and refreshes the disk usage gauges.
func (c *Collection[T]) Sweep(ctx context.Context) (sweep.Result, error) {
	res, err := c.sweeper.Run(ctx)
	if err != nil {
		return res, err
	}
	c.metrics.SegmentsTotal.Set(float64(res.Segments))
	c.metrics.DiskUsageBytes.Set(float64(res.Bytes))
	return res, res.Err()
}

// Stats returns collection statistics.
func (c *Collection[T]) Stats() CollectionStats {
	s := CollectionStats{
		Name:                 c.name,
		Inserts:              c.stats.Inserts.Load(),
		Updates:              c.stats.Updates.Load(),
		Deletes:              c.stats.Deletes.Load(),
		Reads:                c.stats.Reads.Load(),
		Queries:              c.stats.Queries.Load(),
		Batches:              c.stats.Batches.Load(),
		Rollups:              c.stats.Rollups.Load(),
		RollupsSkipped:       c.stats.RollupsSkipped.Load(),
		RollupErrors:         c.stats.RollupErrors.Load(),
		Replayed:             c.stats.Replayed.Load(),
		CorruptRecords:       c.stats.CorruptRecords.Load(),
		QueueDepth:           c.queue.depth(),
		Failed:               c.failed.Load() != nil,
		MaxGroupingNumber:    c.maxGrouping.Load(),
		HasMaxGroupingNumber: c.hasMax.Load(),
		Scheduler:            c.scheduler.Stats(),
		Recovery:             c.recovery.Stats(),
		Locks:                c.locks.Stats(),
		RollupLatency:        c.metrics.RollupLatency.Result(),
		MergeSize:            c.metrics.MergeSize.Result(),
	}
	return s
}

func (c *Collection[T]) onCorrupt(path string, err error) {
	c.stats.CorruptRecords.Add(1)
	c.metrics.CorruptRecordsTotal.Inc()
}

func (c *Collection[T]) countError(op string, err error) error {
	if err != nil && !errors.Is(err, serrors.ErrNotFound) && !errors.Is(err, serrors.ErrDuplicateKey) {
		c.metrics.OperationErrors.WithLabelValues(op).Inc()
	}
	return err
}

// =============================================================================
// Max grouping number
// =============================================================================

func (c *Collection[T]) trackMax(g int64) {
	for {
		cur := c.maxGrouping.Load()
		if g <= cur || c.maxGrouping.CompareAndSwap(cur, g) {
			break
		}
	}
	c.hasMax.Store(true)
}

// seedMaxGroupingNumber finds the highest stored key. Keys sort by grouping
// number, so it is the last key of the last non-empty segment.
func (c *Collection[T]) seedMaxGroupingNumber() error {
	segs, err := c.layout.ExistingSegments(context.Background(), math.MinInt64, math.MaxInt64)
	if err != nil {
		return fmt.Errorf("seed max grouping number: %w", err)
	}

	for i := len(segs) - 1; i >= 0; i-- {
		seg := c.segment(segs[i])
		it, err := seg.Scan(seg.Range().Start, seg.Range().End)
		if err != nil {
			return err
		}
		var (
			last  types.Key
			found bool
		)
		for {
			k, _, ok := it.Next()
			if !ok {
				break
			}
			last, found = k, true
		}
		err = it.Err()
		it.Close()
		if err != nil {
			return err
		}
		if found {
			c.trackMax(last.GroupingNumber())
			return nil
		}
	}
	return nil
}
