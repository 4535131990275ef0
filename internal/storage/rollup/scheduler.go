package rollup

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	serrors "github.com/xtxerr/timestore/internal/errors"
	"github.com/xtxerr/timestore/internal/logging"
)

var log = logging.Component("rollup")

// DefaultReviewInterval is used when Options.ReviewInterval is unset.
const DefaultReviewInterval = 30 * time.Second

// Dispatcher receives ready targets.
type Dispatcher func(Target)

// Options configures a Scheduler.
type Options struct {
	// ReviewInterval is the period of the background review loop.
	ReviewInterval time.Duration

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

type scheduled struct {
	target Target
	at     int64
}

// Scheduler tracks when each target becomes eligible for rollup.
type Scheduler struct {
	mu      sync.Mutex
	pending map[targetKey]scheduled

	dispatch Dispatcher
	opts     Options

	// State
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Statistics
	stats Stats
}

// Stats holds scheduler statistics.
type Stats struct {
	Reports    atomic.Int64
	Reviews    atomic.Int64
	Dispatched atomic.Int64
}

// SchedulerStats is a snapshot of Stats.
type SchedulerStats struct {
	Running    bool
	Pending    int
	Reports    int64
	Reviews    int64
	Dispatched int64
}

// Scheduled is a pending target and the time (unix ms) it becomes ready.
type Scheduled struct {
	Target Target
	At     int64
}

// New creates a scheduler that hands ready targets to dispatch.
func New(dispatch Dispatcher, opts Options) *Scheduler {
	if opts.ReviewInterval <= 0 {
		opts.ReviewInterval = DefaultReviewInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		pending:  make(map[targetKey]scheduled),
		dispatch: dispatch,
		opts:     opts,
	}
}

// ReportRead postpones t by its read delay.
func (s *Scheduler) ReportRead(t Target) {
	s.report(t, t.ReadDelay)
}

// ReportWrite postpones t by its write delay.
func (s *Scheduler) ReportWrite(t Target) {
	s.report(t, t.WriteDelay)
}

// report moves the scheduled time of t to now+delay unless it is already
// later.
func (s *Scheduler) report(t Target, delay int64) {
	at := addSaturating(s.opts.Now().UnixMilli(), max(delay, 0))
	k := t.key()

	s.mu.Lock()
	if cur, ok := s.pending[k]; !ok || at > cur.at {
		s.pending[k] = scheduled{target: t, at: at}
	}
	s.mu.Unlock()

	s.stats.Reports.Add(1)
}

// ScheduledTime returns the time t becomes ready, if it is pending.
func (s *Scheduler) ScheduledTime(t Target) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.pending[t.key()]
	return cur.at, ok
}

// ReadyTargets removes and returns every target scheduled strictly before
// now (unix ms). A target re-reported after the snapshot keeps its entry.
func (s *Scheduler) ReadyTargets(now int64) []Target {
	s.mu.Lock()
	var snapshot []scheduled
	for _, e := range s.pending {
		if e.at < now {
			snapshot = append(snapshot, e)
		}
	}
	s.mu.Unlock()

	ready := make([]Target, 0, len(snapshot))
	for _, e := range snapshot {
		if s.removeIf(e.target.key(), e.at) {
			ready = append(ready, e.target)
		}
	}

	sortTargets(ready)
	return ready
}

// removeIf deletes k only if it is still scheduled at at.
func (s *Scheduler) removeIf(k targetKey, at int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.pending[k]; ok && cur.at == at {
		delete(s.pending, k)
		return true
	}
	return false
}

// RunReview runs one review cycle at the current clock and returns the
// number of dispatched targets.
func (s *Scheduler) RunReview() int {
	s.stats.Reviews.Add(1)

	ready := s.ReadyTargets(s.opts.Now().UnixMilli())
	for _, t := range ready {
		log.Debug("dispatching rollup", "target", t)
		s.dispatch(t)
	}
	s.stats.Dispatched.Add(int64(len(ready)))
	return len(ready)
}

// ForceScheduleAll empties the schedule and dispatches every target once,
// regardless of its scheduled time.
func (s *Scheduler) ForceScheduleAll() int {
	s.mu.Lock()
	all := make([]Target, 0, len(s.pending))
	for _, e := range s.pending {
		all = append(all, e.target)
	}
	s.pending = make(map[targetKey]scheduled)
	s.mu.Unlock()

	sortTargets(all)
	for _, t := range all {
		s.dispatch(t)
	}
	s.stats.Dispatched.Add(int64(len(all)))
	return len(all)
}

// Pending returns a snapshot of the schedule ordered by ready time.
func (s *Scheduler) Pending() []Scheduled {
	s.mu.Lock()
	out := make([]Scheduled, 0, len(s.pending))
	for _, e := range s.pending {
		out = append(out, Scheduled{Target: e.target, At: e.at})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].At != out[j].At {
			return out[i].At < out[j].At
		}
		return less(out[i].Target, out[j].Target)
	})
	return out
}

// Len returns the number of pending targets.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Start starts the review loop.
func (s *Scheduler) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return serrors.ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(ctx)

	log.Info("rollup scheduler started", "review_interval", s.opts.ReviewInterval)
	return nil
}

// Stop stops the review loop. A review already in progress completes first.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.wg.Wait()
	log.Info("rollup scheduler stopped")
}

// IsRunning returns whether the review loop is running.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.ReviewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunReview()
		}
	}
}

// Stats returns current statistics.
func (s *Scheduler) Stats() SchedulerStats {
	return SchedulerStats{
		Running:    s.running.Load(),
		Pending:    s.Len(),
		Reports:    s.stats.Reports.Load(),
		Reviews:    s.stats.Reviews.Load(),
		Dispatched: s.stats.Dispatched.Load(),
	}
}

func less(a, b Target) bool {
	if a.SegmentGroupingNumber != b.SegmentGroupingNumber {
		return a.SegmentGroupingNumber < b.SegmentGroupingNumber
	}
	return a.Range.Compare(b.Range) < 0
}

func sortTargets(ts []Target) {
	sort.Slice(ts, func(i, j int) bool { return less(ts[i], ts[j]) })
}
