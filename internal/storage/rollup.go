package storage

import (
	"context"
	"fmt"

	"github.com/xtxerr/timestore/internal/logging"
	"github.com/xtxerr/timestore/internal/storage/recovery"
	"github.com/xtxerr/timestore/internal/storage/rollup"
)

// dispatchRollup hands a ready target to the task queue. It does not wait
// for the rollup to run.
func (c *Collection[T]) dispatchRollup(t rollup.Target) {
	_, err := c.queue.submit(context.Background(), func(ctx context.Context) error {
		return c.runRollup(ctx, t)
	})
	if err != nil {
		log.Debug("rollup not queued", "collection", c.name, "target", t.String(), "error", err)
	}
}

// runRollup merges the files of one target under a recovery entry. It runs
// on the queue worker.
func (c *Collection[T]) runRollup(ctx context.Context, t rollup.Target) error {
	seg := c.Segment(t.SegmentGroupingNumber)
	if err := seg.ValidateRollupRange(t.Range); err != nil {
		c.stats.RollupErrors.Add(1)
		return err
	}

	// Nothing on disk yet; reads of empty windows schedule targets too.
	files, err := seg.Files()
	if err != nil {
		c.stats.RollupErrors.Add(1)
		return err
	}
	if len(files) == 0 {
		c.stats.RollupsSkipped.Add(1)
		c.metrics.RollupsSkipped.Inc()
		return nil
	}

	h, err := c.recovery.Save(recovery.NewRollup(t.SegmentGroupingNumber, t.Range))
	if err != nil {
		c.stats.RollupErrors.Add(1)
		return err
	}
	c.metrics.RecoveryPending.Inc()

	ctx = logging.ContextWithRecoverableID(logging.ContextWithCollection(ctx, c.name), h.ID)
	res, err := seg.Rollup(t.Range)
	if err != nil {
		c.stats.RollupErrors.Add(1)
		c.metrics.OperationErrors.WithLabelValues("rollup").Inc()
		logging.WithContext(ctx).Error("rollup failed", "component", "collection", "target", t.String(), "error", err)
		return fmt.Errorf("rollup %s: %w", t, err)
	}

	if err := c.recovery.Complete(h); err != nil {
		c.stats.RollupErrors.Add(1)
		return err
	}
	c.metrics.RecoveryPending.Dec()

	if res.Skipped {
		c.stats.RollupsSkipped.Add(1)
		c.metrics.RollupsSkipped.Inc()
		return nil
	}
	c.stats.Rollups.Add(1)
	c.metrics.ObserveRollup(res.Duration, res.Records, res.Duplicates)
	return nil
}

// RunReview runs one scheduler review at the collection clock and waits
// for the dispatched rollups to finish. It returns the number dispatched.
func (c *Collection[T]) RunReview(ctx context.Context) (int, error) {
	release, err := c.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	n := c.scheduler.RunReview()
	return n, c.queue.drain(ctx)
}

// ForceRollups dispatches every scheduled target regardless of its delay
// and waits for the rollups to finish.
func (c *Collection[T]) ForceRollups(ctx context.Context) (int, error) {
	release, err := c.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	n := c.scheduler.ForceScheduleAll()
	return n, c.queue.drain(ctx)
}

// Drain waits until every task queued so far has run.
func (c *Collection[T]) Drain(ctx context.Context) error {
	release, err := c.acquire()
	if err != nil {
		return err
	}
	defer release()

	return c.queue.drain(ctx)
}
