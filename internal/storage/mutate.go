package storage

import (
	"context"
	"errors"
	"fmt"
	"math"

	serrors "github.com/xtxerr/timestore/internal/errors"
	"github.com/xtxerr/timestore/internal/storage/config"
	"github.com/xtxerr/timestore/internal/storage/layout"
	"github.com/xtxerr/timestore/internal/storage/recovery"
	"github.com/xtxerr/timestore/internal/storage/rollup"
	"github.com/xtxerr/timestore/internal/storage/segment"
	"github.com/xtxerr/timestore/internal/storage/types"
)

// =============================================================================
// Point operations
// =============================================================================

// Insert stores value under key. It returns ErrDuplicateKey if a record
// with key already exists.
func (c *Collection[T]) Insert(key types.Key, value T) error {
	release, err := c.acquire()
	if err != nil {
		return err
	}
	defer release()

	return c.countError("insert", c.serial(func() error {
		return c.insert(key, value)
	}))
}

func (c *Collection[T]) insert(key types.Key, value T) error {
	if err := key.Validate(); err != nil {
		return err
	}
	_, found, err := c.getRaw(key)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("insert %s: %w", key, serrors.ErrDuplicateKey)
	}

	enc, err := c.encode(value)
	if err != nil {
		return err
	}
	if err := c.commit([]recovery.Change{{Key: key, New: enc}}); err != nil {
		return err
	}
	c.stats.Inserts.Add(1)
	return nil
}

// Get returns the value stored under key.
func (c *Collection[T]) Get(key types.Key) (T, bool, error) {
	var zero T

	release, err := c.acquire()
	if err != nil {
		return zero, false, err
	}
	defer release()

	if err := key.Validate(); err != nil {
		return zero, false, err
	}
	c.countRead()
	raw, found, err := c.getRaw(key)
	if err != nil || !found {
		return zero, false, c.countError("get", err)
	}
	v, err := c.codec.Decode(raw)
	if err != nil {
		return zero, false, c.countError("get", fmt.Errorf("decode %s: %w", key, err))
	}
	return v, true, nil
}

// Contains reports whether a record with key exists.
func (c *Collection[T]) Contains(key types.Key) (bool, error) {
	release, err := c.acquire()
	if err != nil {
		return false, err
	}
	defer release()

	if err := key.Validate(); err != nil {
		return false, err
	}
	c.countRead()
	_, found, err := c.getRaw(key)
	return found, c.countError("contains", err)
}

// Update applies fn to a copy of the value stored under key and stores the
// result. It returns ErrNotFound if there is no such record. fn runs on the
// task queue and must not call back into the collection.
func (c *Collection[T]) Update(key types.Key, fn func(v *T) error) error {
	release, err := c.acquire()
	if err != nil {
		return err
	}
	defer release()

	return c.countError("update", c.serial(func() error {
		return c.update(key, fn)
	}))
}

func (c *Collection[T]) update(key types.Key, fn func(v *T) error) error {
	if err := key.Validate(); err != nil {
		return err
	}
	old, found, err := c.getRaw(key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("update %s: %w", key, serrors.ErrNotFound)
	}

	v, err := c.decodeClone(old)
	if err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	if err := fn(&v); err != nil {
		return err
	}
	enc, err := c.encode(v)
	if err != nil {
		return err
	}
	if err := c.commit([]recovery.Change{{Key: key, Old: old, New: enc}}); err != nil {
		return err
	}
	c.stats.Updates.Add(1)
	return nil
}

// Replace stores value under key whether or not a record exists. It
// reports whether a previous record was replaced.
func (c *Collection[T]) Replace(key types.Key, value T) (bool, error) {
	release, err := c.acquire()
	if err != nil {
		return false, err
	}
	defer release()

	var replaced bool
	err = c.serial(func() error {
		var err error
		replaced, err = c.replace(key, value)
		return err
	})
	return replaced, c.countError("replace", err)
}

func (c *Collection[T]) replace(key types.Key, value T) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	old, found, err := c.getRaw(key)
	if err != nil {
		return false, err
	}
	enc, err := c.encode(value)
	if err != nil {
		return false, err
	}
	if err := c.commit([]recovery.Change{{Key: key, Old: old, New: enc}}); err != nil {
		return false, err
	}
	if found {
		c.stats.Updates.Add(1)
	} else {
		c.stats.Inserts.Add(1)
	}
	return found, nil
}

// Delete removes the record stored under key. It reports whether a record
// was removed.
func (c *Collection[T]) Delete(key types.Key) (bool, error) {
	release, err := c.acquire()
	if err != nil {
		return false, err
	}
	defer release()

	var deleted bool
	err = c.serial(func() error {
		var err error
		deleted, err = c.delete(key)
		return err
	})
	return deleted, c.countError("delete", err)
}

func (c *Collection[T]) delete(key types.Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	old, found, err := c.getRaw(key)
	if err != nil || !found {
		return false, err
	}
	if err := c.commit([]recovery.Change{{Key: key, Old: old}}); err != nil {
		return false, err
	}
	c.stats.Deletes.Add(1)
	return true, nil
}

// =============================================================================
// Internals
// =============================================================================

// serial runs a point mutation on the task queue, so its existence check
// and its write see no other writer in between.
func (c *Collection[T]) serial(fn func() error) error {
	return c.queue.do(context.Background(), func(context.Context) error {
		return fn()
	})
}

// getRaw reads the encoded value of key from the segment holding its
// grouping number. Range keys have a copy in every segment they span; the
// first one is authoritative for reads.
func (c *Collection[T]) getRaw(key types.Key) ([]byte, bool, error) {
	seg := c.Segment(key.GroupingNumber())
	e, found, err := seg.Get(key)
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	c.reportRead(seg, seg.Placement(key), seg.Placement(key))
	if !found {
		return nil, false, nil
	}
	// A nil Old marks an insert in the recovery log.
	if e.Value == nil {
		return []byte{}, true, nil
	}
	return e.Value, true, nil
}

func (c *Collection[T]) encode(v T) ([]byte, error) {
	b, err := c.codec.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	// A nil New marks a delete in the recovery log.
	if b == nil {
		b = []byte{}
	}
	return b, nil
}

func (c *Collection[T]) decodeClone(b []byte) (T, error) {
	v, err := c.codec.Decode(b)
	if err != nil {
		return v, fmt.Errorf("decode value: %w", err)
	}
	v, err = c.codec.Clone(v)
	if err != nil {
		return v, fmt.Errorf("clone value: %w", err)
	}
	return v, nil
}

// commit logs changes as one recovery entry, applies them, and marks the
// entry complete. If applying fails the changes made so far are rolled back
// and the entry completed. An entry that can be neither applied nor rolled
// back stays pending for the next Open, and the collection refuses further
// mutations so no later write is overtaken by its replay.
func (c *Collection[T]) commit(changes []recovery.Change) error {
	if err := c.failure(); err != nil {
		return err
	}

	h, err := c.recovery.Save(recovery.NewBatch(changes...))
	if err != nil {
		return err
	}
	c.metrics.RecoveryPending.Inc()

	for i, ch := range changes {
		if err := c.applyChange(ch); err != nil {
			err = fmt.Errorf("apply %s: %w", ch.Key, err)
			if rerr := c.rollback(changes[:i+1]); rerr != nil {
				c.fail(rerr)
				return errors.Join(err, rerr)
			}
			if cerr := c.recovery.Complete(h); cerr != nil {
				c.fail(cerr)
				return errors.Join(err, cerr)
			}
			c.metrics.RecoveryPending.Dec()
			return err
		}
	}

	if err := c.recovery.Complete(h); err != nil {
		c.fail(err)
		return err
	}
	c.metrics.RecoveryPending.Dec()

	for _, ch := range changes {
		c.metrics.WritesTotal.Inc()
		c.reportWrite(ch.Key)
		if !ch.IsDelete() {
			c.trackMax(ch.Key.GroupingNumber())
		}
	}
	return nil
}

// rollback restores the old values of changes, newest first. Restoring is
// itself an upsert or delete, so a partly applied change is undone too.
func (c *Collection[T]) rollback(changes []recovery.Change) error {
	for i := len(changes) - 1; i >= 0; i-- {
		ch := changes[i]
		if err := c.applyChange(recovery.Change{Key: ch.Key, New: ch.Old}); err != nil {
			return serrors.Wrapf(err, "roll back %s", ch.Key)
		}
	}
	return nil
}

// fail disables mutations after a recovery entry was left unresolved.
// Reads keep working; the entry is replayed on the next Open.
func (c *Collection[T]) fail(err error) {
	if c.failed.CompareAndSwap(nil, &err) {
		log.Error("mutations disabled until reopen", "collection", c.name, "error", err)
	}
}

// failure returns the error that disabled mutations, if any.
func (c *Collection[T]) failure() error {
	if p := c.failed.Load(); p != nil {
		return fmt.Errorf("collection %s: %w: %w", c.name, serrors.ErrClosed, *p)
	}
	return nil
}

// apply performs a recovery entry. It is used by replay, so applying an
// entry that had already been applied must be harmless.
func (c *Collection[T]) apply(e recovery.Entry) error {
	switch e.Kind {
	case recovery.KindBatch:
		for _, ch := range e.Changes {
			if err := c.applyChange(ch); err != nil {
				return fmt.Errorf("apply %s: %w", ch.Key, err)
			}
			if !ch.IsDelete() {
				c.trackMax(ch.Key.GroupingNumber())
			}
		}
		return nil
	case recovery.KindRollup:
		seg := c.Segment(e.Rollup.SegmentGroupingNumber)
		_, err := seg.Rollup(e.Rollup.Range)
		return err
	default:
		return fmt.Errorf("entry %d: unknown kind %s: %w", e.ID, e.Kind, serrors.ErrCorruptEntry)
	}
}

// applyChange upserts or deletes the record in every segment its key is
// stored in.
func (c *Collection[T]) applyChange(ch recovery.Change) error {
	for _, info := range c.layout.Candidates(ch.Key) {
		seg := c.segment(info)
		var err error
		if ch.IsDelete() {
			_, err = seg.Delete(ch.Key)
		} else {
			_, err = seg.Put(types.Entity{Key: ch.Key, Value: ch.New})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Scheduler reports
// =============================================================================

func (c *Collection[T]) target(seg *segment.Segment, r types.Range) rollup.Target {
	return rollup.Target{
		SegmentGroupingNumber: seg.GroupingNumber(),
		Range:                 r,
		WriteDelay:            config.DelayFor(c.cfg.Rollup.WriteDelay, r.Length()),
		ReadDelay:             config.DelayFor(c.cfg.Rollup.ReadDelay, r.Length()),
	}
}

func (c *Collection[T]) reportWrite(key types.Key) {
	for _, info := range c.layout.Candidates(key) {
		seg := c.segment(info)
		for _, r := range seg.RollupRanges(seg.Placement(key)) {
			c.scheduler.ReportWrite(c.target(seg, r))
		}
	}
}

// reportRead reports a read of [lo, hi] in seg to every rollup target the
// window touches. lo and hi lie inside the segment.
func (c *Collection[T]) reportRead(seg *segment.Segment, lo, hi int64) {
	if c.scheduler == nil {
		return
	}
	for _, l := range c.cfg.Rollup.Levels[1:] {
		for g := lo; ; {
			r := layout.RangeFor(g, l)
			c.scheduler.ReportRead(c.target(seg, r))
			if r.End >= hi || r.End == math.MaxInt64 {
				break
			}
			g = r.End + 1
		}
	}
}

func (c *Collection[T]) countRead() {
	c.stats.Reads.Add(1)
	c.metrics.ReadsTotal.Inc()
}
