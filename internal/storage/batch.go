package storage

import (
	"context"
	"fmt"

	"github.com/xtxerr/timestore/internal/logging"
	"github.com/xtxerr/timestore/internal/storage/recovery"
	"github.com/xtxerr/timestore/internal/storage/types"
)

// UpdateAll applies fn to a copy of every record overlapping [min, max]
// selected by filter. The batch runs on the task queue and is logged as a
// single recovery entry. It returns the number of records updated.
func (c *Collection[T]) UpdateAll(ctx context.Context, min, max int64, filter Filter[T], fn func(key types.Key, v *T) error) (int, error) {
	return c.batch(ctx, "update_all", min, max, filter, func(r Record[T], old []byte) (recovery.Change, bool, error) {
		v, err := c.codec.Clone(r.Value)
		if err != nil {
			return recovery.Change{}, false, fmt.Errorf("clone value: %w", err)
		}
		if err := fn(r.Key, &v); err != nil {
			return recovery.Change{}, false, err
		}
		enc, err := c.encode(v)
		if err != nil {
			return recovery.Change{}, false, err
		}
		return recovery.Change{Key: r.Key, Old: old, New: enc}, true, nil
	})
}

// ReplaceAll stores fn's result for every record overlapping [min, max]
// selected by filter. It returns the number of records replaced.
func (c *Collection[T]) ReplaceAll(ctx context.Context, min, max int64, filter Filter[T], fn func(key types.Key, v T) (T, error)) (int, error) {
	return c.batch(ctx, "replace_all", min, max, filter, func(r Record[T], old []byte) (recovery.Change, bool, error) {
		v, err := fn(r.Key, r.Value)
		if err != nil {
			return recovery.Change{}, false, err
		}
		enc, err := c.encode(v)
		if err != nil {
			return recovery.Change{}, false, err
		}
		return recovery.Change{Key: r.Key, Old: old, New: enc}, true, nil
	})
}

// DeleteAll removes every record overlapping [min, max] selected by filter.
// It returns the number of records removed.
func (c *Collection[T]) DeleteAll(ctx context.Context, min, max int64, filter Filter[T]) (int, error) {
	return c.batch(ctx, "delete_all", min, max, filter, func(r Record[T], old []byte) (recovery.Change, bool, error) {
		return recovery.Change{Key: r.Key, Old: old}, true, nil
	})
}

type changeFunc[T any] func(r Record[T], old []byte) (recovery.Change, bool, error)

// batch computes one change per selected record and commits them as a
// single recovery entry. Changes come out of the scan in key order.
func (c *Collection[T]) batch(ctx context.Context, op string, min, max int64, filter Filter[T], change changeFunc[T]) (int, error) {
	release, err := c.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	ctx = logging.ContextWithCollection(ctx, c.name)
	ctx = logging.ContextWithOperation(ctx, op)

	var n int
	err = c.queue.do(ctx, func(ctx context.Context) error {
		var changes []recovery.Change
		err := c.each(ctx, min, max, filter, func(r Record[T], old []byte) (bool, error) {
			ch, ok, err := change(r, old)
			if err != nil {
				return false, fmt.Errorf("%s %s: %w", op, r.Key, err)
			}
			if ok {
				changes = append(changes, ch)
			}
			return true, nil
		})
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			return nil
		}

		if err := c.commit(changes); err != nil {
			return err
		}
		n = len(changes)

		c.stats.Batches.Add(1)
		for _, ch := range changes {
			if ch.IsDelete() {
				c.stats.Deletes.Add(1)
			} else {
				c.stats.Updates.Add(1)
			}
		}
		logging.WithContext(ctx).Debug("batch committed", "changes", n, "min", min, "max", max)
		return nil
	})
	return n, c.countError(op, err)
}
