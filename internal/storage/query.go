package storage

import (
	"context"
	"fmt"

	serrors "github.com/xtxerr/timestore/internal/errors"
	"github.com/xtxerr/timestore/internal/storage/types"
)

// Record is a decoded key/value pair returned by queries.
type Record[T any] struct {
	Key   types.Key
	Value T
}

// Filter selects records in a query. A nil Filter selects every record.
type Filter[T any] func(key types.Key, v T) bool

// visitRaw receives the key and encoded value of each record. Returning
// false stops the scan.
type visitRaw func(key types.Key, value []byte) (bool, error)

// scan visits every record overlapping [min, max] in key order. Each record
// is visited once, even when its key spans several segments.
func (c *Collection[T]) scan(ctx context.Context, min, max int64, visit visitRaw) error {
	if min > max {
		return serrors.NewInvalidRange(min, max, "min after max")
	}
	segs, err := c.layout.ExistingSegments(ctx, min, max)
	if err != nil {
		return err
	}

	c.stats.Queries.Add(1)
	c.metrics.QueriesTotal.Inc()

	for _, info := range segs {
		if err := ctx.Err(); err != nil {
			return err
		}
		seg := c.segment(info)
		more, err := seg.Query(min, max, func(k types.Key, raw []byte) (bool, error) {
			e, err := types.DecodeEntity(raw)
			if err != nil {
				// The key decoded, so the frame is intact; the value is not.
				c.onCorrupt(seg.Path(), err)
				log.Warn("skipping undecodable record", "segment", seg.Path(), "key", k, "error", err)
				return true, nil
			}
			return visit(e.Key, e.Value)
		})
		c.reportRead(seg, seg.Range().Clamp(min), seg.Range().Clamp(max))
		if err != nil {
			return fmt.Errorf("query segment %s: %w", info.Range, err)
		}
		if !more {
			return nil
		}
	}
	return nil
}

// each decodes records overlapping [min, max] and passes those selected by
// filter to fn.
func (c *Collection[T]) each(ctx context.Context, min, max int64, filter Filter[T], fn func(Record[T], []byte) (bool, error)) error {
	return c.scan(ctx, min, max, func(k types.Key, raw []byte) (bool, error) {
		v, err := c.codec.Decode(raw)
		if err != nil {
			return false, fmt.Errorf("decode %s: %w", k, err)
		}
		if filter != nil && !filter(k, v) {
			return true, nil
		}
		return fn(Record[T]{Key: k, Value: v}, raw)
	})
}

// Query returns the records overlapping [min, max] selected by filter, in
// key order. Untimed keys are included only when their grouping number (a
// hash of the id) lies in [min, max].
func (c *Collection[T]) Query(min, max int64, filter Filter[T]) ([]Record[T], error) {
	release, err := c.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	var out []Record[T]
	err = c.each(context.Background(), min, max, filter, func(r Record[T], _ []byte) (bool, error) {
		out = append(out, r)
		return true, nil
	})
	if err != nil {
		return nil, c.countError("query", err)
	}
	c.metrics.RecordsReturned.Add(float64(len(out)))
	return out, nil
}

// First returns the lowest record overlapping [min, max].
func (c *Collection[T]) First(min, max int64) (Record[T], bool, error) {
	release, err := c.acquire()
	if err != nil {
		return Record[T]{}, false, err
	}
	defer release()

	var (
		out   Record[T]
		found bool
	)
	err = c.each(context.Background(), min, max, nil, func(r Record[T], _ []byte) (bool, error) {
		out, found = r, true
		return false, nil
	})
	if err != nil {
		return Record[T]{}, false, c.countError("first", err)
	}
	return out, found, nil
}

// Last returns the highest record overlapping [min, max].
func (c *Collection[T]) Last(min, max int64) (Record[T], bool, error) {
	release, err := c.acquire()
	if err != nil {
		return Record[T]{}, false, err
	}
	defer release()

	var (
		lastKey types.Key
		lastRaw []byte
		found   bool
	)
	err = c.scan(context.Background(), min, max, func(k types.Key, raw []byte) (bool, error) {
		lastKey, lastRaw, found = k, raw, true
		return true, nil
	})
	if err != nil || !found {
		return Record[T]{}, false, c.countError("last", err)
	}
	v, err := c.codec.Decode(lastRaw)
	if err != nil {
		return Record[T]{}, false, c.countError("last", fmt.Errorf("decode %s: %w", lastKey, err))
	}
	return Record[T]{Key: lastKey, Value: v}, true, nil
}

// Count returns the number of records overlapping [min, max].
func (c *Collection[T]) Count(min, max int64) (int, error) {
	release, err := c.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	var n int
	err = c.scan(context.Background(), min, max, func(types.Key, []byte) (bool, error) {
		n++
		return true, nil
	})
	return n, c.countError("count", err)
}

// Scan visits the encoded value of every record overlapping [min, max] in
// key order until fn returns false. The slice passed to fn is only valid
// during the call.
func (c *Collection[T]) Scan(ctx context.Context, min, max int64, fn func(key types.Key, value []byte) (bool, error)) error {
	release, err := c.acquire()
	if err != nil {
		return err
	}
	defer release()

	return c.countError("scan", c.scan(ctx, min, max, fn))
}
