package segment

import (
	"github.com/xtxerr/timestore/internal/storage/types"
)

// Visit receives one record of a query. Returning false stops the scan.
type Visit func(key types.Key, raw []byte) (bool, error)

// Owns reports whether this segment is the one that emits k for a query
// over [lo, hi]. A range key spanning several segments is stored in each
// of them but emitted only from the segment containing max(start, lo).
// Untimed keys are emitted when their grouping number lies in [lo, hi].
func (s *Segment) Owns(k types.Key, lo, hi int64) bool {
	switch k.Kind {
	case types.KindPoint:
		return k.Overlaps(lo, hi) && s.rng.Contains(k.Start)
	case types.KindRange:
		return k.Overlaps(lo, hi) && s.rng.Contains(max(k.Start, lo))
	default:
		g := k.GroupingNumber()
		return lo <= g && g <= hi && s.rng.Contains(g)
	}
}

// Query visits, in key order, every record this segment emits for
// [lo, hi]. It reports whether the scan ran to completion.
func (s *Segment) Query(lo, hi int64, visit Visit) (bool, error) {
	// Range keys that start before lo may be filed anywhere below it.
	it, err := s.Scan(s.rng.Start, s.rng.Clamp(hi))
	if err != nil {
		return false, err
	}
	defer it.Close()

	for {
		k, raw, ok := it.Next()
		if !ok {
			break
		}
		if !s.Owns(k, lo, hi) {
			continue
		}
		more, err := visit(k, raw)
		if err != nil {
			return false, err
		}
		if !more {
			return false, nil
		}
	}
	return true, it.Err()
}
