package types

import (
	"cmp"
	"fmt"
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"

	serrors "github.com/xtxerr/timestore/internal/errors"
)

// Kind tags the Key variant.
type Kind uint8

const (
	// KindPoint addresses a single instant.
	KindPoint Kind = iota + 1

	// KindRange addresses an inclusive time range [Start, End].
	KindRange

	// KindID addresses an untimed record by identifier.
	KindID
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindPoint:
		return "point"
	case KindRange:
		return "range"
	case KindID:
		return "id"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Key addresses a record. Point and range keys may carry an ID so that
// several records can share the same instant; for KindID the ID is the
// whole key and Start/End are unused.
type Key struct {
	Kind  Kind
	Start int64
	End   int64
	ID    string
}

// PointKey returns a point-in-time key at t.
func PointKey(t int64) Key {
	return Key{Kind: KindPoint, Start: t, End: t}
}

// PointKeyWithID returns a point-in-time key at t discriminated by id.
func PointKeyWithID(t int64, id string) Key {
	return Key{Kind: KindPoint, Start: t, End: t, ID: id}
}

// RangeKey returns a time-range key covering [start, end].
func RangeKey(start, end int64) Key {
	return Key{Kind: KindRange, Start: start, End: end}
}

// RangeKeyWithID returns a time-range key discriminated by id.
func RangeKeyWithID(start, end int64, id string) Key {
	return Key{Kind: KindRange, Start: start, End: end, ID: id}
}

// IDKey returns an untimed key.
func IDKey(id string) Key {
	return Key{Kind: KindID, ID: id}
}

// Validate checks the variant's invariants.
func (k Key) Validate() error {
	switch k.Kind {
	case KindPoint:
		if k.Start != k.End {
			return fmt.Errorf("point key %d/%d: %w", k.Start, k.End, serrors.ErrInvalidKey)
		}
	case KindRange:
		if k.Start > k.End {
			return fmt.Errorf("range key [%d, %d]: start after end: %w", k.Start, k.End, serrors.ErrInvalidKey)
		}
	case KindID:
		if k.ID == "" {
			return fmt.Errorf("id key: empty id: %w", serrors.ErrInvalidKey)
		}
	default:
		return fmt.Errorf("kind %d: %w", k.Kind, serrors.ErrInvalidKey)
	}
	return nil
}

// IsTimed reports whether the key carries a time value.
func (k Key) IsTimed() bool {
	return k.Kind == KindPoint || k.Kind == KindRange
}

// GroupingNumber returns the value used for placement: the point time, the
// range start, or a non-negative hash of the id.
func (k Key) GroupingNumber() int64 {
	if k.Kind == KindID {
		return int64(xxhash.Sum64String(k.ID) & math.MaxInt64)
	}
	return k.Start
}

// Overlaps reports whether the key matches the query window [min, max].
// Untimed keys always match.
func (k Key) Overlaps(min, max int64) bool {
	switch k.Kind {
	case KindPoint:
		return min <= k.Start && k.Start <= max
	case KindRange:
		return k.Start <= max && k.End >= min
	default:
		return true
	}
}

// Compare orders keys by grouping number; at equal grouping numbers time
// keys sort before untimed keys, then by kind, end and id.
func (k Key) Compare(o Key) int {
	if c := cmp.Compare(k.GroupingNumber(), o.GroupingNumber()); c != 0 {
		return c
	}
	if k.IsTimed() != o.IsTimed() {
		if k.IsTimed() {
			return -1
		}
		return 1
	}
	if c := cmp.Compare(k.Kind, o.Kind); c != 0 {
		return c
	}
	if c := cmp.Compare(k.End, o.End); c != 0 {
		return c
	}
	return strings.Compare(k.ID, o.ID)
}

// Equal reports whether both keys address the same record.
func (k Key) Equal(o Key) bool {
	return k.Compare(o) == 0
}

// String returns a human-readable form used in logs and the CLI.
func (k Key) String() string {
	var s string
	switch k.Kind {
	case KindPoint:
		s = fmt.Sprintf("@%d", k.Start)
	case KindRange:
		s = fmt.Sprintf("[%d..%d]", k.Start, k.End)
	case KindID:
		return "#" + k.ID
	default:
		return fmt.Sprintf("?%d", k.Kind)
	}
	if k.ID != "" {
		s += "#" + k.ID
	}
	return s
}
