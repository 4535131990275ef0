package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	serrors "github.com/xtxerr/timestore/internal/errors"
)

// Range is an inclusive interval of grouping numbers.
// Directory and data file names are Range.String() values.
type Range struct {
	Start int64
	End   int64
}

// NewRange returns the range [start, end]. start must not exceed end.
func NewRange(start, end int64) (Range, error) {
	if start > end {
		return Range{}, serrors.NewInvalidRange(start, end, "start after end")
	}
	return Range{Start: start, End: end}, nil
}

// Length returns End-Start+1, saturating at math.MaxInt64.
func (r Range) Length() int64 {
	d := uint64(r.End) - uint64(r.Start)
	if d >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(d) + 1
}

// Contains reports whether g lies inside the range.
func (r Range) Contains(g int64) bool {
	return r.Start <= g && g <= r.End
}

// Overlaps reports whether the range shares at least one value with [min, max].
func (r Range) Overlaps(min, max int64) bool {
	return r.Start <= max && r.End >= min
}

// OverlapsRange is Overlaps for another Range.
func (r Range) OverlapsRange(o Range) bool {
	return r.Overlaps(o.Start, o.End)
}

// Encloses reports whether o lies entirely inside r.
func (r Range) Encloses(o Range) bool {
	return r.Start <= o.Start && o.End <= r.End
}

// Clamp returns g limited to the range.
func (r Range) Clamp(g int64) int64 {
	if g < r.Start {
		return r.Start
	}
	if g > r.End {
		return r.End
	}
	return g
}

// String returns the on-disk name "{start}_{end}".
func (r Range) String() string {
	return strconv.FormatInt(r.Start, 10) + "_" + strconv.FormatInt(r.End, 10)
}

// Compare orders ranges by start, then end.
func (r Range) Compare(o Range) int {
	switch {
	case r.Start < o.Start:
		return -1
	case r.Start > o.Start:
		return 1
	case r.End < o.End:
		return -1
	case r.End > o.End:
		return 1
	default:
		return 0
	}
}

// ParseRange parses a "{start}_{end}" name. Anything else, including
// temp-prefixed names and ranges with start after end, is an error.
func ParseRange(name string) (Range, error) {
	lo, hi, ok := strings.Cut(name, "_")
	if !ok {
		return Range{}, fmt.Errorf("%q: missing separator: %w", name, serrors.ErrInvalidPath)
	}
	start, err := strconv.ParseInt(lo, 10, 64)
	if err != nil {
		return Range{}, fmt.Errorf("%q: %w", name, serrors.ErrInvalidPath)
	}
	end, err := strconv.ParseInt(hi, 10, 64)
	if err != nil {
		return Range{}, fmt.Errorf("%q: %w", name, serrors.ErrInvalidPath)
	}
	if start > end {
		return Range{}, fmt.Errorf("%q: start after end: %w", name, serrors.ErrInvalidPath)
	}
	return Range{Start: start, End: end}, nil
}

// NameOverlaps reports whether name parses as a range overlapping [min, max].
// Malformed names never overlap.
func NameOverlaps(name string, min, max int64) bool {
	r, err := ParseRange(name)
	if err != nil {
		return false
	}
	return r.Overlaps(min, max)
}

// NameEnclosed reports whether name parses as a range enclosed by [min, max].
// Malformed names are never enclosed.
func NameEnclosed(name string, min, max int64) bool {
	r, err := ParseRange(name)
	if err != nil {
		return false
	}
	return min <= r.Start && r.End <= max
}
