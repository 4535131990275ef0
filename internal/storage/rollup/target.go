// Package rollup decides when a file range inside a segment is quiet enough
// to be merged.
//
// Every read or write pushes the target's scheduled time forward by the
// corresponding delay. A periodic review dispatches targets whose scheduled
// time has passed; the dispatcher (normally the collection's task queue)
// performs the merge.
package rollup

import (
	"fmt"
	"math"

	"github.com/xtxerr/timestore/internal/storage/types"
)

// Target is a rollup range inside one segment. Two targets are the same
// target when segment and range match; delays are not part of identity.
type Target struct {
	SegmentGroupingNumber int64
	Range                 types.Range

	// Delays in milliseconds.
	WriteDelay int64
	ReadDelay  int64
}

// NewTarget returns a target whose delays default to the range length.
func NewTarget(segmentGroupingNumber int64, r types.Range) Target {
	return Target{
		SegmentGroupingNumber: segmentGroupingNumber,
		Range:                 r,
		WriteDelay:            r.Length(),
		ReadDelay:             r.Length(),
	}
}

// String returns the string representation of the target.
func (t Target) String() string {
	return fmt.Sprintf("%d/%s", t.SegmentGroupingNumber, t.Range)
}

type targetKey struct {
	segment int64
	rng     types.Range
}

func (t Target) key() targetKey {
	return targetKey{segment: t.SegmentGroupingNumber, rng: t.Range}
}

// addSaturating returns a+b clamped to the int64 range. b is non-negative.
func addSaturating(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}
