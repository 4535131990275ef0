package recovery

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	serrors "github.com/xtxerr/timestore/internal/errors"
	"github.com/xtxerr/timestore/internal/storage/types"
)

// Kind identifies the payload of an Entry.
type Kind uint8

const (
	// KindBatch is a set of individual record changes.
	KindBatch Kind = iota + 1

	// KindRollup is a file merge inside one segment.
	KindRollup
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindBatch:
		return "batch"
	case KindRollup:
		return "rollup"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Change is one record transition. A nil Old means the record did not exist;
// a nil New means it is deleted. Values are codec encodings.
type Change struct {
	Key types.Key
	Old []byte
	New []byte
}

// IsDelete reports whether the change removes the record.
func (c Change) IsDelete() bool {
	return c.New == nil
}

// Rollup names the file range to merge in a segment.
type Rollup struct {
	SegmentGroupingNumber int64
	Range                 types.Range
}

// Entry is a pending operation. ID and Created are assigned by Save.
type Entry struct {
	ID      uint64
	Created int64 // unix ms
	Kind    Kind
	Changes []Change // KindBatch, sorted by key
	Rollup  Rollup   // KindRollup
}

// NewBatch returns a batch entry for changes.
func NewBatch(changes ...Change) Entry {
	return Entry{Kind: KindBatch, Changes: changes}
}

// NewRollup returns a rollup entry.
func NewRollup(segmentGroupingNumber int64, r types.Range) Entry {
	return Entry{Kind: KindRollup, Rollup: Rollup{SegmentGroupingNumber: segmentGroupingNumber, Range: r}}
}

// Wire layout:
//
//	Entry:  1 = id, 2 = created (zigzag), 3 = kind, 4 = change (repeated bytes), 5 = rollup (bytes)
//	Change: 1 = key (bytes), 2 = old (bytes, optional), 3 = new (bytes, optional)
//	Rollup: 1 = segment grouping number (zigzag), 2 = start (zigzag), 3 = end (zigzag)
const (
	fieldEntryID      protowire.Number = 1
	fieldEntryCreated protowire.Number = 2
	fieldEntryKind    protowire.Number = 3
	fieldEntryChange  protowire.Number = 4
	fieldEntryRollup  protowire.Number = 5

	fieldChangeKey protowire.Number = 1
	fieldChangeOld protowire.Number = 2
	fieldChangeNew protowire.Number = 3

	fieldRollupSegment protowire.Number = 1
	fieldRollupStart   protowire.Number = 2
	fieldRollupEnd     protowire.Number = 3
)

// Encode returns the wire encoding of e.
func Encode(e Entry) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldEntryID, protowire.VarintType)
	b = protowire.AppendVarint(b, e.ID)
	b = protowire.AppendTag(b, fieldEntryCreated, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(e.Created))
	b = protowire.AppendTag(b, fieldEntryKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind))

	switch e.Kind {
	case KindBatch:
		for _, c := range e.Changes {
			b = protowire.AppendTag(b, fieldEntryChange, protowire.BytesType)
			b = protowire.AppendBytes(b, encodeChange(c))
		}
	case KindRollup:
		var r []byte
		r = protowire.AppendTag(r, fieldRollupSegment, protowire.VarintType)
		r = protowire.AppendVarint(r, protowire.EncodeZigZag(e.Rollup.SegmentGroupingNumber))
		r = protowire.AppendTag(r, fieldRollupStart, protowire.VarintType)
		r = protowire.AppendVarint(r, protowire.EncodeZigZag(e.Rollup.Range.Start))
		r = protowire.AppendTag(r, fieldRollupEnd, protowire.VarintType)
		r = protowire.AppendVarint(r, protowire.EncodeZigZag(e.Rollup.Range.End))
		b = protowire.AppendTag(b, fieldEntryRollup, protowire.BytesType)
		b = protowire.AppendBytes(b, r)
	}
	return b
}

func encodeChange(c Change) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldChangeKey, protowire.BytesType)
	b = protowire.AppendBytes(b, types.EncodeKey(c.Key))
	if c.Old != nil {
		b = protowire.AppendTag(b, fieldChangeOld, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Old)
	}
	if c.New != nil {
		b = protowire.AppendTag(b, fieldChangeNew, protowire.BytesType)
		b = protowire.AppendBytes(b, c.New)
	}
	return b
}

// Decode parses an entry. Every failure wraps ErrCorruptEntry.
func Decode(b []byte) (Entry, error) {
	var (
		e         Entry
		hasRollup bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Entry{}, corrupt(protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldEntryID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Entry{}, corrupt(protowire.ParseError(n))
			}
			e.ID = v
			b = b[n:]
		case num == fieldEntryCreated && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Entry{}, corrupt(protowire.ParseError(n))
			}
			e.Created = protowire.DecodeZigZag(v)
			b = b[n:]
		case num == fieldEntryKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Entry{}, corrupt(protowire.ParseError(n))
			}
			e.Kind = Kind(v)
			b = b[n:]
		case num == fieldEntryChange && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Entry{}, corrupt(protowire.ParseError(n))
			}
			c, err := decodeChange(v)
			if err != nil {
				return Entry{}, err
			}
			e.Changes = append(e.Changes, c)
			b = b[n:]
		case num == fieldEntryRollup && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Entry{}, corrupt(protowire.ParseError(n))
			}
			r, err := decodeRollup(v)
			if err != nil {
				return Entry{}, err
			}
			e.Rollup = r
			hasRollup = true
			b = b[n:]
		default:
			return Entry{}, corrupt(fmt.Errorf("unexpected field %d (wire type %d)", num, typ))
		}
	}

	switch e.Kind {
	case KindBatch:
		if hasRollup {
			return Entry{}, corrupt(errors.New("batch entry carries a rollup"))
		}
	case KindRollup:
		if !hasRollup || len(e.Changes) > 0 {
			return Entry{}, corrupt(errors.New("malformed rollup entry"))
		}
		if e.Rollup.Range.Start > e.Rollup.Range.End {
			return Entry{}, corrupt(errors.New("rollup range start after end"))
		}
	default:
		return Entry{}, corrupt(fmt.Errorf("unknown kind %d", e.Kind))
	}
	return e, nil
}

func decodeChange(b []byte) (Change, error) {
	var (
		c      Change
		hasKey bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Change{}, corrupt(protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			return Change{}, corrupt(fmt.Errorf("change field %d: wire type %d", num, typ))
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return Change{}, corrupt(protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldChangeKey:
			k, err := types.DecodeKey(v)
			if err != nil {
				return Change{}, corrupt(err)
			}
			c.Key = k
			hasKey = true
		case fieldChangeOld:
			c.Old = append([]byte{}, v...)
		case fieldChangeNew:
			c.New = append([]byte{}, v...)
		default:
			return Change{}, corrupt(fmt.Errorf("unexpected change field %d", num))
		}
	}
	if !hasKey {
		return Change{}, corrupt(errors.New("change without key"))
	}
	return c, nil
}

func decodeRollup(b []byte) (Rollup, error) {
	var (
		r    Rollup
		seen [4]bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Rollup{}, corrupt(protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.VarintType || num < fieldRollupSegment || num > fieldRollupEnd {
			return Rollup{}, corrupt(fmt.Errorf("unexpected rollup field %d", num))
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return Rollup{}, corrupt(protowire.ParseError(n))
		}
		b = b[n:]
		seen[num] = true

		switch num {
		case fieldRollupSegment:
			r.SegmentGroupingNumber = protowire.DecodeZigZag(v)
		case fieldRollupStart:
			r.Range.Start = protowire.DecodeZigZag(v)
		case fieldRollupEnd:
			r.Range.End = protowire.DecodeZigZag(v)
		}
	}
	if !seen[fieldRollupSegment] || !seen[fieldRollupStart] || !seen[fieldRollupEnd] {
		return Rollup{}, corrupt(errors.New("rollup missing fields"))
	}
	return r, nil
}

func corrupt(err error) error {
	return fmt.Errorf("%w: %v", serrors.ErrCorruptEntry, err)
}
