package types

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	serrors "github.com/xtxerr/timestore/internal/errors"
)

// Entity is an immutable (key, value) pair as persisted. Value holds the
// codec's encoding and is opaque to the storage engine.
type Entity struct {
	Key   Key
	Value []byte
}

// Wire layout (protobuf wire format, no generated code):
//
//	Entity: 1 = Key (bytes), 2 = value (bytes)
//	Key:    1 = kind (varint), 2 = start (zigzag), 3 = end (zigzag), 4 = id (bytes, optional)
//
// Decoding is strict: unknown fields, wrong wire types, missing required
// fields and trailing garbage are all corruption.
const (
	fieldEntityKey   protowire.Number = 1
	fieldEntityValue protowire.Number = 2

	fieldKeyKind  protowire.Number = 1
	fieldKeyStart protowire.Number = 2
	fieldKeyEnd   protowire.Number = 3
	fieldKeyID    protowire.Number = 4
)

var errTruncated = errors.New("truncated field")

// AppendKey appends the wire encoding of k to b.
func AppendKey(b []byte, k Key) []byte {
	b = protowire.AppendTag(b, fieldKeyKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(k.Kind))
	b = protowire.AppendTag(b, fieldKeyStart, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(k.Start))
	b = protowire.AppendTag(b, fieldKeyEnd, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(k.End))
	if k.ID != "" {
		b = protowire.AppendTag(b, fieldKeyID, protowire.BytesType)
		b = protowire.AppendString(b, k.ID)
	}
	return b
}

// EncodeKey returns the wire encoding of k.
func EncodeKey(k Key) []byte {
	return AppendKey(nil, k)
}

// DecodeKey parses a key encoded by EncodeKey.
func DecodeKey(b []byte) (Key, error) {
	var k Key
	var seen [5]bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Key{}, corrupt("key tag", protowire.ParseError(n))
		}
		b = b[n:]
		if num < fieldKeyKind || num > fieldKeyID || seen[num] {
			return Key{}, corrupt("key", fmt.Errorf("unexpected field %d", num))
		}
		seen[num] = true

		if num == fieldKeyID {
			if typ != protowire.BytesType {
				return Key{}, corrupt("key id", fmt.Errorf("wire type %d", typ))
			}
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return Key{}, corrupt("key id", protowire.ParseError(n))
			}
			k.ID = s
			b = b[n:]
			continue
		}

		if typ != protowire.VarintType {
			return Key{}, corrupt("key", fmt.Errorf("field %d wire type %d", num, typ))
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return Key{}, corrupt("key", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldKeyKind:
			k.Kind = Kind(v)
		case fieldKeyStart:
			k.Start = protowire.DecodeZigZag(v)
		case fieldKeyEnd:
			k.End = protowire.DecodeZigZag(v)
		}
	}

	if !seen[fieldKeyKind] || !seen[fieldKeyStart] || !seen[fieldKeyEnd] {
		return Key{}, corrupt("key", errTruncated)
	}
	if err := k.Validate(); err != nil {
		return Key{}, corrupt("key", err)
	}
	return k, nil
}

// AppendEntity appends the wire encoding of e to b.
func AppendEntity(b []byte, e Entity) []byte {
	b = protowire.AppendTag(b, fieldEntityKey, protowire.BytesType)
	b = protowire.AppendBytes(b, EncodeKey(e.Key))
	b = protowire.AppendTag(b, fieldEntityValue, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Value)
	return b
}

// EncodeEntity returns the record payload for e.
func EncodeEntity(e Entity) []byte {
	return AppendEntity(nil, e)
}

// DecodeEntity parses a record payload. The returned Value aliases b.
func DecodeEntity(b []byte) (Entity, error) {
	key, rest, err := consumeKey(b)
	if err != nil {
		return Entity{}, err
	}

	num, typ, n := protowire.ConsumeTag(rest)
	if n < 0 {
		return Entity{}, corrupt("entity value tag", protowire.ParseError(n))
	}
	if num != fieldEntityValue || typ != protowire.BytesType {
		return Entity{}, corrupt("entity", fmt.Errorf("unexpected field %d", num))
	}
	rest = rest[n:]
	value, n := protowire.ConsumeBytes(rest)
	if n < 0 {
		return Entity{}, corrupt("entity value", protowire.ParseError(n))
	}
	if len(rest[n:]) != 0 {
		return Entity{}, corrupt("entity", fmt.Errorf("%d trailing bytes", len(rest[n:])))
	}
	return Entity{Key: key, Value: value}, nil
}

// DecodeEntityKey parses only the key of a record payload. Merges use it to
// order raw records without touching their values.
func DecodeEntityKey(b []byte) (Key, error) {
	key, _, err := consumeKey(b)
	return key, err
}

func consumeKey(b []byte) (Key, []byte, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return Key{}, nil, corrupt("entity key tag", protowire.ParseError(n))
	}
	if num != fieldEntityKey || typ != protowire.BytesType {
		return Key{}, nil, corrupt("entity", fmt.Errorf("unexpected field %d", num))
	}
	b = b[n:]
	raw, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return Key{}, nil, corrupt("entity key", protowire.ParseError(n))
	}
	key, err := DecodeKey(raw)
	if err != nil {
		return Key{}, nil, err
	}
	return key, b[n:], nil
}

func corrupt(what string, err error) error {
	return serrors.NewCorrupt("decode "+what, err)
}
