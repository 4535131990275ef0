// Package codec converts collection values to and from the bytes stored in
// data files.
package codec

import (
	"bytes"
	"fmt"

	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes, decodes and deep-copies values of type T. Every operation
// may fail.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(b []byte) (T, error)
	Clone(v T) (T, error)
}

// Bytes is the identity codec for raw byte values.
type Bytes struct{}

// Encode returns a copy of v.
func (Bytes) Encode(v []byte) ([]byte, error) {
	return bytes.Clone(nonNil(v)), nil
}

// Decode returns a copy of b.
func (Bytes) Decode(b []byte) ([]byte, error) {
	return bytes.Clone(nonNil(b)), nil
}

// Clone returns a copy of v.
func (Bytes) Clone(v []byte) ([]byte, error) {
	return bytes.Clone(nonNil(v)), nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// Msgpack encodes values with MessagePack. Map keys are sorted so equal
// values encode identically.
type Msgpack[T any] struct{}

// Encode encodes v.
func (Msgpack[T]) Encode(v T) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("encode %T using msgpack: %w", v, err)
	}
	return buf.Bytes(), nil
}

// Decode decodes b into a new T.
func (Msgpack[T]) Decode(b []byte) (T, error) {
	var v T
	var r bytes.Reader
	r.Reset(b)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	err := dec.Decode(&v)
	msgpack.PutDecoder(dec)
	if err != nil {
		return v, fmt.Errorf("decode msgpack into %T: %w", v, err)
	}
	return v, nil
}

// Clone deep-copies v through an encode/decode cycle.
func (m Msgpack[T]) Clone(v T) (T, error) {
	b, err := m.Encode(v)
	if err != nil {
		var zero T
		return zero, err
	}
	return m.Decode(b)
}

// Snappy compresses the output of another codec.
type Snappy[T any] struct {
	Inner Codec[T]
}

// NewSnappy wraps inner.
func NewSnappy[T any](inner Codec[T]) Snappy[T] {
	return Snappy[T]{Inner: inner}
}

// Encode encodes v with the inner codec and compresses the result.
func (s Snappy[T]) Encode(v T) ([]byte, error) {
	b, err := s.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, b), nil
}

// Decode decompresses b and decodes it with the inner codec.
func (s Snappy[T]) Decode(b []byte) (T, error) {
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("snappy decode: %w", err)
	}
	return s.Inner.Decode(raw)
}

// Clone delegates to the inner codec.
func (s Snappy[T]) Clone(v T) (T, error) {
	return s.Inner.Clone(v)
}
