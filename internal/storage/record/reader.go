// Package record reads and writes data files as sequences of framed records.
//
// File format:
//   - Records: [4 bytes big-endian length][payload]
//
// There is no header and no checksum; payload integrity is checked by the
// decoder. A frame that fails to decode is skipped, while a truncated tail
// or an implausible length ends the sequence.
package record

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/xtxerr/timestore/internal/logging"
	"github.com/xtxerr/timestore/internal/storage/lock"
)

var log = logging.Component("record")

const frameHeaderSize = 4

// DefaultMaxRecordSize bounds a single frame when no option overrides it.
const DefaultMaxRecordSize = 64 * 1024 * 1024

// DecodeFunc turns a frame payload into a value.
type DecodeFunc[T any] func([]byte) (T, error)

// Option configures a Reader.
type Option func(*options)

type options struct {
	maxRecordSize int
	onCorrupt     func(path string, err error)
}

// WithMaxRecordSize sets the largest frame accepted before the stream is
// considered truncated.
func WithMaxRecordSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRecordSize = n
		}
	}
}

// WithCorruptHandler registers a callback invoked for every skipped frame.
func WithCorruptHandler(fn func(path string, err error)) Option {
	return func(o *options) {
		o.onCorrupt = fn
	}
}

// ReaderStats holds reader statistics.
type ReaderStats struct {
	RecordsRead    int64
	BytesRead      int64
	CorruptRecords int64
	Truncated      bool
}

type frame[T any] struct {
	raw   []byte
	value T
}

// Reader is a lazy, forward-only iterator over the records of one file.
// HasNext, Peek and PeekRaw never consume a record.
type Reader[T any] struct {
	path      string
	file      *os.File
	br        *bufio.Reader
	remaining int64

	decode DecodeFunc[T]
	opts   options

	token *lock.Token // owned; nil for OpenLocked

	next *frame[T]
	last []byte
	done bool
	err  error

	stats ReaderStats
}

// Open read-locks path and opens it. Close releases the lock.
func Open[T any](reg *lock.Registry, path string, decode DecodeFunc[T], opts ...Option) (*Reader[T], error) {
	tok := reg.AcquireRead(path)
	r, err := open(path, decode, opts)
	if err != nil {
		tok.Release()
		return nil, err
	}
	r.token = tok
	return r, nil
}

// OpenLocked opens path under a lock the caller already holds. Close does
// not release it.
func OpenLocked[T any](path string, decode DecodeFunc[T], opts ...Option) (*Reader[T], error) {
	return open(path, decode, opts)
}

func open[T any](path string, decode DecodeFunc[T], opts []Option) (*Reader[T], error) {
	o := options{maxRecordSize: DefaultMaxRecordSize}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Reader[T]{
		path:   path,
		decode: decode,
		opts:   o,
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		r.done = true
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open record file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat record file: %w", err)
	}

	r.file = f
	r.br = bufio.NewReaderSize(f, 64*1024)
	r.remaining = info.Size()
	return r, nil
}

// Path returns the file path.
func (r *Reader[T]) Path() string {
	return r.path
}

// HasNext reports whether another record is available.
func (r *Reader[T]) HasNext() bool {
	r.fill()
	return r.next != nil
}

// Peek returns the next record without consuming it.
func (r *Reader[T]) Peek() (T, bool) {
	r.fill()
	if r.next == nil {
		var zero T
		return zero, false
	}
	return r.next.value, true
}

// PeekRaw returns the payload of the next record without consuming it.
func (r *Reader[T]) PeekRaw() ([]byte, bool) {
	r.fill()
	if r.next == nil {
		return nil, false
	}
	return r.next.raw, true
}

// Next consumes and returns the next record.
func (r *Reader[T]) Next() (T, bool) {
	r.fill()
	if r.next == nil {
		var zero T
		return zero, false
	}
	f := r.next
	r.next = nil
	r.last = f.raw
	return f.value, true
}

// NextRaw consumes the next record and returns its payload.
func (r *Reader[T]) NextRaw() ([]byte, bool) {
	r.fill()
	if r.next == nil {
		return nil, false
	}
	f := r.next
	r.next = nil
	r.last = f.raw
	return f.raw, true
}

// LastBytes returns the payload of the most recently consumed record.
func (r *Reader[T]) LastBytes() []byte {
	return r.last
}

// Err returns the I/O error that ended the sequence, if any. Corruption and
// truncation are not errors.
func (r *Reader[T]) Err() error {
	return r.err
}

// Stats returns reader statistics.
func (r *Reader[T]) Stats() ReaderStats {
	return r.stats
}

// Close closes the file and releases an owned lock. Calling it twice is safe.
func (r *Reader[T]) Close() error {
	var err error
	if r.file != nil {
		err = r.file.Close()
		r.file = nil
	}
	r.token.Release()
	r.done = true
	r.next = nil
	return err
}

// fill reads frames until one decodes or the sequence ends.
func (r *Reader[T]) fill() {
	for r.next == nil && !r.done {
		raw, ok := r.readFrame()
		if !ok {
			r.done = true
			return
		}

		v, err := r.decode(raw)
		if err != nil {
			r.stats.CorruptRecords++
			log.Warn("skipping corrupt record", "path", r.path, "size", len(raw), "error", err)
			if r.opts.onCorrupt != nil {
				r.opts.onCorrupt(r.path, err)
			}
			continue
		}

		r.stats.RecordsRead++
		r.next = &frame[T]{raw: raw, value: v}
	}
}

func (r *Reader[T]) readFrame() ([]byte, bool) {
	if r.remaining == 0 {
		return nil, false
	}
	if r.remaining < frameHeaderSize {
		r.truncated("partial length prefix")
		return nil, false
	}

	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r.br, header[:]); err != nil {
		r.fail(err)
		return nil, false
	}
	r.remaining -= frameHeaderSize

	length := int64(binary.BigEndian.Uint32(header[:]))
	if length > int64(r.opts.maxRecordSize) || length > r.remaining {
		r.truncated(fmt.Sprintf("length %d exceeds limit", length))
		return nil, false
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		r.fail(err)
		return nil, false
	}
	r.remaining -= length
	r.stats.BytesRead += frameHeaderSize + length

	return payload, true
}

func (r *Reader[T]) truncated(reason string) {
	r.stats.Truncated = true
	log.Warn("record stream truncated", "path", r.path, "reason", reason)
}

func (r *Reader[T]) fail(err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		r.truncated("short read")
		return
	}
	r.err = fmt.Errorf("read %s: %w", r.path, err)
	log.Error("record read failed", "path", r.path, "error", err)
}

// ReadAll decodes every record of path. A missing file yields nothing.
func ReadAll[T any](reg *lock.Registry, path string, decode DecodeFunc[T], opts ...Option) ([]T, error) {
	r, err := Open(reg, path, decode, opts...)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []T
	for {
		v, ok := r.Next()
		if !ok {
			break
		}
		out = append(out, v)
	}
	return out, r.Err()
}
