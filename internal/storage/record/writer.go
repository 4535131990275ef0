package record

import (
	"encoding/binary"
	"fmt"

	"github.com/xtxerr/timestore/internal/storage/fileutil"
)

// Writer produces a complete replacement for a data file. Records go to a
// temp file in the destination directory; Commit renames it into place.
type Writer struct {
	file          *fileutil.AtomicFile
	maxRecordSize int

	// Statistics
	stats WriterStats
}

// WriterStats holds writer statistics.
type WriterStats struct {
	RecordsWritten int64
	BytesWritten   int64
}

// NewWriter starts a replacement for path.
func NewWriter(path string, sync bool, maxRecordSize int) (*Writer, error) {
	if maxRecordSize <= 0 {
		maxRecordSize = DefaultMaxRecordSize
	}
	f, err := fileutil.Create(path, sync)
	if err != nil {
		return nil, err
	}
	return &Writer{file: f, maxRecordSize: maxRecordSize}, nil
}

// Write appends one framed record.
func (w *Writer) Write(payload []byte) error {
	if len(payload) > w.maxRecordSize {
		return fmt.Errorf("record of %d bytes exceeds max_record_size %d", len(payload), w.maxRecordSize)
	}

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.file.Write(header[:]); err != nil {
		return fmt.Errorf("write record header: %w", err)
	}
	if _, err := w.file.Write(payload); err != nil {
		return fmt.Errorf("write record: %w", err)
	}

	w.stats.RecordsWritten++
	w.stats.BytesWritten += int64(frameHeaderSize + len(payload))
	return nil
}

// Path returns the destination path.
func (w *Writer) Path() string {
	return w.file.Path()
}

// Stats returns writer statistics.
func (w *Writer) Stats() WriterStats {
	return w.stats
}

// Commit makes the written records visible at the destination.
func (w *Writer) Commit() error {
	return w.file.Commit()
}

// Abort discards everything written. Abort after Commit is a no-op.
func (w *Writer) Abort() error {
	return w.file.Abort()
}

// AppendFrame appends a framed payload to b, for callers assembling files in
// memory.
func AppendFrame(b, payload []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(payload)))
	return append(b, payload...)
}
