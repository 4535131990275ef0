package export

import (
	"errors"
	"fmt"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/timestore/internal/storage/config"
	"github.com/xtxerr/timestore/internal/storage/fileutil"
	"github.com/xtxerr/timestore/internal/storage/types"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// RowGroupSize is the maximum number of rows per row group
	RowGroupSize int

	// PageSize is the target page buffer size in bytes
	PageSize int

	// SyncWrites fsyncs the file before it is renamed into place
	SyncWrites bool
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:  CompressionZstd,
		RowGroupSize: 100000,
		PageSize:     1024 * 1024, // 1MB
	}
}

// OptionsFromConfig returns writer options for the export section of the
// configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	opts.Compression = ParseCompressionType(cfg.Export.Compression)
	if cfg.Export.RowGroupSize > 0 {
		opts.RowGroupSize = cfg.Export.RowGroupSize
	}
	opts.SyncWrites = cfg.Storage.SyncWrites
	return opts
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// EntityRow represents a record in Parquet format. Untimed keys have zero
// start and end.
type EntityRow struct {
	Kind           string `parquet:"kind,dict"`
	RangeStart     int64  `parquet:"range_start"`
	RangeEnd       int64  `parquet:"range_end"`
	ID             string `parquet:"id,optional"`
	GroupingNumber int64  `parquet:"grouping_number"`
	Value          []byte `parquet:"value"`
}

// EntityToRow converts a key and its encoded value to an EntityRow.
func EntityToRow(k types.Key, value []byte) EntityRow {
	row := EntityRow{
		Kind:           k.Kind.String(),
		ID:             k.ID,
		GroupingNumber: k.GroupingNumber(),
		Value:          append([]byte{}, value...),
	}
	if k.IsTimed() {
		row.RangeStart = k.Start
		row.RangeEnd = k.End
	}
	return row
}

// RowToKey converts an EntityRow back to its key.
func RowToKey(r *EntityRow) (types.Key, error) {
	var k types.Key
	switch r.Kind {
	case types.KindPoint.String():
		k = types.PointKeyWithID(r.RangeStart, r.ID)
	case types.KindRange.String():
		k = types.RangeKeyWithID(r.RangeStart, r.RangeEnd, r.ID)
	case types.KindID.String():
		k = types.IDKey(r.ID)
	default:
		return types.Key{}, fmt.Errorf("row kind %q: %w", r.Kind, errUnknownKind)
	}
	return k, k.Validate()
}

var errUnknownKind = errors.New("unknown key kind")

// Writer writes entity rows to a Parquet file.
type Writer struct {
	mu       sync.Mutex
	path     string
	file     *fileutil.AtomicFile
	writer   *parquet.GenericWriter[EntityRow]
	rowCount int64
	closed   bool
}

// NewWriter creates a new Parquet writer. Nothing is visible at path until
// Close succeeds.
func NewWriter(path string, opts Options) (*Writer, error) {
	f, err := fileutil.Create(path, opts.SyncWrites)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}
	if opts.RowGroupSize > 0 {
		writerOpts = append(writerOpts, parquet.MaxRowsPerRowGroup(int64(opts.RowGroupSize)))
	}
	if opts.PageSize > 0 {
		writerOpts = append(writerOpts, parquet.PageBufferSize(opts.PageSize))
	}

	writer := parquet.NewGenericWriter[EntityRow](f, writerOpts...)

	return &Writer{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// Write writes rows to the Parquet file.
func (w *Writer) Write(rows []EntityRow) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close finishes the file and renames it into place.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Abort()
		return fmt.Errorf("close writer: %w", err)
	}

	return w.file.Commit()
}

// Abort discards the file.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Abort()
}

// RowCount returns the number of rows written.
func (w *Writer) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *Writer) Path() string {
	return w.path
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")
