package export

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
)

// Reader reads entity rows from a Parquet file.
type Reader struct {
	file   *os.File
	reader *parquet.GenericReader[EntityRow]
	path   string
}

// NewReader creates a new Parquet reader.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	reader := parquet.NewGenericReader[EntityRow](f, parquet.ReadBufferSize(1024*1024))

	return &Reader{
		file:   f,
		reader: reader,
		path:   path,
	}, nil
}

// Read reads up to n rows from the file. It returns io.EOF once every row
// has been read.
func (r *Reader) Read(n int) ([]EntityRow, error) {
	rows := make([]EntityRow, n)
	count, err := r.reader.Read(rows)
	if err != nil && !(errors.Is(err, io.EOF) && count > 0) {
		return nil, err
	}
	return rows[:count], nil
}

// ReadAll reads all rows from the file.
func (r *Reader) ReadAll() ([]EntityRow, error) {
	rows := make([]EntityRow, r.reader.NumRows())
	if len(rows) == 0 {
		return nil, nil
	}

	n, err := r.reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return rows[:n], nil
}

// NumRows returns the total number of rows in the file.
func (r *Reader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *Reader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *Reader) Path() string {
	return r.path
}
