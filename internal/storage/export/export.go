package export

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/xtxerr/timestore/internal/logging"
	"github.com/xtxerr/timestore/internal/storage/types"
)

var log = logging.Component("export")

// batchSize is the number of rows buffered between writer calls.
const batchSize = 1024

// Source yields the encoded records of a key range in key order.
// storage.Collection implements it.
type Source interface {
	Scan(ctx context.Context, min, max int64, fn func(key types.Key, value []byte) (bool, error)) error
}

// Result describes one export.
type Result struct {
	Path     string
	Rows     int64
	Bytes    int64
	Duration time.Duration
}

// Export writes every record of src overlapping [min, max] to path.
func Export(ctx context.Context, src Source, path string, min, max int64, opts Options) (Result, error) {
	start := time.Now()
	res := Result{Path: path}

	w, err := NewWriter(path, opts)
	if err != nil {
		return res, err
	}

	rows := make([]EntityRow, 0, batchSize)
	err = src.Scan(ctx, min, max, func(k types.Key, value []byte) (bool, error) {
		rows = append(rows, EntityToRow(k, value))
		if len(rows) < batchSize {
			return true, nil
		}
		if err := w.Write(rows); err != nil {
			return false, err
		}
		rows = rows[:0]
		return true, nil
	})
	if err == nil {
		err = w.Write(rows)
	}
	if err != nil {
		w.Abort()
		return res, fmt.Errorf("export [%d, %d]: %w", min, max, err)
	}

	res.Rows = w.RowCount()
	if err := w.Close(); err != nil {
		return res, err
	}

	if info, err := os.Stat(path); err == nil {
		res.Bytes = info.Size()
	}
	res.Duration = time.Since(start)

	log.Info("export complete", "path", path, "rows", res.Rows, "bytes", res.Bytes, "duration", res.Duration)
	return res, nil
}
