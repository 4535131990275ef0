//go:build cgo

package query

import (
	"context"
	"path/filepath"
	"testing"

	serrors "github.com/xtxerr/timestore/internal/errors"
	"github.com/xtxerr/timestore/internal/storage/config"
	"github.com/xtxerr/timestore/internal/storage/export"
	"github.com/xtxerr/timestore/internal/storage/types"
)

func newService(t *testing.T) *Service {
	t.Helper()
	svc, err := New(config.DefaultConfig().Query)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestService_ExecuteSQL(t *testing.T) {
	svc := newService(t)

	results, err := svc.ExecuteSQL(context.Background(), "SELECT 1 AS value")
	if err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}

	stats := svc.Stats()
	if stats.QueriesExecuted != 1 {
		t.Errorf("expected 1 query executed, got %d", stats.QueriesExecuted)
	}
}

func TestService_MaxRows(t *testing.T) {
	cfg := config.DefaultConfig().Query
	cfg.MaxRows = 5
	svc, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	results, err := svc.ExecuteSQL(context.Background(), "SELECT * FROM range(100)")
	if err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}
	if len(results) != 5 {
		t.Errorf("expected 5 rows, got %d", len(results))
	}
	if svc.Stats().Truncated != 1 {
		t.Errorf("expected truncation to be counted")
	}
}

func TestService_QueryRange(t *testing.T) {
	svc := newService(t)
	path := filepath.Join(t.TempDir(), "export.parquet")

	w, err := export.NewWriter(path, export.DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	err = w.Write([]export.EntityRow{
		export.EntityToRow(types.PointKey(5), []byte("five")),
		export.EntityToRow(types.RangeKey(8, 50), []byte("span")),
		export.EntityToRow(types.PointKey(100), []byte("hundred")),
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	recs, err := svc.QueryRange(context.Background(), path, 10, 60)
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if len(recs) != 1 || !recs[0].Key.Equal(types.RangeKey(8, 50)) {
		t.Fatalf("expected the range record, got %+v", recs)
	}
	if string(recs[0].Value) != "span" {
		t.Errorf("expected value span, got %q", recs[0].Value)
	}

	recs, err = svc.QueryRange(context.Background(), path, 0, 1000)
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if len(recs) != 3 {
		t.Errorf("expected 3 records, got %d", len(recs))
	}

	if _, err := svc.QueryRange(context.Background(), path, 10, 5); !serrors.IsPlacement(err) {
		t.Errorf("expected invalid range error, got %v", err)
	}
}

func TestService_RegisterParquet(t *testing.T) {
	svc := newService(t)
	path := filepath.Join(t.TempDir(), "it's.parquet")

	w, err := export.NewWriter(path, export.DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	err = w.Write([]export.EntityRow{
		export.EntityToRow(types.PointKey(1), []byte("a")),
		export.EntityToRow(types.IDKey("b"), []byte("b")),
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ctx := context.Background()
	if err := svc.RegisterParquet(ctx, "records", path); err != nil {
		t.Fatalf("RegisterParquet: %v", err)
	}

	results, err := svc.ExecuteSQL(ctx, "SELECT count(*) AS n FROM records")
	if err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}
	if len(results) != 1 || results[0]["n"] != int64(2) {
		t.Errorf("expected count 2, got %+v", results)
	}

	if err := svc.RegisterParquet(ctx, "bad name;", path); !serrors.IsPlacement(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestService_Closed(t *testing.T) {
	svc := newService(t)
	svc.Close()

	if _, err := svc.ExecuteSQL(context.Background(), "SELECT 1"); !serrors.IsClosed(err) {
		t.Errorf("expected closed error, got %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
