// Package query runs SQL over exported Parquet files with DuckDB.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	_ "github.com/marcboeker/go-duckdb"

	serrors "github.com/xtxerr/timestore/internal/errors"
	"github.com/xtxerr/timestore/internal/logging"
	"github.com/xtxerr/timestore/internal/storage/config"
	"github.com/xtxerr/timestore/internal/storage/export"
	"github.com/xtxerr/timestore/internal/storage/types"
)

var log = logging.Component("query")

// Service provides SQL queries over Parquet exports.
type Service struct {
	mu sync.RWMutex

	config config.QueryConfig
	db     *sql.DB
	closed bool

	// Statistics
	stats Stats
}

// Stats holds query statistics.
type Stats struct {
	QueriesExecuted atomic.Int64
	RowsReturned    atomic.Int64
	Truncated       atomic.Int64
	Errors          atomic.Int64
}

// ServiceStats holds service statistics.
type ServiceStats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Truncated       int64
	Errors          int64
}

// New creates a new query service backed by an in-memory DuckDB database.
func New(cfg config.QueryConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: query: %w", serrors.ErrInvalidConfig, err)
	}

	// Open in-memory DuckDB database
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	// Configure DuckDB
	if cfg.MemoryLimit != "" {
		_, err = db.Exec(fmt.Sprintf("SET memory_limit='%s'", cfg.MemoryLimit))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	return &Service{
		config: cfg,
		db:     db,
	}, nil
}

// Close closes the query service.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// ExecuteSQL executes a SQL query and returns at most MaxRows rows.
func (s *Service) ExecuteSQL(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, serrors.ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.stats.Errors.Add(1)
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		s.stats.Errors.Add(1)
		return nil, err
	}

	var results []map[string]any

	for rows.Next() {
		if len(results) >= s.config.MaxRows {
			s.stats.Truncated.Add(1)
			log.Warn("query result truncated", "max_rows", s.config.MaxRows)
			break
		}

		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			s.stats.Errors.Add(1)
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		s.stats.Errors.Add(1)
		return nil, err
	}

	s.stats.QueriesExecuted.Add(1)
	s.stats.RowsReturned.Add(int64(len(results)))

	return results, nil
}

// RegisterParquet creates or replaces the view name over the Parquet files
// matching pattern so later statements can refer to it.
func (s *Service) RegisterParquet(ctx context.Context, name, pattern string) error {
	if !viewName.MatchString(name) {
		return serrors.NewValidation("view", fmt.Sprintf("invalid view name %q", name))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return serrors.ErrClosed
	}

	stmt := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet('%s')",
		name, strings.ReplaceAll(pattern, "'", "''"))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		s.stats.Errors.Add(1)
		return fmt.Errorf("register parquet view %s: %w", name, err)
	}

	log.Debug("registered parquet view", "view", name, "pattern", pattern)
	return nil
}

var viewName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Record is an exported record read back through SQL.
type Record struct {
	Key   types.Key
	Value []byte
}

// QueryRange returns the records of the Parquet files matching pattern
// whose keys overlap [min, max], in key order. Untimed records match when
// their grouping number lies in the window.
func (s *Service) QueryRange(ctx context.Context, pattern string, min, max int64) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, serrors.ErrClosed
	}
	if min > max {
		return nil, serrors.NewInvalidRange(min, max, "min after max")
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT kind, range_start, range_end, id, grouping_number, value
		FROM read_parquet($1)
		WHERE (kind <> 'id' AND range_start <= $3 AND range_end >= $2)
		   OR (kind = 'id' AND grouping_number BETWEEN $2 AND $3)
		ORDER BY grouping_number, kind = 'id', kind, range_end, id
		LIMIT %d
	`, s.config.MaxRows)

	rows, err := s.db.QueryContext(ctx, query, pattern, min, max)
	if err != nil {
		s.stats.Errors.Add(1)
		return nil, fmt.Errorf("query parquet: %w", err)
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		var (
			row export.EntityRow
			id  sql.NullString
		)
		if err := rows.Scan(&row.Kind, &row.RangeStart, &row.RangeEnd, &id, &row.GroupingNumber, &row.Value); err != nil {
			s.stats.Errors.Add(1)
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row.ID = id.String

		k, err := export.RowToKey(&row)
		if err != nil {
			s.stats.Errors.Add(1)
			return nil, err
		}
		results = append(results, Record{Key: k, Value: row.Value})
	}
	if err := rows.Err(); err != nil {
		s.stats.Errors.Add(1)
		return nil, err
	}

	s.stats.QueriesExecuted.Add(1)
	s.stats.RowsReturned.Add(int64(len(results)))
	return results, nil
}

// Stats returns query statistics.
func (s *Service) Stats() ServiceStats {
	return ServiceStats{
		QueriesExecuted: s.stats.QueriesExecuted.Load(),
		RowsReturned:    s.stats.RowsReturned.Load(),
		Truncated:       s.stats.Truncated.Load(),
		Errors:          s.stats.Errors.Load(),
	}
}
