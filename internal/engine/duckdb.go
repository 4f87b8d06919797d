// Package engine wraps the DuckDB query engine used for partition-key
// discovery and engine-side filtered projection.
//
// The engine holds a single in-process DuckDB connection for the lifetime
// of a run. No concurrent queries are issued against it, so no locking is
// needed here; the runner owns the connection exclusively and releases it
// on every exit path.
//
// The spatial extension is installed and loaded at open time. The split
// pipeline depends on it for spatial-metadata fidelity, so a failure to
// load it is a fatal initialization error rather than a warning.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"

	"geosplit/internal/dataset"
)

// PartitionKeyError reports a discovery failure: the partition column is
// absent or the file cannot be scanned.
type PartitionKeyError struct {
	Path   string
	Column string
	Err    error
}

func (e *PartitionKeyError) Error() string {
	return fmt.Sprintf("discover partition keys in %s (column %s): %v", e.Path, e.Column, e.Err)
}

func (e *PartitionKeyError) Unwrap() error { return e.Err }

// Engine is a live DuckDB handle.
type Engine struct {
	db *sql.DB
}

// Open creates an in-memory DuckDB database and loads the spatial
// extension.
//
// Errors:
//   - Any failure to open, ping, or load the spatial extension closes the
//     handle and is returned; the run must not proceed without spatial
//     capability.
func Open(ctx context.Context) (*Engine, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("duckdb open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("duckdb ping: %w", err)
	}
	for _, q := range []string{"INSTALL spatial;", "LOAD spatial;"} {
		if _, err := db.ExecContext(ctx, q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("duckdb spatial extension: %w", err)
		}
	}
	return &Engine{db: db}, nil
}

// Close releases the connection. Safe to defer on every exit path.
func (e *Engine) Close() { _ = e.db.Close() }

// DistinctValues returns the distinct non-null values of column in the
// parquet file at path. The query is column-projected: DuckDB reads only
// that column's pages, so the full dataset is never materialized.
//
// The result order is whatever the engine produces; callers sort when they
// need determinism.
func (e *Engine) DistinctValues(ctx context.Context, path, column string) ([]string, error) {
	q := fmt.Sprintf(
		`SELECT DISTINCT %s FROM read_parquet(%s) WHERE %s IS NOT NULL`,
		sqlIdent(column), sqlString(path), sqlIdent(column),
	)

	rows, err := e.db.QueryContext(ctx, q)
	if err != nil {
		return nil, &PartitionKeyError{Path: path, Column: column, Err: err}
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, &PartitionKeyError{Path: path, Column: column, Err: err}
		}
		if s, ok := dataset.AsString(v); ok {
			out = append(out, s)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &PartitionKeyError{Path: path, Column: column, Err: err}
	}
	return out, nil
}

// FilteredRows issues a predicate push-down query against the parquet file
// at path so only rows matching column = value are materialized. The result
// frame's cells are normalized to the pipeline's canonical scalar types;
// any geometry column arrives as whatever encoding the engine produced
// (typically raw bytes) — interpreting it is the extractor's concern.
func (e *Engine) FilteredRows(ctx context.Context, path, column, value string) (*dataset.Frame, error) {
	q := fmt.Sprintf(
		`SELECT * FROM read_parquet(%s) WHERE %s = ?`,
		sqlString(path), sqlIdent(column),
	)

	rows, err := e.db.QueryContext(ctx, q, value)
	if err != nil {
		return nil, fmt.Errorf("filtered query %s: %w", path, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("filtered query %s: columns: %w", path, err)
	}

	frame := &dataset.Frame{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("filtered query %s: scan: %w", path, err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = dataset.NormalizeValue(vals[i])
		}
		frame.Rows = append(frame.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("filtered query %s: %w", path, err)
	}
	return frame, nil
}

// sqlIdent quotes a DuckDB identifier.
func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// sqlString quotes a string literal. File paths are spliced into the query
// text because read_parquet arguments must be constant at bind time.
func sqlString(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}
