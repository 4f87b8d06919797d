// Package runledger persists completed runs into SQLite.
//
// The ledger is an operational convenience, not the durable record — that
// is the plain-text summary report. It exists so operators can answer "when
// did we last split this dataset and how many rows moved" without grepping
// report files.
//
// Timestamps are stored as RFC3339Nano strings. SQLite has no native
// timestamp type and modernc.org/sqlite stores whatever you give it with
// TEXT affinity, so text is the reliable round-trip representation.
package runledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Run is one completed split run.
type Run struct {
	StartedAt  time.Time
	Elapsed    time.Duration
	OutputDir  string
	GrandTotal int64
	Counts     []Count
}

// Count is one per-(file, county) row count within a run.
type Count struct {
	File   string
	County string
	Rows   int64
}

// Ledger is an open run-history database.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if needed) the ledger at dsn and ensures its tables
// exist. Startup is idempotent: re-opening an existing ledger is a no-op.
func Open(ctx context.Context, dsn string) (*Ledger, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger ping: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.ensureTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// Close releases the database handle.
func (l *Ledger) Close() { _ = l.db.Close() }

func (l *Ledger) ensureTables(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS runs (
  "id" INTEGER PRIMARY KEY AUTOINCREMENT,
  "started_at" TEXT NOT NULL,
  "elapsed_ms" INTEGER NOT NULL,
  "output_dir" TEXT NOT NULL,
  "grand_total" INTEGER NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS run_counts (
  "run_id" INTEGER NOT NULL REFERENCES runs(id),
  "file" TEXT NOT NULL,
  "county" TEXT NOT NULL,
  "rows" INTEGER NOT NULL
);`,
	}
	for _, q := range ddl {
		if _, err := l.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ledger ensure tables: %w", err)
		}
	}
	return nil
}

// RecordRun inserts one run with its per-partition counts in a single
// transaction and returns the new run id.
func (l *Ledger) RecordRun(ctx context.Context, run Run) (int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("ledger record: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO runs ("started_at", "elapsed_ms", "output_dir", "grand_total") VALUES (?, ?, ?, ?)`,
		formatTime(run.StartedAt), run.Elapsed.Milliseconds(), run.OutputDir, run.GrandTotal,
	)
	if err != nil {
		return 0, fmt.Errorf("ledger record run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("ledger record run: %w", err)
	}

	if len(run.Counts) > 0 {
		var b strings.Builder
		b.WriteString(`INSERT INTO run_counts ("run_id", "file", "county", "rows") VALUES `)
		args := make([]any, 0, len(run.Counts)*4)
		for i, c := range run.Counts {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("(?, ?, ?, ?)")
			args = append(args, runID, c.File, c.County, c.Rows)
		}
		if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
			return 0, fmt.Errorf("ledger record counts: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("ledger record: %w", err)
	}
	return runID, nil
}

// LastRun returns the most recently recorded run, or false when the ledger
// is empty.
func (l *Ledger) LastRun(ctx context.Context) (Run, bool, error) {
	var (
		id        int64
		startedAt string
		elapsedMS int64
		run       Run
	)
	err := l.db.QueryRowContext(ctx,
		`SELECT "id", "started_at", "elapsed_ms", "output_dir", "grand_total" FROM runs ORDER BY "id" DESC LIMIT 1`,
	).Scan(&id, &startedAt, &elapsedMS, &run.OutputDir, &run.GrandTotal)
	if err == sql.ErrNoRows {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, fmt.Errorf("ledger last run: %w", err)
	}

	run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return Run{}, false, fmt.Errorf("ledger last run: parse started_at %q: %w", startedAt, err)
	}
	run.Elapsed = time.Duration(elapsedMS) * time.Millisecond

	rows, err := l.db.QueryContext(ctx,
		`SELECT "file", "county", "rows" FROM run_counts WHERE "run_id" = ? ORDER BY "file", "county"`, id,
	)
	if err != nil {
		return Run{}, false, fmt.Errorf("ledger last run counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c Count
		if err := rows.Scan(&c.File, &c.County, &c.Rows); err != nil {
			return Run{}, false, fmt.Errorf("ledger last run counts: %w", err)
		}
		run.Counts = append(run.Counts, c)
	}
	if err := rows.Err(); err != nil {
		return Run{}, false, fmt.Errorf("ledger last run counts: %w", err)
	}
	return run, true, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
