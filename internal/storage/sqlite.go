package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/SVDmodel/SVD-sub000/internal/batch"
)

const schema = `
CREATE TABLE IF NOT EXISTS cycles (
	run_id      TEXT    NOT NULL,
	year        INTEGER NOT NULL,
	evaluated   INTEGER NOT NULL,
	changed     INTEGER NOT NULL,
	built       INTEGER NOT NULL,
	processed   INTEGER NOT NULL,
	errors      INTEGER NOT NULL,
	duration_ms REAL    NOT NULL,
	PRIMARY KEY (run_id, year)
);
CREATE TABLE IF NOT EXISTS transitions (
	run_id     TEXT    NOT NULL,
	year       INTEGER NOT NULL,
	package_id INTEGER NOT NULL,
	cell       INTEGER NOT NULL,
	state      INTEGER NOT NULL,
	next_state INTEGER NOT NULL,
	next_time  INTEGER NOT NULL,
	detail     TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS transitions_run_year ON transitions (run_id, year);
`

// Recorder writes cycle statistics and per-cell audit records to SQLite.
// It is used from one goroutine at a time.
type Recorder struct {
	db   *sql.DB
	path string
}

func OpenRecorder(path string) (*Recorder, error) {
	if path == "" {
		path = "svd.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &Recorder{db: db, path: path}, nil
}

func (r *Recorder) Path() string { return r.path }

func (r *Recorder) Close() error { return r.db.Close() }

// RecordCycle upserts the statistics of one year.
func (r *Recorder) RecordCycle(ctx context.Context, runID string, c CycleStats) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO cycles
		(run_id, year, evaluated, changed, built, processed, errors, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, year) DO UPDATE SET
			evaluated = excluded.evaluated,
			changed = excluded.changed,
			built = excluded.built,
			processed = excluded.processed,
			errors = excluded.errors,
			duration_ms = excluded.duration_ms`,
		runID, c.Year, c.Evaluated, c.Changed, c.Built, c.Processed, c.Errors,
		c.Duration.Seconds()*1000)
	if err != nil {
		return fmt.Errorf("record cycle %d: %w", c.Year, err)
	}
	return nil
}

// RecordTransitions inserts audit records in a single transaction.
func (r *Recorder) RecordTransitions(ctx context.Context, runID string, recs []batch.AuditRecord) (retErr error) {
	if len(recs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO transitions
		(run_id, year, package_id, cell, state, next_state, next_time, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx, runID, rec.Year, rec.PackageID, rec.Cell,
			int(rec.State), int(rec.NextState), rec.NextTime, rec.String()); err != nil {
			return fmt.Errorf("insert transition for cell %d: %w", rec.Cell, err)
		}
	}
	return tx.Commit()
}

// Cycles returns the recorded years of a run in order.
func (r *Recorder) Cycles(ctx context.Context, runID string) ([]CycleStats, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT year, evaluated, changed, built, processed, errors, duration_ms
		FROM cycles WHERE run_id = ? ORDER BY year`, runID)
	if err != nil {
		return nil, fmt.Errorf("select cycles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CycleStats
	for rows.Next() {
		var c CycleStats
		var ms float64
		if err := rows.Scan(&c.Year, &c.Evaluated, &c.Changed, &c.Built, &c.Processed, &c.Errors, &ms); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		c.Duration = msToDuration(ms)
		out = append(out, c)
	}
	return out, rows.Err()
}

// TransitionCounts returns the number of audit records per year of a run.
func (r *Recorder) TransitionCounts(ctx context.Context, runID string) (map[int]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT year, COUNT(*) FROM transitions
		WHERE run_id = ? GROUP BY year`, runID)
	if err != nil {
		return nil, fmt.Errorf("count transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int]int)
	for rows.Next() {
		var year, n int
		if err := rows.Scan(&year, &n); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out[year] = n
	}
	return out, rows.Err()
}
