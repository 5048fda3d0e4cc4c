// Package rundb persists a local index of tracking runs: one row per run
// plus a per-reason breakdown of termination and rejection counts. It backs
// the -rundb option of the command-line tools.
package rundb

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tracking_runs (
	run_id               TEXT PRIMARY KEY,
	started_unix_nanos   INTEGER NOT NULL,
	finished_unix_nanos  INTEGER NOT NULL,
	source               TEXT NOT NULL,
	output               TEXT NOT NULL,
	method               TEXT NOT NULL,
	step_size_mm         REAL NOT NULL,
	count                INTEGER NOT NULL,
	total_count          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tracking_run_reasons (
	run_id  TEXT NOT NULL REFERENCES tracking_runs(run_id) ON DELETE CASCADE,
	kind    TEXT NOT NULL CHECK (kind IN ('termination', 'rejection')),
	reason  TEXT NOT NULL,
	n       INTEGER NOT NULL,
	PRIMARY KEY (run_id, kind, reason)
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON tracking_runs(started_unix_nanos);
`

// Run is one recorded tracking run.
type Run struct {
	RunID             string
	StartedUnixNanos  int64
	FinishedUnixNanos int64
	Source            string
	Output            string
	Method            string
	StepSizeMM        float64
	Count             uint64
	TotalCount        uint64
}

// Store wraps the sqlite run index.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the run index at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening run index %q: %w", path, err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("run index %q: %s: %w", path, p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying run index schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InsertRun records a completed run with its per-reason breakdowns. A blank
// RunID is assigned a fresh UUID; the assigned ID is returned.
func (s *Store) InsertRun(run *Run, terminations, rejections map[string]uint64) (string, error) {
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	}
	if run.FinishedUnixNanos == 0 {
		run.FinishedUnixNanos = time.Now().UnixNano()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO tracking_runs (
			run_id, started_unix_nanos, finished_unix_nanos,
			source, output, method, step_size_mm, count, total_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.StartedUnixNanos, run.FinishedUnixNanos,
		run.Source, run.Output, run.Method, run.StepSizeMM,
		run.Count, run.TotalCount,
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}

	insertReasons := func(kind string, reasons map[string]uint64) error {
		for reason, n := range reasons {
			if _, err := tx.Exec(`
				INSERT INTO tracking_run_reasons (run_id, kind, reason, n)
				VALUES (?, ?, ?, ?)`,
				run.RunID, kind, reason, n,
			); err != nil {
				return fmt.Errorf("insert %s reason %q: %w", kind, reason, err)
			}
		}
		return nil
	}
	if err := insertReasons("termination", terminations); err != nil {
		return "", err
	}
	if err := insertReasons("rejection", rejections); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return run.RunID, nil
}

// RecentRuns returns the most recent runs, newest first.
func (s *Store) RecentRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT run_id, started_unix_nanos, finished_unix_nanos,
		       source, output, method, step_size_mm, count, total_count
		FROM tracking_runs
		ORDER BY started_unix_nanos DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r := &Run{}
		if err := rows.Scan(
			&r.RunID, &r.StartedUnixNanos, &r.FinishedUnixNanos,
			&r.Source, &r.Output, &r.Method, &r.StepSizeMM,
			&r.Count, &r.TotalCount,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReasonBreakdown returns the recorded counts for one run and kind
// ("termination" or "rejection").
func (s *Store) ReasonBreakdown(runID, kind string) (map[string]uint64, error) {
	rows, err := s.db.Query(`
		SELECT reason, n FROM tracking_run_reasons
		WHERE run_id = ? AND kind = ?`, runID, kind)
	if err != nil {
		return nil, fmt.Errorf("query run breakdown: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var reason string
		var n uint64
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("scan breakdown: %w", err)
		}
		out[reason] = n
	}
	return out, rows.Err()
}
