// Package audit keeps a local diagnostic log of script runs and failed
// housekeeping in a sqlite database.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one diagnostic entry.
type Record struct {
	RecordedAt   time.Time
	JobID        string
	JobDirectory string
	Script       string
	Code         int
	Outcome      string
	Message      string
}

type Row struct {
	Record
	ID int64
}

func (r Row) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d %s job_id: %q, job_directory: %q",
		r.ID, r.RecordedAt.Format(time.RFC3339), r.JobID, r.JobDirectory)
	if r.Script != "" {
		fmt.Fprintf(&sb, ", script: %q", r.Script)
	}
	fmt.Fprintf(&sb, ", code: %d, outcome: %q", r.Code, r.Outcome)
	if r.Message != "" {
		fmt.Fprintf(&sb, ", message: %q", r.Message)
	}
	return sb.String()
}

type Store struct {
	db *sql.DB
}

// Open creates the database at path if needed. Use ":memory:" for a
// throw-away store.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// every connection gets its own in-memory database
		db.SetMaxOpenConns(1)
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS diagnostics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			recorded_at TEXT NOT NULL,
			job_id TEXT NOT NULL,
			job_directory TEXT NOT NULL DEFAULT '',
			script TEXT NOT NULL DEFAULT '',
			code INTEGER NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT ''
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating diagnostics table: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append stores a record. A zero RecordedAt is set to now.
func (s *Store) Append(ctx context.Context, r Record) error {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, r.JobID)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO diagnostics (recorded_at, job_id, job_directory, script, code, outcome, message)
		 VALUES (?,?,?,?,?,?,?);`,
		r.RecordedAt.UTC().Format(time.RFC3339Nano), r.JobID, r.JobDirectory, r.Script, r.Code, r.Outcome, r.Message,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Recent returns up to limit newest records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Row, error) {
	return s.query(ctx, "",
		`SELECT id, recorded_at, job_id, job_directory, script, code, outcome, message
		 FROM diagnostics ORDER BY id DESC LIMIT ?`, limit)
}

// ForJob returns up to limit newest records of one job, newest first.
func (s *Store) ForJob(ctx context.Context, jobID string, limit int) ([]Row, error) {
	return s.query(ctx, jobID,
		`SELECT id, recorded_at, job_id, job_directory, script, code, outcome, message
		 FROM diagnostics WHERE job_id=? ORDER BY id DESC LIMIT ?`, jobID, limit)
}

func (s *Store) query(ctx context.Context, jobID, query string, args ...any) ([]Row, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer rollback(ctx, tx, jobID)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []Row
	for rows.Next() {
		var row Row
		var recordedAt string
		err := rows.Scan(&row.ID, &recordedAt, &row.JobID, &row.JobDirectory,
			&row.Script, &row.Code, &row.Outcome, &row.Message)
		if err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		row.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing recorded_at of row %d: %w", row.ID, err)
		}
		ret = append(ret, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading rows failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction failed: %w", err)
	}
	return ret, nil
}

func rollback(ctx context.Context, tx *sql.Tx, jobID string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("job_id", jobID))
	}
}
