package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// sqlStore implements RunStore on database/sql. The SQLite and MySQL stores
// differ only in their schema and upsert statement.
//
// Timestamps are stored as Unix nanoseconds so both drivers round-trip them
// exactly without driver-specific time parsing.
type sqlStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	upsert string
}

const runColumns = "run_id, workflow_id, success, error, output, logs, passes, started_at, ended_at"

func (s *sqlStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// SaveRun inserts or replaces a run record.
func (s *sqlStore) SaveRun(ctx context.Context, rec RunRecord) error {
	if err := validate(rec); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, s.upsert,
		rec.RunID,
		rec.WorkflowID,
		rec.Success,
		rec.Error,
		string(jsonOrNull(rec.Output)),
		string(jsonOrNull(rec.Logs)),
		rec.Passes,
		rec.StartedAt.UnixNano(),
		rec.EndedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", rec.RunID, err)
	}
	return nil
}

// LoadRun returns the record of runID.
func (s *sqlStore) LoadRun(ctx context.Context, runID string) (RunRecord, error) {
	if err := s.checkOpen(); err != nil {
		return RunRecord{}, err
	}

	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM workflow_runs WHERE run_id = ?", runID)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrNotFound
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return rec, nil
}

// ListRuns returns records newest first.
func (s *sqlStore) ListRuns(ctx context.Context, workflowID string, limit int) ([]RunRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var (
		query strings.Builder
		args  []any
	)
	query.WriteString("SELECT " + runColumns + " FROM workflow_runs")
	if workflowID != "" {
		query.WriteString(" WHERE workflow_id = ?")
		args = append(args, workflowID)
	}
	query.WriteString(" ORDER BY started_at DESC, run_id ASC")
	if limit > 0 {
		query.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []RunRecord{}
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return out, nil
}

// DeleteRun removes the record of runID.
func (s *sqlStore) DeleteRun(ctx context.Context, runID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM workflow_runs WHERE run_id = ?", runID)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the database connection. Calling Close multiple times is
// safe.
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var (
		rec            RunRecord
		output, logs   string
		started, ended int64
	)
	if err := row.Scan(
		&rec.RunID,
		&rec.WorkflowID,
		&rec.Success,
		&rec.Error,
		&output,
		&logs,
		&rec.Passes,
		&started,
		&ended,
	); err != nil {
		return RunRecord{}, err
	}
	rec.Output = []byte(output)
	rec.Logs = []byte(logs)
	rec.StartedAt = time.Unix(0, started).UTC()
	rec.EndedAt = time.Unix(0, ended).UTC()
	return rec, nil
}
