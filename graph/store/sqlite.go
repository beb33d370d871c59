package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of RunStore.
//
// It stores run records in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - The CLI and single-instance servers
//
// SQLiteStore enables WAL mode so readers never block the writer.
//
// Schema:
//   - workflow_runs: one row per run, keyed by run_id
type SQLiteStore struct {
	sqlStore
	path string
}

var _ RunStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path.
//
// The path parameter specifies the database file location:
//   - "./runs.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// Example:
//
//	runs, err := store.NewSQLiteStore("./runs.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer runs.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		sqlStore: sqlStore{
			db: db,
			upsert: `
				INSERT INTO workflow_runs (` + runColumns + `)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(run_id) DO UPDATE SET
					workflow_id = excluded.workflow_id,
					success = excluded.success,
					error = excluded.error,
					output = excluded.output,
					logs = excluded.logs,
					passes = excluded.passes,
					started_at = excluded.started_at,
					ended_at = excluded.ended_at
			`,
		},
		path: path,
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	runsTable := `
		CREATE TABLE IF NOT EXISTS workflow_runs (
			run_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			success INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			output TEXT NOT NULL,
			logs TEXT NOT NULL,
			passes INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := s.db.ExecContext(ctx, runsTable); err != nil {
		return fmt.Errorf("failed to create workflow_runs table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_runs_workflow ON workflow_runs(workflow_id, started_at)"); err != nil {
		return fmt.Errorf("failed to create idx_runs_workflow: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}
