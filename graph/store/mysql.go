package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of RunStore.
//
// Designed for servers running several instances against one database, and
// for keeping an audit trail of runs across restarts.
//
// Schema:
//   - workflow_runs: one row per run, keyed by run_id
type MySQLStore struct {
	sqlStore
}

var _ RunStore = (*MySQLStore)(nil)

// NewMySQLStore connects to the database named by dsn and creates the schema
// if needed.
//
// The DSN format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Security Warning:
//
//	NEVER hardcode credentials. Read the DSN from the environment, for
//	example BLOCKFLOW_STORE_DSN.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{sqlStore{
		db: db,
		upsert: `
			INSERT INTO workflow_runs (` + runColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				workflow_id = VALUES(workflow_id),
				success = VALUES(success),
				error = VALUES(error),
				output = VALUES(output),
				logs = VALUES(logs),
				passes = VALUES(passes),
				started_at = VALUES(started_at),
				ended_at = VALUES(ended_at)
		`,
	}}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	runsTable := `
		CREATE TABLE IF NOT EXISTS workflow_runs (
			run_id VARCHAR(255) NOT NULL PRIMARY KEY,
			workflow_id VARCHAR(255) NOT NULL,
			success BOOLEAN NOT NULL,
			error TEXT NOT NULL,
			output LONGTEXT NOT NULL,
			logs LONGTEXT NOT NULL,
			passes INT NOT NULL,
			started_at BIGINT NOT NULL,
			ended_at BIGINT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_runs_workflow (workflow_id, started_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, runsTable); err != nil {
		return fmt.Errorf("failed to create workflow_runs table: %w", err)
	}
	return nil
}

// Stats returns connection pool statistics.
func (m *MySQLStore) Stats() sql.DBStats {
	return m.db.Stats()
}
