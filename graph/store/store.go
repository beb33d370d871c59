// Package store persists the results of finished workflow runs.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested run ID does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by every operation on a closed store.
var ErrClosed = errors.New("store is closed")

// RunRecord is the persisted summary of one workflow run.
//
// Output and Logs hold the JSON encoding of the run's final output and block
// logs, so stores never need to know the engine's types.
type RunRecord struct {
	RunID      string          `json:"runId"`
	WorkflowID string          `json:"workflowId"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Logs       json.RawMessage `json:"logs,omitempty"`
	Passes     int             `json:"passes"`
	StartedAt  time.Time       `json:"startedAt"`
	EndedAt    time.Time       `json:"endedAt"`
}

// RunStore persists run records.
//
// Implementations:
//   - MemStore: in-process maps, for tests and single-shot CLI runs
//   - SQLiteStore: single-file database with zero setup
//   - MySQLStore: shared database for multi-instance servers
//
// All implementations are safe for concurrent use.
type RunStore interface {
	// SaveRun stores rec, replacing any record with the same RunID.
	SaveRun(ctx context.Context, rec RunRecord) error

	// LoadRun returns the record of runID, or ErrNotFound.
	LoadRun(ctx context.Context, runID string) (RunRecord, error)

	// ListRuns returns records newest first. An empty workflowID lists every
	// workflow; a limit of zero or less returns everything.
	ListRuns(ctx context.Context, workflowID string, limit int) ([]RunRecord, error)

	// DeleteRun removes the record of runID, or returns ErrNotFound.
	DeleteRun(ctx context.Context, runID string) error

	// Close releases the store. Closing twice is a no-op.
	Close() error
}

// validate rejects records that cannot be keyed.
func validate(rec RunRecord) error {
	if rec.RunID == "" {
		return errors.New("run record requires a run id")
	}
	return nil
}

// jsonOrNull normalizes an empty raw message to JSON null.
func jsonOrNull(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
