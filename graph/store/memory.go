package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// MemStore is an in-memory RunStore.
//
// Designed for:
//   - Testing and development
//   - Single-shot CLI runs where persistence isn't required
//
// Limitations:
//   - Data is lost when the process terminates
//   - Memory usage grows with the number of runs
//
// For persistence use SQLiteStore or MySQLStore.
type MemStore struct {
	mu     sync.RWMutex
	runs   map[string]RunRecord
	closed bool
}

var _ RunStore = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{runs: make(map[string]RunRecord)}
}

// SaveRun stores a copy of rec.
func (m *MemStore) SaveRun(_ context.Context, rec RunRecord) error {
	if err := validate(rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.runs[rec.RunID] = cloneRecord(rec)
	return nil
}

// LoadRun returns a copy of the stored record.
func (m *MemStore) LoadRun(_ context.Context, runID string) (RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return RunRecord{}, ErrClosed
	}
	rec, ok := m.runs[runID]
	if !ok {
		return RunRecord{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// ListRuns returns records newest first, ties broken by run id.
func (m *MemStore) ListRuns(_ context.Context, workflowID string, limit int) ([]RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := make([]RunRecord, 0, len(m.runs))
	for _, rec := range m.runs {
		if workflowID != "" && rec.WorkflowID != workflowID {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteRun removes a record.
func (m *MemStore) DeleteRun(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.runs[runID]; !ok {
		return ErrNotFound
	}
	delete(m.runs, runID)
	return nil
}

// Close marks the store closed. Stored records are dropped.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.runs = nil
	return nil
}

// MarshalJSON serializes every stored record, for example to dump the runs
// of a CLI session to disk.
func (m *MemStore) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := make([]RunRecord, 0, len(m.runs))
	for _, rec := range m.runs {
		runs = append(runs, rec)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].RunID < runs[j].RunID })
	return json.Marshal(struct {
		Runs []RunRecord `json:"runs"`
	}{runs})
}

// UnmarshalJSON replaces the store contents with a serialized snapshot.
func (m *MemStore) UnmarshalJSON(data []byte) error {
	var snap struct {
		Runs []RunRecord `json:"runs"`
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = make(map[string]RunRecord, len(snap.Runs))
	for _, rec := range snap.Runs {
		m.runs[rec.RunID] = rec
	}
	m.closed = false
	return nil
}

func cloneRecord(rec RunRecord) RunRecord {
	rec.Output = append(json.RawMessage(nil), rec.Output...)
	rec.Logs = append(json.RawMessage(nil), rec.Logs...)
	return rec
}
