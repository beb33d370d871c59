package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func record(runID, workflowID string, started time.Time) RunRecord {
	return RunRecord{
		RunID:      runID,
		WorkflowID: workflowID,
		Success:    true,
		Output:     json.RawMessage(`{"results":["a","b"]}`),
		Logs:       json.RawMessage(`[{"blockId":"start","success":true}]`),
		Passes:     3,
		StartedAt:  started.UTC(),
		EndedAt:    started.Add(250 * time.Millisecond).UTC(),
	}
}

// testRunStore exercises the RunStore contract. prefix keeps ids unique when
// the backing database is shared between test runs.
func testRunStore(t *testing.T, s RunStore, prefix string) {
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC)
	wfA := prefix + "wf-a"
	wfB := prefix + "wf-b"

	t.Run("save and load", func(t *testing.T) {
		want := record(prefix+"run-1", wfA, base)
		if err := s.SaveRun(ctx, want); err != nil {
			t.Fatalf("SaveRun() error = %v", err)
		}
		got, err := s.LoadRun(ctx, want.RunID)
		if err != nil {
			t.Fatalf("LoadRun() error = %v", err)
		}
		if got.RunID != want.RunID || got.WorkflowID != want.WorkflowID || !got.Success || got.Passes != 3 {
			t.Errorf("LoadRun() = %+v", got)
		}
		if !got.StartedAt.Equal(want.StartedAt) || !got.EndedAt.Equal(want.EndedAt) {
			t.Errorf("timestamps = %v..%v, want %v..%v", got.StartedAt, got.EndedAt, want.StartedAt, want.EndedAt)
		}
		if string(got.Output) != string(want.Output) || string(got.Logs) != string(want.Logs) {
			t.Errorf("payload = %s / %s", got.Output, got.Logs)
		}
	})

	t.Run("save replaces", func(t *testing.T) {
		rec := record(prefix+"run-1", wfA, base)
		rec.Success = false
		rec.Error = "HANDLER_FAILED: boom"
		if err := s.SaveRun(ctx, rec); err != nil {
			t.Fatal(err)
		}
		got, err := s.LoadRun(ctx, rec.RunID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Success || got.Error != rec.Error {
			t.Errorf("LoadRun() = %+v, want replaced record", got)
		}
	})

	t.Run("empty payload", func(t *testing.T) {
		rec := RunRecord{RunID: prefix + "run-empty", WorkflowID: wfB, StartedAt: base.Add(-time.Hour)}
		if err := s.SaveRun(ctx, rec); err != nil {
			t.Fatal(err)
		}
		if _, err := s.LoadRun(ctx, rec.RunID); err != nil {
			t.Errorf("LoadRun() error = %v", err)
		}
	})

	t.Run("missing run id", func(t *testing.T) {
		if err := s.SaveRun(ctx, RunRecord{WorkflowID: wfA}); err == nil {
			t.Error("SaveRun() without run id should fail")
		}
	})

	t.Run("not found", func(t *testing.T) {
		if _, err := s.LoadRun(ctx, prefix+"missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("LoadRun() error = %v, want ErrNotFound", err)
		}
		if err := s.DeleteRun(ctx, prefix+"missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("DeleteRun() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("list newest first", func(t *testing.T) {
		for i := 2; i <= 4; i++ {
			rec := record(fmt.Sprintf("%srun-%d", prefix, i), wfA, base.Add(time.Duration(i)*time.Minute))
			if err := s.SaveRun(ctx, rec); err != nil {
				t.Fatal(err)
			}
		}

		runs, err := s.ListRuns(ctx, wfA, 0)
		if err != nil {
			t.Fatal(err)
		}
		var ids []string
		for _, r := range runs {
			ids = append(ids, r.RunID)
		}
		want := []string{prefix + "run-4", prefix + "run-3", prefix + "run-2", prefix + "run-1"}
		if fmt.Sprint(ids) != fmt.Sprint(want) {
			t.Errorf("ListRuns() = %v, want %v", ids, want)
		}

		limited, err := s.ListRuns(ctx, wfA, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(limited) != 2 || limited[0].RunID != prefix+"run-4" {
			t.Errorf("ListRuns(limit 2) = %d records", len(limited))
		}

		other, err := s.ListRuns(ctx, wfB, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(other) != 1 || other[0].RunID != prefix+"run-empty" {
			t.Errorf("ListRuns(%s) = %+v", wfB, other)
		}

		none, err := s.ListRuns(ctx, prefix+"wf-none", 0)
		if err != nil || none == nil || len(none) != 0 {
			t.Errorf("ListRuns(unknown) = %v, %v; want empty slice", none, err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := s.DeleteRun(ctx, prefix+"run-2"); err != nil {
			t.Fatalf("DeleteRun() error = %v", err)
		}
		if _, err := s.LoadRun(ctx, prefix+"run-2"); !errors.Is(err, ErrNotFound) {
			t.Errorf("deleted run still loads: %v", err)
		}
	})

	t.Run("concurrent saves", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make(chan error, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- s.SaveRun(ctx, record(fmt.Sprintf("%sconc-%d", prefix, i), prefix+"wf-conc", base))
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Errorf("SaveRun() error = %v", err)
			}
		}
		runs, err := s.ListRuns(ctx, prefix+"wf-conc", 0)
		if err != nil || len(runs) != 10 {
			t.Errorf("ListRuns() = %d records, %v; want 10", len(runs), err)
		}
	})

	t.Run("closed", func(t *testing.T) {
		if err := s.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if err := s.Close(); err != nil {
			t.Errorf("second Close() error = %v", err)
		}
		if _, err := s.LoadRun(ctx, prefix+"run-1"); !errors.Is(err, ErrClosed) {
			t.Errorf("LoadRun() after Close error = %v, want ErrClosed", err)
		}
		if err := s.SaveRun(ctx, record(prefix+"late", wfA, base)); !errors.Is(err, ErrClosed) {
			t.Errorf("SaveRun() after Close error = %v, want ErrClosed", err)
		}
	})
}
