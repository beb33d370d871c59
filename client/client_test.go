package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestExecuteWorkflow(t *testing.T) {
	var gotBody map[string]any
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/workflows/wf-1/execute" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "key" {
			t.Errorf("X-API-Key = %q", r.Header.Get("X-API-Key"))
		}
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		writeJSON(w, http.StatusOK, map[string]any{
			"success":       true,
			"output":        map[string]any{"answer": 42},
			"logs":          []any{map[string]any{"blockId": "start", "blockType": "starter", "success": true}},
			"metadata":      map[string]any{"runId": "run-1", "workflowId": "wf-1", "passes": 2},
			"totalDuration": 12,
		})
	})

	c := New("key", srv.URL+"/")
	res, err := c.ExecuteWorkflow(context.Background(), "wf-1", map[string]any{"q": "hi"}, 0)
	if err != nil {
		t.Fatalf("ExecuteWorkflow() error = %v", err)
	}
	if gotBody["q"] != "hi" {
		t.Errorf("sent body = %v", gotBody)
	}
	if !res.Success || res.TotalDuration != 12 || res.Metadata.RunID != "run-1" || len(res.Logs) != 1 {
		t.Errorf("result = %+v", res)
	}
	if out, _ := res.Output.(map[string]any); out["answer"] != float64(42) {
		t.Errorf("output = %v", res.Output)
	}
}

func TestExecuteWorkflow_DefaultInput(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		if string(data) != "{}" {
			t.Errorf("body = %q, want {}", data)
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "block failed"})
	})

	res, err := New("", srv.URL).ExecuteWorkflowSync(context.Background(), "wf", nil, time.Second)
	if err != nil {
		t.Fatalf("ExecuteWorkflowSync() error = %v", err)
	}
	if res.Success || res.Error != "block failed" {
		t.Errorf("result = %+v, want failed run reported in the result", res)
	}
}

func TestExecuteWorkflow_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    any
		code    string
		message string
	}{
		{"server code", http.StatusUnauthorized, map[string]any{"error": "invalid or missing API key", "code": "UNAUTHORIZED"}, "UNAUTHORIZED", "invalid or missing API key"},
		{"no body", http.StatusForbidden, nil, CodeExecutionError, "HTTP 403: Forbidden"},
		{"error only", http.StatusNotFound, map[string]any{"error": "workflow not found"}, CodeExecutionError, "workflow not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
				if tt.body == nil {
					w.WriteHeader(tt.status)
					return
				}
				writeJSON(w, tt.status, tt.body)
			})

			_, err := New("k", srv.URL).ExecuteWorkflow(context.Background(), "wf", nil, 0)
			var cerr *Error
			if !errors.As(err, &cerr) {
				t.Fatalf("err = %v, want *Error", err)
			}
			if cerr.Code != tt.code || cerr.Status != tt.status || cerr.Message != tt.message {
				t.Errorf("err = %+v, want code %s status %d message %q", cerr, tt.code, tt.status, tt.message)
			}
		})
	}
}

func TestExecuteWorkflow_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	_, err := New("", srv.URL).ExecuteWorkflow(context.Background(), "wf", nil, 20*time.Millisecond)
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Code != CodeTimeout {
		t.Fatalf("err = %v, want TIMEOUT", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err does not wrap the deadline: %v", err)
	}
}

func TestExecuteWorkflow_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New("", url).ExecuteWorkflow(context.Background(), "wf", nil, time.Second)
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Code != CodeExecutionError || cerr.Status != 0 {
		t.Errorf("err = %v, want EXECUTION_ERROR without status", err)
	}
}

func TestGetWorkflowStatus(t *testing.T) {
	deployed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/workflows/live/status":
			writeJSON(w, http.StatusOK, map[string]any{"isDeployed": true, "deployedAt": deployed, "isPublished": true, "needsRedeployment": false})
		case "/api/workflows/draft/status":
			writeJSON(w, http.StatusOK, map[string]any{"isDeployed": false, "deployedAt": nil})
		default:
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "workflow not found", "code": "WORKFLOW_NOT_FOUND"})
		}
	})
	c := New("", srv.URL)

	st, err := c.GetWorkflowStatus(context.Background(), "live")
	if err != nil {
		t.Fatalf("GetWorkflowStatus() error = %v", err)
	}
	if !st.IsDeployed || !st.IsPublished || st.DeployedAt == nil || !st.DeployedAt.Equal(deployed) {
		t.Errorf("status = %+v", st)
	}

	_, err = c.GetWorkflowStatus(context.Background(), "missing")
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Code != "WORKFLOW_NOT_FOUND" || cerr.Status != http.StatusNotFound {
		t.Errorf("err = %v", err)
	}

	tests := map[string]bool{"live": true, "draft": false, "missing": false}
	for id, want := range tests {
		if got := c.ValidateWorkflow(context.Background(), id); got != want {
			t.Errorf("ValidateWorkflow(%s) = %v, want %v", id, got, want)
		}
	}
}

func TestGetWorkflowStatus_Retries(t *testing.T) {
	var calls atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"isDeployed": true})
	})

	c := New("", srv.URL, WithRetries(3, time.Millisecond, 5*time.Millisecond))
	st, err := c.GetWorkflowStatus(context.Background(), "wf")
	if err != nil || !st.IsDeployed {
		t.Fatalf("GetWorkflowStatus() = %+v, %v", st, err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestExecuteWorkflow_NotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	c := New("", srv.URL, WithRetries(3, time.Millisecond, 5*time.Millisecond))
	if _, err := c.ExecuteWorkflow(context.Background(), "wf", nil, time.Second); err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestSetters(t *testing.T) {
	c := New("", "")
	if c.BaseURL() != DefaultBaseURL {
		t.Errorf("BaseURL() = %q", c.BaseURL())
	}
	c.SetBaseURL("https://flows.example.com//")
	if c.BaseURL() != "https://flows.example.com" {
		t.Errorf("BaseURL() = %q", c.BaseURL())
	}
	if got := c.endpoint("a b", "status"); got != "https://flows.example.com/api/workflows/a%20b/status" {
		t.Errorf("endpoint() = %q", got)
	}

	var seen string
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-API-Key")
		writeJSON(w, http.StatusOK, map[string]any{"isDeployed": true})
	})
	c.SetBaseURL(srv.URL)
	c.SetAPIKey("rotated")
	if _, err := c.GetWorkflowStatus(context.Background(), "wf"); err != nil {
		t.Fatal(err)
	}
	if seen != "rotated" {
		t.Errorf("X-API-Key = %q, want rotated", seen)
	}
}

func TestError(t *testing.T) {
	err := &Error{Code: CodeTimeout, Message: "timed out"}
	if err.Error() != "timed out (TIMEOUT)" {
		t.Errorf("Error() = %q", err.Error())
	}
	if (&Error{Message: "plain"}).Error() != "plain" {
		t.Error("Error() without code should be the message")
	}
}
