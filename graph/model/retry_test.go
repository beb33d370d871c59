package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), false},
		{"rate limited status", &ProviderError{Provider: "openai", StatusCode: 429}, true},
		{"server error status", &ProviderError{Provider: "openai", StatusCode: 503}, true},
		{"bad request status", &ProviderError{Provider: "openai", StatusCode: 400, Message: "invalid"}, false},
		{"flagged retryable", &ProviderError{Provider: "google", Retryable: true}, true},
		{"overloaded message", errors.New("anthropic: overloaded_error"), true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"auth failure", errors.New("invalid api key"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestProviderError(t *testing.T) {
	cause := errors.New("boom")
	err := &ProviderError{Provider: "anthropic", StatusCode: 500, Message: "server error", Cause: cause}
	if err.Error() != "anthropic: server error (status 500)" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("ProviderError should unwrap to its cause")
	}
}

// flakyModel fails with err for the first failures calls.
type flakyModel struct {
	failures int
	err      error
	calls    int
}

func (f *flakyModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	f.calls++
	if f.calls <= f.failures {
		return ChatOut{}, f.err
	}
	return ChatOut{Text: "ok"}, nil
}

func TestWithRetry(t *testing.T) {
	t.Run("retries transient failures", func(t *testing.T) {
		inner := &flakyModel{failures: 2, err: &ProviderError{Provider: "x", StatusCode: 503}}
		m := WithRetry(inner, 3, time.Millisecond)

		out, err := m.Chat(context.Background(), nil, nil)
		if err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
		if out.Text != "ok" || inner.calls != 3 {
			t.Errorf("Chat() = %q after %d calls, want ok after 3", out.Text, inner.calls)
		}
	})

	t.Run("does not retry permanent failures", func(t *testing.T) {
		perm := &ProviderError{Provider: "x", StatusCode: 401, Message: "unauthorized"}
		inner := &flakyModel{failures: 5, err: perm}
		m := WithRetry(inner, 3, time.Millisecond)

		_, err := m.Chat(context.Background(), nil, nil)
		if !errors.Is(err, perm) {
			t.Errorf("err = %v, want %v", err, perm)
		}
		if inner.calls != 1 {
			t.Errorf("calls = %d, want 1", inner.calls)
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		transient := &ProviderError{Provider: "x", StatusCode: 429}
		inner := &flakyModel{failures: 10, err: transient}
		m := WithRetry(inner, 2, time.Millisecond)

		_, err := m.Chat(context.Background(), nil, nil)
		var pe *ProviderError
		if !errors.As(err, &pe) || pe.StatusCode != 429 {
			t.Errorf("err = %v, want the last transient error", err)
		}
		if inner.calls != 3 {
			t.Errorf("calls = %d, want 3", inner.calls)
		}
	})

	t.Run("default delay", func(t *testing.T) {
		m := WithRetry(&flakyModel{}, 1, 0)
		if m.BaseDelay != 500*time.Millisecond {
			t.Errorf("BaseDelay = %v", m.BaseDelay)
		}
	})
}

func TestStream(t *testing.T) {
	t.Run("falls back to Chat", func(t *testing.T) {
		rc, err := Stream(context.Background(), &flakyModel{}, nil)
		if err != nil {
			t.Fatal(err)
		}
		data, _ := io.ReadAll(rc)
		if string(data) != "ok" {
			t.Errorf("stream = %q, want ok", data)
		}
	})

	t.Run("uses streaming models", func(t *testing.T) {
		mock := &MockChatModel{Responses: []ChatOut{{Text: "streamed"}}, ChunkSize: 2}
		rc, err := Stream(context.Background(), mock, nil)
		if err != nil {
			t.Fatal(err)
		}
		data, _ := io.ReadAll(rc)
		if string(data) != "streamed" {
			t.Errorf("stream = %q", data)
		}
		if last, _ := mock.LastCall(); !last.Stream {
			t.Error("expected ChatStream to be used")
		}
	})

	t.Run("retrying wrapper keeps streaming", func(t *testing.T) {
		mock := &MockChatModel{Responses: []ChatOut{{Text: "abc"}}}
		rc, err := Stream(context.Background(), WithRetry(mock, 1, time.Millisecond), nil)
		if err != nil {
			t.Fatal(err)
		}
		data, _ := io.ReadAll(rc)
		if string(data) != "abc" {
			t.Errorf("stream = %q", data)
		}
		if last, _ := mock.LastCall(); !last.Stream {
			t.Error("expected ChatStream to be used through the wrapper")
		}
	})

	t.Run("propagates errors", func(t *testing.T) {
		wantErr := errors.New("down")
		if _, err := Stream(context.Background(), &MockChatModel{Err: wantErr}, nil); !errors.Is(err, wantErr) {
			t.Errorf("err = %v, want %v", err, wantErr)
		}
	})
}
