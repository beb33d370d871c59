package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// ProviderError is returned by the provider adapters for failed API calls.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Retryable  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// IsTransient reports whether err is worth retrying: rate limits, server
// errors, timeouts and dropped connections. Context cancellation never is.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Retryable {
			return true
		}
		if pe.StatusCode != 0 {
			return pe.StatusCode == 429 || pe.StatusCode >= 500
		}
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"rate limit",
		"too many requests",
		"timeout",
		"connection reset",
		"connection refused",
		"temporary",
		"overloaded",
		"503",
		"502",
		"500",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// StatusRetryable reports whether an HTTP status code is worth retrying.
func StatusRetryable(code int) bool {
	return code == 429 || code >= 500
}

// RetryingModel retries transient Chat failures with exponential backoff.
type RetryingModel struct {
	Model      ChatModel
	MaxRetries uint64
	BaseDelay  time.Duration
}

// WithRetry wraps m so transient failures are retried up to maxRetries
// times, doubling the delay from base between attempts.
//
// Example:
//
//	m := model.WithRetry(anthropic.NewChatModel(key, ""), 3, 500*time.Millisecond)
func WithRetry(m ChatModel, maxRetries uint64, base time.Duration) *RetryingModel {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	return &RetryingModel{Model: m, MaxRetries: maxRetries, BaseDelay: base}
}

// Chat implements ChatModel.
func (r *RetryingModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	var out ChatOut
	backoff := retry.WithMaxRetries(r.MaxRetries, retry.NewExponential(r.BaseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		out, err = r.Model.Chat(ctx, messages, tools)
		if err != nil && IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return ChatOut{}, err
	}
	return out, nil
}

// ChatStream opens a stream from the wrapped model, retrying transient
// failures to open it. Failures after the first byte are not retried.
func (r *RetryingModel) ChatStream(ctx context.Context, messages []Message) (io.ReadCloser, error) {
	sm, ok := r.Model.(StreamingChatModel)
	if !ok {
		out, err := r.Chat(ctx, messages, nil)
		if err != nil {
			return nil, err
		}
		return newReplyStream(out), nil
	}

	var stream io.ReadCloser
	backoff := retry.WithMaxRetries(r.MaxRetries, retry.NewExponential(r.BaseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		stream, err = sm.ChatStream(ctx, messages)
		if err != nil && IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// Stream opens a reply stream from m. Models without streaming support are
// called with Chat and their reply is returned as a single chunk.
func Stream(ctx context.Context, m ChatModel, messages []Message) (io.ReadCloser, error) {
	if sm, ok := m.(StreamingChatModel); ok {
		return sm.ChatStream(ctx, messages)
	}
	out, err := m.Chat(ctx, messages, nil)
	if err != nil {
		return nil, err
	}
	return newReplyStream(out), nil
}
