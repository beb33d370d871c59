package handlers

import (
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy controls how API blocks retry failed requests.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry. It doubles with every
	// further attempt.
	BaseDelay time.Duration

	// MaxDelay caps the delay between attempts. Zero means no cap.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns three attempts starting at 200ms, capped at 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// Validate checks the policy for consistency.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("retry policy: MaxAttempts must be at least 1")
	}
	if p.BaseDelay <= 0 {
		return errors.New("retry policy: BaseDelay must be positive")
	}
	if p.MaxDelay < 0 {
		return errors.New("retry policy: MaxDelay cannot be negative")
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		return errors.New("retry policy: MaxDelay must be at least BaseDelay")
	}
	return nil
}

func (p RetryPolicy) backoff() retry.Backoff {
	b := retry.NewExponential(p.BaseDelay)
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	return retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
}
