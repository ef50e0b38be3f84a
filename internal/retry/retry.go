// Package retry wraps fallible calls to external services with exponential
// backoff and wall-clock deadlines.
package retry

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/docforge/api/internal/model"
)

// Policy configures Do
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// IsRetryable decides whether a failed attempt may be repeated. Nil means DefaultRetryable.
	IsRetryable func(error) bool
	// OnRetry is called before each wait, with the attempt that just failed.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy is three attempts starting at half a second
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		IsRetryable: DefaultRetryable,
	}
}

// Backoff returns the wait between attempt and attempt+1 (attempt is 1-based)
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay << (attempt - 1)
}

// Do runs op until it succeeds, fails with a non-retryable error, or
// MaxAttempts is reached. The last error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.IsRetryable
	if retryable == nil {
		retryable = DefaultRetryable
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == attempts || !retryable(err) {
			return zero, err
		}

		delay := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}
	return zero, lastErr
}

// DefaultRetryable retries transport failures, timeouts, 5xx and 429.
// Validation and other 4xx failures are final.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}

	var permanent *model.PermanentError
	if errors.As(err, &permanent) {
		return false
	}

	var transient *model.TransientError
	if errors.As(err, &transient) {
		return true
	}

	if errors.Is(err, model.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}
