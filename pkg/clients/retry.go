package clients

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/erpconnect/pkg/errors"
)

// RetryStrategy retries transient failures with exponential backoff.
// Attempts are counted from 1 and MaxAttempts includes the first call.
type RetryStrategy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64

	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// DefaultRetryStrategy returns 3 attempts, 1s base delay doubling up to 30s.
func DefaultRetryStrategy() *RetryStrategy {
	return NewRetryStrategy(3, time.Second, nil)
}

// NoRetry returns a strategy that makes exactly one attempt.
func NoRetry() *RetryStrategy {
	return NewRetryStrategy(1, 0, nil)
}

// NewRetryStrategy creates a strategy with the default multiplier and cap.
func NewRetryStrategy(maxAttempts int, baseDelay time.Duration, logger *zap.Logger) *RetryStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryStrategy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		logger:      logger.With(zap.String("component", "retry")),
		sleep:       sleepContext,
	}
}

// Execute calls fn until it succeeds, fails with a non-retryable error, or
// MaxAttempts is reached. The last error is returned as is. A Retry-After
// carried by the error raises the backoff, up to MaxDelay.
func (r *RetryStrategy) Execute(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !r.ShouldRetry(err, attempt) {
			return err
		}

		delay := r.Delay(attempt)
		if ra := errors.RetryAfter(err); ra > delay {
			delay = ra
			if r.MaxDelay > 0 && delay > r.MaxDelay {
				delay = r.MaxDelay
			}
		}
		r.logger.Debug("retrying request",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Int("status", errors.StatusCode(err)),
			zap.String("network_code", errors.NetworkCode(err)))

		if serr := r.sleep(ctx, delay); serr != nil {
			return fmt.Errorf("retry cancelled after attempt %d: %w (last error: %w)", attempt, serr, err)
		}
	}
}

// ShouldRetry reports whether a failure on attempt deserves another try.
func (r *RetryStrategy) ShouldRetry(err error, attempt int) bool {
	if attempt >= r.MaxAttempts {
		return false
	}
	return errors.IsRetryable(err)
}

// Delay returns min(MaxDelay, BaseDelay * Multiplier^(attempt-1)).
func (r *RetryStrategy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(r.BaseDelay) * math.Pow(r.Multiplier, float64(attempt-1))
	if r.MaxDelay > 0 && d > float64(r.MaxDelay) {
		return r.MaxDelay
	}
	return time.Duration(d)
}

// WithMaxAttempts returns a copy with a different attempt budget.
func (r *RetryStrategy) WithMaxAttempts(n int) *RetryStrategy {
	cp := *r
	if n < 1 {
		n = 1
	}
	cp.MaxAttempts = n
	return &cp
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
