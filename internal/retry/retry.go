// Package retry wraps fallible external operations with bounded,
// jittered exponential backoff and per-source rate limiting.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/raphaelgruber/unipipe/internal/config"
	"github.com/raphaelgruber/unipipe/internal/ratelimit"
)

// Permanent marks an error as non-retryable. The executor returns it
// immediately without consuming further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// ExhaustedError wraps the last failure after all attempts were used.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Executor retries an operation with exponential backoff, acquiring a
// rate-limit slot before every attempt.
type Executor struct {
	policy  config.RetryConfig
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// NewExecutor builds an executor from a retry policy. The limiter may be
// nil when the source has no call budget.
func NewExecutor(policy config.RetryConfig, limiter *ratelimit.Limiter, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{policy: policy, limiter: limiter, logger: logger}
}

// Do runs op until it succeeds, returns a permanent error, exhausts
// max_retries additional attempts, or the context is cancelled.
//
// Nominal delay before attempt k (1-based retries) is
// min(max_backoff, initial_backoff * multiplier^(k-1)), jittered by
// ±jitter_fraction.
func (e *Executor) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	bo := e.newBackOff()

	attempt := 0
	permanent := false
	wrapped := func() error {
		attempt++
		if err := e.limiter.Acquire(ctx); err != nil {
			permanent = true
			return backoff.Permanent(err)
		}

		err := op(ctx)
		if err == nil {
			return nil
		}

		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			permanent = true
			return err
		}

		e.logger.Warn("operation failed, will retry",
			"operation", name,
			"attempt", attempt,
			"max_attempts", e.policy.MaxRetries+1,
			"error", err)
		return err
	}

	err := backoff.Retry(wrapped, backoff.WithContext(bo, ctx))
	if err == nil {
		return nil
	}
	if permanent || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ExhaustedError{Attempts: attempt, Last: err}
}

func (e *Executor) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.policy.InitialBackoff.Std()
	bo.MaxInterval = e.policy.MaxBackoff.Std()
	bo.Multiplier = e.policy.Multiplier
	bo.RandomizationFactor = e.policy.JitterFraction
	// Attempt count, not wall time, bounds the retry loop.
	bo.MaxElapsedTime = 0
	bo.Reset()

	return backoff.WithMaxRetries(bo, uint64(e.policy.MaxRetries))
}

// Delays returns the nominal (unjittered) delay sequence for a policy.
// Used by status tooling to display the configured schedule.
func Delays(policy config.RetryConfig) []time.Duration {
	out := make([]time.Duration, 0, policy.MaxRetries)
	d := policy.InitialBackoff.Std()
	for range policy.MaxRetries {
		if d > policy.MaxBackoff.Std() {
			d = policy.MaxBackoff.Std()
		}
		out = append(out, d)
		d = time.Duration(float64(d) * policy.Multiplier)
	}
	return out
}
