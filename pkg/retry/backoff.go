// Package retry provides exponential backoff retry logic.
//
// The action dispatcher uses it to re-run side-effecting executors on
// transient failures:
//
//	cfg := retry.BackoffConfig{
//		InitialInterval: 2 * time.Second,
//		Multiplier:      2.0,
//		MaxAttempts:     3,
//	}
//
//	err := retry.WithRetry(ctx, cfg, func(attempt int) error {
//		return executor.Execute(ctx, msg, action)
//	})
//
// The delay before attempt n+1 is InitialInterval * Multiplier^(n-1), capped
// at MaxInterval when set. Each retry loop suspends only its own goroutine;
// cancellation of ctx aborts the wait immediately.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// BackoffConfig controls the retry schedule.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration // zero means uncapped
	Multiplier      float64
	MaxAttempts     int // total attempts, including the first
}

// DefaultBackoffConfig returns the dispatcher defaults: three total attempts
// with delays of 2s and 4s between them.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 2 * time.Second,
		Multiplier:      2.0,
		MaxAttempts:     3,
	}
}

// ExponentialBackoff returns a function mapping a failed attempt number
// (counted from 1) to the delay before the next attempt.
func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return config.InitialInterval
		}

		interval := float64(config.InitialInterval) * math.Pow(config.Multiplier, float64(attempt-1))
		if config.MaxInterval > 0 && interval > float64(config.MaxInterval) {
			interval = float64(config.MaxInterval)
		}

		return time.Duration(interval)
	}
}

// AttemptFunc is one unit of retryable work. The current attempt number
// (counted from 1) is passed in so callers can annotate outbound requests
// and outcome records with it.
type AttemptFunc func(attempt int) error

// WithRetry runs fn until it succeeds or the attempt budget is exhausted,
// sleeping the backoff delay between attempts. The returned error is the
// last failure, annotated with the attempt count.
func WithRetry(ctx context.Context, config BackoffConfig, fn AttemptFunc) error {
	maxAttempts := config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	backoff := ExponentialBackoff(config)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := backoff(attempt - 1)
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		if err := fn(attempt); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	return fmt.Errorf("operation failed after %d attempts: %w", maxAttempts, lastErr)
}
