package retry

import (
	"context"
	"fmt"
	"time"
)

// Backoff computes the delay before re-attempt n (1-indexed: 1 = first retry).
type Backoff func(retryCount int) time.Duration

// None retries immediately.
func None() Backoff {
	return func(int) time.Duration { return 0 }
}

// Fixed waits the same delay before every retry.
func Fixed(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// Linear waits d, 2d, 3d, ...
func Linear(d time.Duration) Backoff {
	return func(n int) time.Duration { return time.Duration(n) * d }
}

// Exponential waits base, 2·base, 4·base, ... capped at max (0 = uncapped).
func Exponential(base, max time.Duration) Backoff {
	return func(n int) time.Duration {
		d := base
		for i := 1; i < n; i++ {
			d *= 2
			if max > 0 && d >= max {
				return max
			}
		}
		if max > 0 && d > max {
			return max
		}
		return d
	}
}

// Decision is the outcome of consulting a Policy after a failed attempt.
type Decision struct {
	// Retry is false when the task must be marked terminally failed.
	Retry bool
	// Delay is how long to wait before re-queueing. Zero means retry now.
	Delay time.Duration
}

// GiveUp is the terminal decision.
func GiveUp() Decision { return Decision{} }

// After retries once the delay elapses.
func After(d time.Duration) Decision { return Decision{Retry: true, Delay: d} }

// Now retries immediately.
func Now() Decision { return Decision{Retry: true} }

// Policy decides whether and when a failed task is re-attempted.
// The zero value retries immediately up to MaxRetries with no backoff.
type Policy struct {
	// MaxRetries is the number of re-attempts after the first failure.
	MaxRetries int
	// Backoff is optional; nil retries immediately.
	Backoff Backoff
}

// Decide is consulted after a failed attempt. retriesUsed is the number
// of retries the task has already consumed; another one is granted only
// while the budget has room, so a task never records more retries than
// MaxRetries.
func (p Policy) Decide(retriesUsed int, _ error) Decision {
	if retriesUsed >= p.MaxRetries {
		return GiveUp()
	}
	if p.Backoff == nil {
		return Now()
	}
	return After(p.Backoff(retriesUsed + 1))
}

// Config controls the Do helper.
type Config struct {
	// MaxAttempts is the total number of calls including the first attempt.
	MaxAttempts int
	// BaseDelay is the base for quadratic backoff. Wait = BaseDelay * attempt².
	BaseDelay time.Duration
	// OnRetry is called after a failed attempt and before the next delay.
	// attempt is 1-indexed (1 = first attempt just failed).
	OnRetry func(attempt int, err error)
}

// Do calls fn up to cfg.MaxAttempts times. Used for short infrastructure
// calls (event sink publishes, persistence writes), not for task scheduling —
// task re-attempts go through Policy so the scheduler stays in control.
//
// Wait schedule with BaseDelay=1s:
//   attempt 1 fails → wait 1s  (1² × 1s)
//   attempt 2 fails → wait 4s  (2² × 1s)
//   attempt 3 fails → wait 9s  (3² × 1s)
//
// Returns nil on first success, or the last error after all attempts.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		// Last attempt — no delay, just return the error.
		if attempt == cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		delay := cfg.BaseDelay * time.Duration(attempt*attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
	}
	return lastErr
}
