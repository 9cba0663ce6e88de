// Package retry provides backoff helpers for transient infrastructure failures.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted reports that every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Backoff blocks until the next attempt may run. It returns ctx.Err() if ctx ends first.
type Backoff func(context.Context) error

// ExponentialBackoff waits initial, then initial*r, initial*r^2, ... never exceeding ceiling.
// A non-positive ceiling means no cap.
func ExponentialBackoff(initial time.Duration, r float64, ceiling time.Duration) Backoff {
	interval := initial
	return func(ctx context.Context) error {
		timer := time.NewTimer(interval)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			next := time.Duration(float64(interval) * r)
			if ceiling > 0 && next > ceiling {
				next = ceiling
			}
			interval = next
			return nil
		}
	}
}

// Delays lists the waits ExponentialBackoff performs between attempts.
func Delays(initial time.Duration, r float64, ceiling time.Duration, attempts int) []time.Duration {
	out := make([]time.Duration, 0, max(attempts-1, 0))
	interval := initial
	for i := 1; i < attempts; i++ {
		out = append(out, interval)
		interval = time.Duration(float64(interval) * r)
		if ceiling > 0 && interval > ceiling {
			interval = ceiling
		}
	}
	return out
}

// Attempts calls f up to maxAttempts times, waiting on b between failures.
// It returns the number of attempts made and, on failure, the last error
// joined with ErrExhausted. A backoff error ends the loop early.
func Attempts(ctx context.Context, maxAttempts int, b Backoff, f func(context.Context, int) error) (int, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if last = f(ctx, attempt); last == nil {
			return attempt, nil
		}
		if attempt == maxAttempts {
			break
		}
		if err := b(ctx); err != nil {
			return attempt, errors.Join(last, err)
		}
	}
	return maxAttempts, errors.Join(ErrExhausted, last)
}
