// Package backoff computes retry delays for transient storage and provider failures.
package backoff

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

const maxShift = 30

// Exponential returns base * 2^attempt, capped at max when max > 0.
func Exponential(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	d := base << attempt
	if d <= 0 || (max > 0 && d > max) {
		return max
	}
	return d
}

// FullJitter returns a random duration in [0, delay).
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(delay))) // #nosec G404 -- jitter only
}

// ExponentialWithJitter combines Exponential with FullJitter.
func ExponentialWithJitter(base, max time.Duration, attempt int) time.Duration {
	return FullJitter(Exponential(base, max, attempt))
}

// SleepWithContext sleeps for d unless ctx is done first.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
