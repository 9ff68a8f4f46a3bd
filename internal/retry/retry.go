// Package retry provides the bounded exponential backoff used by the
// extraction ladder and the webhook dispatcher. Delays grow as base*2^n,
// capped, with full jitter so synchronized callers spread out.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy describes a bounded retry schedule.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Base is the delay before the second attempt.
	Base time.Duration
	// Cap bounds any single delay. Zero means uncapped.
	Cap time.Duration
	// Jitter draws each delay uniformly from [0, computed delay).
	Jitter bool

	// rng is injectable for deterministic tests.
	rng func() float64
}

// Delay returns the wait before the given attempt (attempt 1 is the first
// retry). Attempts at or below zero return zero.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 || p.Base <= 0 {
		return 0
	}
	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.Cap > 0 && delay >= p.Cap {
			delay = p.Cap
			break
		}
	}
	if p.Cap > 0 && delay > p.Cap {
		delay = p.Cap
	}
	if p.Jitter {
		rng := p.rng
		if rng == nil {
			rng = rand.Float64
		}
		delay = time.Duration(rng() * float64(delay))
	}
	return delay
}

// Do runs fn until it succeeds, the attempts are spent, a non-retryable
// error occurs, or the context ends. The attempt passed to fn is 1-based.
// The last error is returned when all attempts fail.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		if delay := p.Delay(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return lastErr
}
