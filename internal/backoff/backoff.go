package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy controls how rate limited requests are retried
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64 // Jitter factor (0.0 to 1.0)
	MaxAttempts int     // total attempts including the first; 1 disables retries
}

// DefaultPolicy returns the policy used by API clients
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1, // ±10% jitter
		MaxAttempts: 4,
	}
}

// Delay computes the wait before retry number attempt (1-based)
// Formula: min(base * multiplier^(attempt-1), maxDelay) + jitter
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))

	// Cap at max delay
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	// Add jitter (±jitter%)
	if p.Jitter > 0 {
		jitterRange := delay * p.Jitter
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

// Retry calls fn until it reports no retry is wanted, attempts run out or
// ctx is done. It returns fn's last error.
func Retry(ctx context.Context, p Policy, fn func() (retry bool, err error)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.Delay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		var retry bool
		retry, err = fn()
		if !retry {
			return err
		}
	}
	return err
}
