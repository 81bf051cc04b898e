package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelay(t *testing.T) {
	p := Policy{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
		Jitter:     0, // No jitter for predictable tests
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, 1600 * time.Millisecond},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestDelayMax(t *testing.T) {
	p := Policy{
		BaseDelay:  1 * time.Second,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
	}

	// Should cap at max delay
	assert.Equal(t, 5*time.Second, p.Delay(10))
}

func TestDelayJitter(t *testing.T) {
	p := Policy{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1, // 10% jitter
	}

	expected := 400 * time.Millisecond
	for i := 0; i < 10; i++ {
		d := p.Delay(3)
		assert.GreaterOrEqual(t, float64(d), float64(expected)*0.9)
		assert.LessOrEqual(t, float64(d), float64(expected)*1.1)
	}
}

func fastPolicy(attempts int) Policy {
	return Policy{
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
		MaxAttempts: attempts,
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), func() (bool, error) {
		calls++
		if calls < 3 {
			return true, errors.New("rate limited")
		}
		return false, nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryGivesUp(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func() (bool, error) {
		calls++
		return true, errors.New("rate limited")
	})

	assert.EqualError(t, err, "rate limited")
	assert.Equal(t, 3, calls)
}

func TestRetryNonRetryableError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func() (bool, error) {
		calls++
		return false, errors.New("corrupt image")
	})

	assert.EqualError(t, err, "corrupt image")
	assert.Equal(t, 1, calls)
}

func TestRetryContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, Policy{BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1, MaxAttempts: 2}, func() (bool, error) {
		calls++
		return true, errors.New("rate limited")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
