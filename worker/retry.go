package worker

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines backoff for transiently failed sends.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// Multiplier is applied after each retry. 2.0 doubles the delay each time.
	Multiplier float64

	// Jitter is a random factor (0-1) applied to the delay.
	Jitter float64
}

// DefaultRetryPolicy matches the delivery contract: five attempts, one minute
// base doubling up to a one hour cap, with 10% jitter to spread thundering
// retries.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Minute,
		MaxDelay:    time.Hour,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// NextDelay calculates the delay after the given failed attempt.
// Attempt is 1-indexed: attempt 1 yields BaseDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	multiplier := math.Pow(p.Multiplier, float64(attempt-1))
	delay := time.Duration(float64(p.BaseDelay) * multiplier)

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 {
		// delay * (1 +/- jitter)
		jitterFactor := 1 - p.Jitter + 2*p.Jitter*rand.Float64()
		delay = time.Duration(float64(delay) * jitterFactor)
	}

	return delay
}

// Exhausted reports whether no further attempt should be made after the given
// number of attempts.
func (p *RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
