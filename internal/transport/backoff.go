package transport

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff is an exponential reconnect policy with jitter.
type Backoff struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	// MaximumAttempts of 0 retries until the context ends.
	MaximumAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{
		InitialInterval:    100 * time.Millisecond,
		BackoffCoefficient: 2.0,
		MaximumInterval:    10 * time.Second,
		MaximumAttempts:    0,
	}
}

// Delay returns the wait before retry attempt (1-based), jittered by ±20%.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return b.InitialInterval
	}

	backoff := float64(b.InitialInterval) * math.Pow(b.BackoffCoefficient, float64(attempt-1))
	backoff *= 0.8 + rand.Float64()*0.4

	if backoff > float64(b.MaximumInterval) {
		backoff = float64(b.MaximumInterval)
	}
	return time.Duration(backoff)
}

// Exhausted reports whether attempt is past the limit.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaximumAttempts > 0 && attempt >= b.MaximumAttempts
}
