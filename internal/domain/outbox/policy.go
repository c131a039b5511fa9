package outbox

import (
	"math"
	"time"
)

// RetryPolicy bounds how often a record is redelivered after a sink failure.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy returns the relay defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    10,
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Minute,
		Multiplier:     2.0,
	}
}

// Backoff returns the delay before the next attempt of a record that has
// already failed attempts times: InitialBackoff * Multiplier^(attempts-1),
// capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	if attempts < 1 {
		attempts = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.InitialBackoff) * math.Pow(mult, float64(attempts-1))
	if p.MaxBackoff > 0 && (d > float64(p.MaxBackoff) || math.IsInf(d, 0)) {
		return p.MaxBackoff
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// NextAttemptAt is the earliest time a record with attempts failures may be claimed again.
func (p RetryPolicy) NextAttemptAt(now time.Time, attempts int) time.Time {
	return now.Add(p.Backoff(attempts))
}
