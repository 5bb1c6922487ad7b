package sync

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls backoff between attempts on retryable failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts before dead-lettering.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// InitialBackoff is the delay after the first failure.
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration `yaml:"max_backoff" json:"max_backoff"`
	// JitterFraction is the +/- fraction of randomization applied to
	// each delay, in [0, 1).
	JitterFraction float64 `yaml:"jitter_fraction" json:"jitter_fraction"`
}

// DefaultRetryPolicy returns the standard policy: five attempts with
// exponential backoff from 200ms, capped at 30s, with 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.2,
	}
}

// Backoff returns the delay before the given retry. attempt is
// 1-based: Backoff(1) is the delay after the first failure.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(p.InitialBackoff) * math.Pow(2, float64(attempt-1))
	if max := float64(p.MaxBackoff); backoff > max {
		backoff = max
	}
	if p.JitterFraction > 0 {
		delta := backoff * p.JitterFraction
		backoff = backoff - delta + rand.Float64()*2*delta
	}
	return time.Duration(backoff)
}
