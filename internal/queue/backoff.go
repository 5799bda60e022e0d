package queue

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// defaultMaxBackoff caps exponential growth when no MaxDelay is set.
const defaultMaxBackoff = time.Hour

// BackoffPolicy describes the wait between a failed attempt and the next.
type BackoffPolicy struct {
	Type     string        `json:"type"`
	Delay    time.Duration `json:"delay"`
	MaxDelay time.Duration `json:"maxDelay,omitempty"`
}

// DefaultBackoff is exponential with a one second base.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Type: BackoffExponential, Delay: time.Second}
}

// IsZero reports whether the policy was left unset.
func (p BackoffPolicy) IsZero() bool {
	return p.Type == "" && p.Delay == 0
}

// After returns the wait before the retry that follows attemptsMade failed
// attempts: Delay × 2^(attemptsMade-1) for exponential, Delay for fixed.
func (p BackoffPolicy) After(attemptsMade int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	if p.Type == BackoffFixed {
		return p.Delay
	}

	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxBackoff
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Delay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxDelay,
	}
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attemptsMade; i++ {
		d = b.NextBackOff()
	}
	return d
}
