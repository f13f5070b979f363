package scaffold

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds the retries of retryable provider failures during agent
// steps. The zero value means "use defaults"; WithDefaults fills them in.
type RetryPolicy struct {
	// InitialDelay is the backoff before the first retry.
	InitialDelay time.Duration
	// Factor multiplies the delay after every attempt.
	Factor float64
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
	// MaxAttempts bounds the total attempts, the first call included.
	MaxAttempts int
	// Jitter spreads delays by the given fraction around the nominal value,
	// so that concurrent sessions do not retry in lockstep. 0.2 means final
	// delays land within 10% either side of nominal. Zero selects the
	// default; set negative to disable jitter.
	Jitter float64
}

// Default retry bounds.
const (
	DefaultInitialDelay = 500 * time.Millisecond
	DefaultRetryFactor  = 2.0
	DefaultMaxDelay     = 30 * time.Second
	DefaultMaxAttempts  = 5
	DefaultJitter       = 0.2
)

// WithDefaults returns the policy with zero fields replaced by defaults.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	if p.Factor < 1 {
		p.Factor = DefaultRetryFactor
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	switch {
	case p.Jitter == 0:
		p.Jitter = DefaultJitter
	case p.Jitter < 0:
		p.Jitter = 0
	case p.Jitter > 1:
		p.Jitter = 1
	}
	return p
}

// Delay computes the backoff before retrying after the given 1-based failed
// attempt. A provider-suggested delay overrides the exponential schedule;
// both are capped at MaxDelay and only the schedule is jittered.
func (p RetryPolicy) Delay(attempt int, retryAfter *time.Duration) time.Duration {
	if retryAfter != nil && *retryAfter > 0 {
		if *retryAfter > p.MaxDelay {
			return p.MaxDelay
		}
		return *retryAfter
	}
	d := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if p.Jitter > 0 {
		d *= 1 - p.Jitter/2 + rand.Float64()*p.Jitter
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}
