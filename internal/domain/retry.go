package domain

import "time"

// RetryPolicy governs how many times, and with what backoff, a failed
// Executable invocation is retried before the chain is marked ERROR.
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts"`
	Delay             time.Duration `json:"delay"`
	ExponentialBackoff bool         `json:"exponential_backoff"`
	RetryOn           []string      `json:"retry_on,omitempty"`
}

// DefaultRetryPolicy is a single-attempt policy - the spec's stated
// default when an Executable declares none explicitly.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// DelayForAttempt returns the delay to wait before the given attempt
// number (1-indexed: attempt 1 is the first retry, not the initial try).
func (p RetryPolicy) DelayForAttempt(attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}

	if !p.ExponentialBackoff {
		return p.Delay
	}

	d := p.Delay
	for i := 1; i < attempt; i++ {
		d *= 2
	}

	return d
}

// ShouldRetry reports whether errKind is one this policy retries on. An
// empty RetryOn set retries on any error kind.
func (p RetryPolicy) ShouldRetry(errKind string) bool {
	if len(p.RetryOn) == 0 {
		return true
	}

	for _, k := range p.RetryOn {
		if k == errKind {
			return true
		}
	}

	return false
}
