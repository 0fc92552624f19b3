package outbox

import "time"

// RetryPolicy bounds delivery retries. MaxAttempts is the total number of
// attempts a record gets, the first included: the attempt that brings
// attempt_count to MaxAttempts dead-letters the record instead of
// scheduling another.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 8, Base: time.Second, MaxDelay: 5 * time.Minute}
}

// Backoff returns base << (attempt-1), capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
