package federation

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy decides which inboxes of a finished delivery are worth another
// attempt and how long the job system should wait before making it.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

// DefaultRetryPolicy backs off from 30s up to six hours over 16 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  16,
		BaseDelay:    30 * time.Second,
		MaxDelay:     6 * time.Hour,
		JitterFactor: 0.2,
	}
}

// Backoff returns the delay before the given attempt (zero-based), exponential
// in the attempt number, capped at MaxDelay and spread by JitterFactor.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	jitter := delay * p.JitterFactor * (2*rand.Float64() - 1)
	delay += jitter
	if delay <= 0 {
		delay = float64(p.BaseDelay)
	}
	return time.Duration(delay)
}

// Exhausted reports whether attempt (zero-based) was the last one allowed.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt+1 >= p.MaxAttempts
}

// RetryableInboxes lists the inboxes whose failure may succeed later.
// Delivered, rejected and skipped inboxes are never retried.
func RetryableInboxes(results []Result) []string {
	var inboxes []string
	for _, r := range results {
		if r.Outcome == OutcomeFailed && IsRetryable(r.Err) {
			inboxes = append(inboxes, r.Inbox)
		}
	}
	return inboxes
}
