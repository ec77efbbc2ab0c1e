package manager

import (
	"time"

	"github.com/marcus/stargazer/internal/aiclient"
)

// DefaultRetryDelayCap bounds the exponential backoff between attempts.
const DefaultRetryDelayCap = 60 * time.Second

// RetryPolicy decides whether a failed task runs again and how long to wait.
type RetryPolicy struct {
	DelayCap time.Duration
}

// NewRetryPolicy creates a policy with the given cap (0 = default).
func NewRetryPolicy(cap time.Duration) RetryPolicy {
	if cap <= 0 {
		cap = DefaultRetryDelayCap
	}
	return RetryPolicy{DelayCap: cap}
}

// ShouldRetry reports whether a failure warrants another attempt: retries
// must remain and the error class must be transient. Malformed requests and
// upstream service errors fail the task outright.
func (p RetryPolicy) ShouldRetry(retryCount, maxRetries int, err error) bool {
	return retryCount < maxRetries && aiclient.IsRetryable(err)
}

// NextDelay returns base * 2^retryCount, capped.
func (p RetryPolicy) NextDelay(base time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if retryCount > 30 {
		return p.DelayCap
	}
	delay := base << uint(retryCount)
	if delay <= 0 || delay > p.DelayCap {
		return p.DelayCap
	}
	return delay
}
