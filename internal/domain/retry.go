package domain

import "time"

// Default retry policy values
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 60 * time.Second
)

// RetryPolicy decides whether a failed attempt is redelivered and after how long.
// Attempts are numbered from 1; attempt n may be retried while n <= MaxRetries.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// DefaultRetryPolicy returns the 3 x 60s policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: DefaultMaxRetries, Delay: DefaultRetryDelay}
}

// ShouldRetry reports whether the given failed attempt has retries left
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt <= p.MaxRetries
}

// MaxAttempts is the total number of executions the policy allows
func (p RetryPolicy) MaxAttempts() int {
	return p.MaxRetries + 1
}
