package catalog

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"time"
)

// RetryPolicy implements jittered exponential backoff for catalog calls,
// bounded by both attempt count and total elapsed time.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxElapsed  time.Duration
}

// NewRetryPolicy builds a policy from explicit bounds.
func NewRetryPolicy(maxAttempts int, baseDelay, maxDelay, maxElapsed time.Duration) *RetryPolicy {
	return &RetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		maxElapsed:  maxElapsed,
	}
}

// DefaultRetryPolicy builds a policy with sane defaults.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		maxAttempts: 3,
		baseDelay:   250 * time.Millisecond,
		maxDelay:    5 * time.Second,
		maxElapsed:  2 * time.Minute,
	}
}

// ShouldRetry decides whether the error is retryable. A 4xx catalog response
// is never retried; it signals a malformed query, not a transient outage.
func (p *RetryPolicy) ShouldRetry(err error, attempt int, elapsed time.Duration) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if p.maxElapsed > 0 && elapsed >= p.maxElapsed {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return true
}

// Backoff returns the wait duration before the next attempt.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *RetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
