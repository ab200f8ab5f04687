package analysis

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// RetryPolicy bounds automatic re-queues of retryable failures with
// jittered exponential backoff.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewRetryPolicy builds a policy. Non-positive arguments fall back to the
// defaults of 3 attempts, 2s base, and 60s cap.
func NewRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	return &RetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// MaxAttempts returns the attempt cap enforced by the worker.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether another automatic attempt is allowed.
func (p *RetryPolicy) ShouldRetry(class Classification, attemptsMade int) bool {
	if !class.Retryable() {
		return false
	}
	return attemptsMade < p.maxAttempts
}

// Backoff returns the wait before the next attempt. attemptsMade counts
// completed attempts, so the first retry uses the base delay.
func (p *RetryPolicy) Backoff(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attemptsMade-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
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
