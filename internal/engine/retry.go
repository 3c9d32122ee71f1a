package engine

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/ekorhonen/weft/pkg/api"
)

// NextBackoff computes the delay before the attempt following the given
// (1-based) failed attempt: initial * multiplier^(attempt-1), capped at
// MaxBackoff. A policy without an initial backoff retries immediately.
func NextBackoff(attempt int, p api.RetryPolicy) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}

	d := time.Duration(float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1)))
	if d <= 0 {
		// The float math overflowed.
		d = time.Duration(math.MaxInt64)
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// ShouldRetry decides retry-vs-terminal for a failed attempt (1-based).
// Entries in NonRetryable match either the failure category or the exact
// error message. MaxAttempts == 0 means unlimited, bounded only by the
// invocation's schedule-to-close timeout.
func ShouldRetry(attempt int, category, message string, p api.RetryPolicy) bool {
	if category == api.CategoryTerminal {
		return false
	}
	for _, c := range p.NonRetryable {
		if c == category || c == message {
			return false
		}
	}
	if p.MaxAttempts == 0 {
		return true
	}
	return attempt < p.MaxAttempts
}

// classify maps a handler error to a failure category. Deadline expiry of
// the attempt context becomes CategoryTimeout; uncategorized errors are
// transient.
func classify(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return api.CategoryTimeout
	}
	return api.Categorize(err)
}
