package reliability

import (
	"context"
	"errors"
	"time"
)

// ErrPermanent marks a failure that retrying cannot fix, such as a rejected
// request. Wrap it so retry loops can stop early.
var ErrPermanent = errors.New("permanent failure")

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether a collaborator error is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	// A timed-out collaborator call is a retryable failure, not a crash.
	// Cancellation of the enclosing context is terminal.
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
