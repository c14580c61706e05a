package resilience

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for resilience operations.
var (
	// ErrMaxRetriesExceeded is returned when a retry engine exhausts
	// MaxAttempts while ShouldRetryOnResult still asks for a retry. When
	// attempts run out on a retryable error, that error is returned instead.
	ErrMaxRetriesExceeded = errors.New("resilience: max retries exceeded")

	// ErrCallNotPermitted is returned when the circuit breaker is open, or
	// half-open and at its permitted-call capacity.
	ErrCallNotPermitted = errors.New("resilience: circuit breaker call not permitted")

	// ErrBulkheadFull is returned when the bulkhead is at capacity.
	ErrBulkheadFull = errors.New("resilience: bulkhead at capacity")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("resilience: operation timed out")
)

// RateLimitedError is returned when the rate limiter denies admission.
// RetryAfter is an algorithm-specific hint for how long the caller should
// wait before trying again; it is advisory, not a guarantee.
//
// Modeled as a struct error rather than a sentinel because retry_after is
// payload the caller needs, following the shape used by rate limiters
// elsewhere in the ecosystem (retry-after-carrying rate limit errors).
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("resilience: rate limited, retry after %s", e.RetryAfter)
}

// Is lets errors.Is(err, ErrRateLimited) match any RateLimitedError
// regardless of its RetryAfter value.
func (e *RateLimitedError) Is(target error) bool {
	_, ok := target.(*RateLimitedError)
	return ok
}

// ErrRateLimited is a zero-value RateLimitedError usable with errors.Is.
var ErrRateLimited = &RateLimitedError{}
