package health

import (
	"context"
	"fmt"

	"github.com/jonwraymond/breakwater/resilience"
)

// CircuitBreakerChecker adapts a resilience.CircuitBreaker's state into a
// health.Checker: Closed reports Healthy, HalfOpen reports Degraded (the
// breaker is probing recovery), and Open reports Unhealthy.
type CircuitBreakerChecker struct {
	name string
	cb   *resilience.CircuitBreaker
}

// NewCircuitBreakerChecker creates a checker named name over cb.
func NewCircuitBreakerChecker(name string, cb *resilience.CircuitBreaker) *CircuitBreakerChecker {
	return &CircuitBreakerChecker{name: name, cb: cb}
}

// Name returns the name of this checker.
func (c *CircuitBreakerChecker) Name() string { return c.name }

// Check reports the breaker's current state, materializing any
// time-driven transition first via Snapshot.
func (c *CircuitBreakerChecker) Check(ctx context.Context) Result {
	snap := c.cb.Snapshot()

	details := map[string]any{
		"state":        snap.State.String(),
		"failure_rate": snap.FailureRate,
		"sample_count": snap.SampleCount,
		"cycle_count":  snap.CycleTransitionCount,
	}

	switch snap.State {
	case resilience.Closed:
		return Healthy(fmt.Sprintf("%s: closed", c.name)).WithDetails(details)
	case resilience.HalfOpen:
		return Degraded(fmt.Sprintf("%s: half-open, probing recovery", c.name)).WithDetails(details)
	default:
		return Unhealthy(fmt.Sprintf("%s: open", c.name), resilience.ErrCallNotPermitted).WithDetails(details)
	}
}
