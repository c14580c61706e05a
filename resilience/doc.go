// Package resilience provides fault-tolerance engines for tool execution:
// retry, circuit breaker, rate limiter, bulkhead, and timeout. Patterns
// can be composed together using the Executor to build robust execution
// pipelines.
//
// # Ecosystem Position
//
// resilience sits between tool invocation and external service calls:
//
//	┌─────────────────────────────────────────────────────────────────┐
//	│                      Tool Execution Flow                        │
//	├─────────────────────────────────────────────────────────────────┤
//	│                                                                 │
//	│   toolexec           resilience              External           │
//	│   ┌──────┐         ┌───────────┐           ┌─────────┐         │
//	│   │ Tool │────────▶│ Executor  │──────────▶│ Service │         │
//	│   │ Call │         │           │           │  (API)  │         │
//	│   └──────┘         │ ┌───────┐ │           └─────────┘         │
//	│                    │ │RateLim│ │                                │
//	│                    │ ├───────┤ │                                │
//	│                    │ │Bulkhd │ │                                │
//	│                    │ ├───────┤ │                                │
//	│                    │ │Circuit│ │                                │
//	│                    │ ├───────┤ │                                │
//	│                    │ │ Retry │ │                                │
//	│                    │ ├───────┤ │                                │
//	│                    │ │Timeout│ │                                │
//	│                    │ └───────┘ │                                │
//	│                    └───────────┘                                │
//	│                                                                 │
//	└─────────────────────────────────────────────────────────────────┘
//
// # Engines
//
//   - [Retry]: a loop-and-delay controller with pluggable [DelayStrategy]
//     (constant, linear, exponential, custom) and independent predicates
//     for retryable errors and retryable results.
//
//   - [CircuitBreaker]: a Closed/Open/HalfOpen reducer driven by a
//     count-based sliding failure-rate window, with cycle-aware delay
//     escalation on repeated trips.
//
//   - [RateLimiter]: a semaphore-based admission controller with a FIFO
//     waiter queue and a pluggable [Algorithm] ([FixedWindowCounter],
//     [SlidingWindowCounter], [TokenBucket]).
//
//   - [KeyedRateLimiter]: a per-key family of independent rate limiters,
//     constructed lazily and deduplicated under concurrent first access.
//
//   - [Bulkhead]: semaphore-based concurrency limiting to prevent resource
//     exhaustion and isolate failures.
//
//   - [Timeout]: context-based timeout to ensure operations complete
//     within a time limit.
//
// # Quick Start
//
//	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
//	    FailureRateThreshold: 0.5,
//	    WindowSize:           10,
//	    MinimumThroughput:    10,
//	    DelayInOpen:          resilience.NewConstantDelay(time.Minute, 0),
//	})
//
//	err := cb.Execute(ctx, func(ctx context.Context) error {
//	    return callExternalService(ctx)
//	})
//
//	// Composed patterns with Executor
//	executor := resilience.NewExecutor(
//	    resilience.WithRateLimiter(resilience.NewRateLimiter(resilience.RateLimiterConfig{
//	        Algorithm: resilience.NewTokenBucket(resilience.AlgorithmConfig{
//	            TotalPermits:        100,
//	            ReplenishmentPeriod: time.Second,
//	            QueueLength:         50,
//	        }),
//	    })),
//	    resilience.WithCircuitBreaker(cb),
//	    resilience.WithRetry(resilience.NewRetry(resilience.RetryConfig[any]{
//	        MaxAttempts: 3,
//	        Delay:       resilience.NewExponentialDelay(100*time.Millisecond, 2, 5*time.Second),
//	    })),
//	    resilience.WithTimeout(5*time.Second),
//	)
//
//	err = executor.Execute(ctx, func(ctx context.Context) error {
//	    return callExternalService(ctx)
//	})
//
// # Execution Order
//
// When using the Executor, patterns are applied in this order (outermost first):
//
//  1. Rate Limiter - limits request rate
//  2. Bulkhead - limits concurrency
//  3. Circuit Breaker - prevents cascading failures
//  4. Retry - retries on failure
//  5. Timeout - limits execution time (innermost)
//
// # Thread Safety
//
// All exported types are safe for concurrent use after construction:
//
//   - [CircuitBreaker]: Execute(), State(), and Snapshot() are mutex-protected
//   - [Retry]: ExecuteNoResult() and the generic Execute() function are
//     stateless and safe for concurrent use
//   - [RateLimiter]: Acquire(), Release(), and Call() are mutex-protected, and the
//     lock is released before any caller suspends on the waiter queue
//   - [Bulkhead]: Acquire(), Release(), Execute() use channel-based semaphore
//   - [Timeout]: Execute() is stateless and safe for concurrent use
//   - [Executor]: Execute() is safe; all wrapped engines maintain their own guarantees
//
// # Error Handling
//
// Each engine returns specific sentinel errors (use errors.Is for checking):
//
//   - [ErrCallNotPermitted]: circuit breaker is Open, or HalfOpen at capacity
//   - [ErrMaxRetriesExceeded]: all retry attempts exhausted on retryable
//     results (exhaustion on errors returns the last error)
//   - [ErrRateLimited] / [RateLimitedError]: rate limiter denied admission
//   - [ErrBulkheadFull]: bulkhead at maximum concurrency
//   - [ErrTimeout]: operation exceeded configured timeout
//
// Example error handling:
//
//	err := executor.Execute(ctx, operation)
//	if errors.Is(err, resilience.ErrCallNotPermitted) {
//	    // Service is unhealthy, circuit is protecting downstream.
//	    log.Warn("circuit breaker open, using fallback")
//	    return fallbackResult, nil
//	}
//	var limited *resilience.RateLimitedError
//	if errors.As(err, &limited) {
//	    // Client should back off for limited.RetryAfter.
//	    return nil, status.Error(codes.ResourceExhausted, "rate limited")
//	}
//
// # Observability
//
// The retry, circuit breaker, and rate limiter engines expose Subscribe()
// for event-driven observability in addition to synchronous callbacks
// (OnStateChange, OnRejected) and an optional observe.Logger.
// [NewMetricsRecorder] bridges engine events to OpenTelemetry counters.
//
// # Integration
//
//   - toolexec: wrap tool execution with resilience engines
//   - observe: connect engine loggers and the metrics bridge to the
//     observability stack
//   - health: health.CircuitBreakerChecker adapts CircuitBreaker.Snapshot()
//     into a health.Checker
package resilience
