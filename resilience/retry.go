package resilience

import (
	"context"

	"github.com/jonwraymond/breakwater/observe"
)

// RetryConfig configures a Retry engine. T is the result type returned by
// the generic Execute function; operations with no meaningful result use
// Retry[any] and call ExecuteNoResult.
type RetryConfig[T any] struct {
	// MaxAttempts is the maximum number of attempts, including the
	// initial call. Attempt 1 is the initial call; attempts 2.. are
	// retries. Default: 3.
	MaxAttempts int

	// Delay computes the wait before attempt N+1 given N. Default:
	// NoDelay().
	Delay DelayStrategy

	// ShouldRetryOnException decides whether an error should trigger a
	// retry. Default: all non-nil errors retry.
	ShouldRetryOnException func(err error) bool

	// ShouldRetryOnResult decides whether a successful result should
	// still trigger a retry (e.g. an embedded application-level failure
	// code rather than a Go error). Default: never retry on result.
	ShouldRetryOnResult func(result T) bool

	// BeforeAttempt is called immediately before each attempt, including
	// the first, with the 1-based attempt number.
	BeforeAttempt func(attempt int)

	// ExceptionHandler transforms the terminal error before it is
	// returned to the caller. Default: identity (rethrow as-is).
	ExceptionHandler func(err error) error

	// Clock is the time source used for delay waits. Default: RealClock().
	Clock Clock

	// Logger, if set, receives a structured log line per emitted event.
	Logger observe.Logger
}

func (c RetryConfig[T]) withDefaults() RetryConfig[T] {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Delay == nil {
		c.Delay = NoDelay()
	}
	if c.ShouldRetryOnException == nil {
		c.ShouldRetryOnException = func(err error) bool { return err != nil }
	}
	if c.ShouldRetryOnResult == nil {
		c.ShouldRetryOnResult = func(T) bool { return false }
	}
	if c.ExceptionHandler == nil {
		c.ExceptionHandler = func(err error) error { return err }
	}
	c.Clock = clockOrDefault(c.Clock)
	return c
}

// Retry is a loop-and-delay controller around a user operation. It is
// stateless across calls: the same *Retry may be used concurrently by
// many goroutines.
type Retry[T any] struct {
	config RetryConfig[T]
	bus    *eventBus
}

// NewRetry creates a new Retry engine. T is inferred from config.
func NewRetry[T any](config RetryConfig[T]) *Retry[T] {
	return &Retry[T]{config: config.withDefaults(), bus: newEventBus()}
}

// Config returns the effective (defaulted) configuration.
func (r *Retry[T]) Config() RetryConfig[T] { return r.config }

// Subscribe registers a listener for every event this engine emits.
func (r *Retry[T]) Subscribe() (<-chan Event, int) { return r.bus.Subscribe() }

// Unsubscribe removes a previously registered listener.
func (r *Retry[T]) Unsubscribe(id int) { r.bus.Unsubscribe(id) }

// CancelListeners removes every current subscriber.
func (r *Retry[T]) CancelListeners() {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	r.bus.subs = make(map[int]chan Event)
}

// OnRetry registers a listener invoked with the 1-based attempt number
// each time an attempt is about to be retried, filtering Subscribe down
// to RetryAttemptEvent.
func (r *Retry[T]) OnRetry(fn func(attempt int)) int {
	ch, id := r.bus.Subscribe()
	go func() {
		for ev := range ch {
			if e, ok := ev.(RetryAttemptEvent); ok {
				fn(e.Attempt)
			}
		}
	}()
	return id
}

// OnSuccess registers a listener invoked with the attempt number when an
// operation succeeds after at least one retry, filtering Subscribe down
// to RetrySuccessEvent.
func (r *Retry[T]) OnSuccess(fn func(attempt int)) int {
	ch, id := r.bus.Subscribe()
	go func() {
		for ev := range ch {
			if e, ok := ev.(RetrySuccessEvent); ok {
				fn(e.Attempt)
			}
		}
	}()
	return id
}

// OnError registers a listener invoked with the final attempt number and
// terminal error once retries are exhausted, filtering Subscribe down to
// RetryErrorEvent.
func (r *Retry[T]) OnError(fn func(attempt int, cause error)) int {
	ch, id := r.bus.Subscribe()
	go func() {
		for ev := range ch {
			if e, ok := ev.(RetryErrorEvent); ok {
				fn(e.Attempt, e.Cause)
			}
		}
	}()
	return id
}

// OnIgnoredError registers a listener invoked with the error whenever
// ShouldRetryOnException rejects it and the engine gives up immediately,
// filtering Subscribe down to RetryIgnoredErrorEvent.
func (r *Retry[T]) OnIgnoredError(fn func(cause error)) int {
	ch, id := r.bus.Subscribe()
	go func() {
		for ev := range ch {
			if e, ok := ev.(RetryIgnoredErrorEvent); ok {
				fn(e.Cause)
			}
		}
	}()
	return id
}

func (r *Retry[T]) emit(ctx context.Context, ev Event) {
	r.bus.Publish(ev)
	if r.config.Logger == nil {
		return
	}
	switch e := ev.(type) {
	case RetryAttemptEvent:
		r.config.Logger.Warn(ctx, "retry attempt", observe.Field{Key: "attempt", Value: e.Attempt})
	case RetrySuccessEvent:
		r.config.Logger.Debug(ctx, "retry succeeded", observe.Field{Key: "attempt", Value: e.Attempt})
	case RetryErrorEvent:
		r.config.Logger.Error(ctx, "retry exhausted", observe.Field{Key: "attempt", Value: e.Attempt}, observe.Field{Key: "error", Value: e.Cause.Error()})
	case RetryIgnoredErrorEvent:
		r.config.Logger.Error(ctx, "retry ignored error", observe.Field{Key: "error", Value: e.Cause.Error()})
	}
}

// ExecuteNoResult runs op, retrying per the configured policy, and
// returns the terminal error (nil on success). This is the common case:
// operations with no result value, only a success/failure outcome.
func (r *Retry[T]) ExecuteNoResult(ctx context.Context, op func(context.Context) error) error {
	_, err := Execute(ctx, r, func(ctx context.Context) (T, error) {
		var zero T
		return zero, op(ctx)
	})
	return err
}

// Execute runs op through r, retrying per the configured policy
// including ShouldRetryOnResult, and returns its result or the terminal
// error. This is the full attempt/classify/delay loop.
func Execute[T any](ctx context.Context, r *Retry[T], op func(context.Context) (T, error)) (T, error) {
	attempt := 1

	for {
		if r.config.BeforeAttempt != nil {
			r.config.BeforeAttempt(attempt)
		}

		result, err := op(ctx)

		var giveUp error
		var retryable bool

		switch {
		case err == nil && !r.config.ShouldRetryOnResult(result):
			if attempt > 1 {
				r.emit(ctx, RetrySuccessEvent{Attempt: attempt})
			}
			return result, nil

		case err == nil:
			// should_retry_on_result said yes.
			retryable = true
			giveUp = ErrMaxRetriesExceeded

		case !r.config.ShouldRetryOnException(err):
			r.emit(ctx, RetryIgnoredErrorEvent{Cause: err})
			var zero T
			return zero, r.config.ExceptionHandler(err)

		default:
			retryable = true
			giveUp = err
		}

		if !retryable || attempt >= r.config.MaxAttempts {
			r.emit(ctx, RetryErrorEvent{Attempt: attempt, Cause: giveUp})
			var zero T
			return zero, r.config.ExceptionHandler(giveUp)
		}

		attempt++
		r.emit(ctx, RetryAttemptEvent{Attempt: attempt})

		delay := r.config.Delay.DelayFor(attempt-1, DelayContext{})
		if !providesOwnWait(r.config.Delay) {
			select {
			case <-ctx.Done():
				var zero T
				return zero, ctx.Err()
			case <-sleep(r.config.Clock, delay):
			}
		}
	}
}
