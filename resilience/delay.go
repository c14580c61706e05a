package resilience

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// DelayContext carries auxiliary information a custom delay strategy may
// need. It is currently empty; engines pass a zero value except where
// documented otherwise (the circuit breaker passes none — delay depends
// only on the cycle transition count, which is the attempt argument).
type DelayContext struct{}

// DelayStrategy computes the wait duration before the next attempt or
// state transition. attempt starts at 1. Implementations must be pure and
// safe for concurrent use; they must not sleep themselves unless they also
// implement DelayProvider.
type DelayStrategy interface {
	DelayFor(attempt int, ctx DelayContext) time.Duration
}

// DelayProvider is implemented by custom delay strategies that perform
// their own wait (e.g. they integrate with an external scheduler) instead
// of returning a duration for the engine to sleep on. When a DelayStrategy
// also implements DelayProvider, the engine treats its returned duration
// as already-waited and skips its own sleep.
type DelayProvider interface {
	ProvidesOwnWait() bool
}

func providesOwnWait(s DelayStrategy) bool {
	p, ok := s.(DelayProvider)
	return ok && p.ProvidesOwnWait()
}

func applyJitter(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || base <= 0 {
		return base
	}
	// Uniformly perturb by +/- (jitter * base).
	span := float64(base) * jitter
	// rand.Float64() is in [0,1); shift to [-span, span].
	// #nosec G404 -- jitter is non-cryptographic timing variance.
	delta := (rand.Float64()*2 - 1) * span
	d := time.Duration(float64(base) + delta)
	if d < 0 {
		d = 0
	}
	return d
}

// noDelayStrategy always returns zero, regardless of attempt.
type noDelayStrategy struct{}

// NoDelay returns a strategy with zero wait between attempts.
func NoDelay() DelayStrategy { return noDelayStrategy{} }

func (noDelayStrategy) DelayFor(int, DelayContext) time.Duration { return 0 }

// ConstantDelay waits Delay between every attempt, perturbed by Jitter.
type ConstantDelay struct {
	Delay  time.Duration
	Jitter float64
}

// NewConstantDelay validates and constructs a ConstantDelay strategy.
func NewConstantDelay(delay time.Duration, jitter float64) DelayStrategy {
	if delay <= 0 {
		panic("resilience: constant delay must be strictly positive")
	}
	if jitter < 0 || jitter > 1 {
		panic("resilience: jitter factor must be in [0, 1]")
	}
	return ConstantDelay{Delay: delay, Jitter: jitter}
}

func (d ConstantDelay) DelayFor(int, DelayContext) time.Duration {
	return applyJitter(d.Delay, d.Jitter)
}

// LinearDelay grows the delay linearly with attempt, capped at Max.
type LinearDelay struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     float64
}

// NewLinearDelay validates and constructs a LinearDelay strategy.
func NewLinearDelay(initial time.Duration, multiplier float64, max time.Duration) DelayStrategy {
	if initial <= 0 {
		panic("resilience: linear delay initial must be strictly positive")
	}
	if multiplier <= 0 {
		panic("resilience: linear delay multiplier must be > 0")
	}
	if max > 0 && max < initial {
		panic("resilience: linear delay max must be >= initial")
	}
	return LinearDelay{Initial: initial, Multiplier: multiplier, Max: max}
}

func (d LinearDelay) DelayFor(attempt int, _ DelayContext) time.Duration {
	base := time.Duration(float64(d.Initial) * (1 + d.Multiplier*float64(attempt-1)))
	if d.Max > 0 && base > d.Max {
		base = d.Max
	}
	return applyJitter(base, d.Jitter)
}

// ExponentialDelay doubles (or scales by Multiplier) the delay each
// attempt, capped at Max.
type ExponentialDelay struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     float64
}

// NewExponentialDelay validates and constructs an ExponentialDelay
// strategy.
func NewExponentialDelay(initial time.Duration, multiplier float64, max time.Duration) DelayStrategy {
	if initial <= 0 {
		panic("resilience: exponential delay initial must be strictly positive")
	}
	if multiplier <= 1 {
		panic("resilience: exponential delay multiplier must be > 1")
	}
	if max > 0 && max < initial {
		panic("resilience: exponential delay max must be >= initial")
	}
	return ExponentialDelay{Initial: initial, Multiplier: multiplier, Max: max}
}

func (d ExponentialDelay) DelayFor(attempt int, _ DelayContext) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	scale := math.Pow(d.Multiplier, float64(attempt-1))
	base := time.Duration(float64(d.Initial) * scale)
	if d.Max > 0 && base > d.Max {
		base = d.Max
	}
	return applyJitter(base, d.Jitter)
}

// CustomDelay wraps a user-supplied function as a DelayStrategy. If
// OwnWait is true, the engine treats Fn's return value as time already
// waited (Fn performed the wait itself) and skips its own sleep.
type CustomDelay struct {
	Fn      func(attempt int, ctx DelayContext) time.Duration
	OwnWait bool
}

// NewCustomDelay constructs a CustomDelay strategy from fn.
func NewCustomDelay(fn func(attempt int, ctx DelayContext) time.Duration) DelayStrategy {
	if fn == nil {
		panic("resilience: custom delay function must not be nil")
	}
	return CustomDelay{Fn: fn}
}

func (d CustomDelay) DelayFor(attempt int, ctx DelayContext) time.Duration {
	return d.Fn(attempt, ctx)
}

func (d CustomDelay) ProvidesOwnWait() bool { return d.OwnWait }

func validateDelayStrategy(s DelayStrategy) error {
	if s == nil {
		return fmt.Errorf("resilience: delay strategy must not be nil")
	}
	return nil
}
