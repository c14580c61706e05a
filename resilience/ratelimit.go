package resilience

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/jonwraymond/breakwater/observe"
)

// Algorithm is a tagged variant selecting the rate limiter's replenishment
// policy. Each variant carries TotalPermits,
// ReplenishmentPeriod, and QueueLength through AlgorithmConfig.
type Algorithm interface {
	config() AlgorithmConfig
	// replenishLocked applies the algorithm-specific replenishment to sem,
	// given the elapsed time since sem.replenishmentTimeMark, and advances
	// the mark. Must be called with the engine lock held.
	replenishLocked(sem *semaphoreState, now time.Time)
	// retryAfterLocked computes the advisory wait for a rejected request
	// of the given permit count. Must be called with the engine lock held.
	retryAfterLocked(sem *semaphoreState, now time.Time, permitsNeeded int) time.Duration
}

// AlgorithmConfig is the shared configuration every Algorithm variant
// carries.
type AlgorithmConfig struct {
	// TotalPermits is the capacity per replenishment period. Must be >= 1.
	TotalPermits int

	// ReplenishmentPeriod is the window/refill period. Must be > 0.
	ReplenishmentPeriod time.Duration

	// QueueLength is the maximum number of waiters queued once the
	// permit pool is exhausted. Zero means reject immediately with no
	// queueing.
	QueueLength int
}

func (c AlgorithmConfig) validate() {
	if c.TotalPermits < 1 {
		panic("resilience: algorithm total permits must be >= 1")
	}
	if c.ReplenishmentPeriod <= 0 {
		panic("resilience: algorithm replenishment period must be > 0")
	}
	if c.QueueLength < 0 {
		panic("resilience: algorithm queue length must be >= 0")
	}
}

// FixedWindowCounter resets permits_in_use to 0 at each replenishment
// period boundary.
type FixedWindowCounter struct {
	AlgorithmConfig
}

// NewFixedWindowCounter constructs a FixedWindowCounter algorithm.
func NewFixedWindowCounter(cfg AlgorithmConfig) FixedWindowCounter {
	cfg.validate()
	return FixedWindowCounter{AlgorithmConfig: cfg}
}

func (a FixedWindowCounter) config() AlgorithmConfig { return a.AlgorithmConfig }

func (a FixedWindowCounter) replenishLocked(sem *semaphoreState, now time.Time) {
	if sem.replenishmentTimeMark.IsZero() {
		sem.replenishmentTimeMark = now
		return
	}
	if now.Sub(sem.replenishmentTimeMark) >= a.ReplenishmentPeriod {
		sem.permitsInUse = 0
		sem.replenishmentTimeMark = now
	}
}

func (a FixedWindowCounter) retryAfterLocked(sem *semaphoreState, now time.Time, _ int) time.Duration {
	d := sem.replenishmentTimeMark.Add(a.ReplenishmentPeriod).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// TokenBucket regenerates tokens at TotalPermits/ReplenishmentPeriod,
// capped at TotalPermits. permitsInUse here represents
// tokens currently checked out; replenishment deducts accrued tokens from
// it, floored at 0.
type TokenBucket struct {
	AlgorithmConfig
}

// NewTokenBucket constructs a TokenBucket algorithm.
func NewTokenBucket(cfg AlgorithmConfig) TokenBucket {
	cfg.validate()
	return TokenBucket{AlgorithmConfig: cfg}
}

func (a TokenBucket) config() AlgorithmConfig { return a.AlgorithmConfig }

func (a TokenBucket) refillRate() float64 {
	return float64(a.TotalPermits) / a.ReplenishmentPeriod.Seconds()
}

func (a TokenBucket) replenishLocked(sem *semaphoreState, now time.Time) {
	if sem.replenishmentTimeMark.IsZero() {
		sem.replenishmentTimeMark = now
		return
	}
	elapsed := now.Sub(sem.replenishmentTimeMark)
	if elapsed <= 0 {
		return
	}
	accrued := int(elapsed.Seconds() * a.refillRate())
	if accrued <= 0 {
		return
	}
	sem.permitsInUse -= accrued
	if sem.permitsInUse < 0 {
		sem.permitsInUse = 0
	}
	sem.replenishmentTimeMark = now
}

func (a TokenBucket) retryAfterLocked(_ *semaphoreState, _ time.Time, permitsNeeded int) time.Duration {
	if permitsNeeded <= 0 {
		return 0
	}
	seconds := float64(permitsNeeded) / a.refillRate()
	return time.Duration(seconds * float64(time.Second))
}

// SlidingWindowCounter weights the previous and current segment windows
// to smooth the fixed-window boundary effect. Segments
// must be >= 1; the replenishment period is divided evenly among them.
type SlidingWindowCounter struct {
	AlgorithmConfig
	Segments int
}

// NewSlidingWindowCounter constructs a SlidingWindowCounter algorithm.
func NewSlidingWindowCounter(cfg AlgorithmConfig, segments int) SlidingWindowCounter {
	cfg.validate()
	if segments < 1 {
		panic("resilience: sliding window counter segments must be >= 1")
	}
	return SlidingWindowCounter{AlgorithmConfig: cfg, Segments: segments}
}

func (a SlidingWindowCounter) config() AlgorithmConfig { return a.AlgorithmConfig }

func (a SlidingWindowCounter) segmentPeriod() time.Duration {
	return a.ReplenishmentPeriod / time.Duration(a.Segments)
}

// replenishLocked rotates the previous/current segment counters whenever
// one or more full segment boundaries have elapsed, weighting the
// previous segment's contribution to permits_in_use by how much of it
// still overlaps the trailing window.
func (a SlidingWindowCounter) replenishLocked(sem *semaphoreState, now time.Time) {
	if sem.replenishmentTimeMark.IsZero() {
		sem.replenishmentTimeMark = now
		return
	}
	segPeriod := a.segmentPeriod()
	elapsed := now.Sub(sem.replenishmentTimeMark)
	if elapsed < segPeriod {
		return
	}
	boundaries := int(elapsed / segPeriod)
	for i := 0; i < boundaries && i < 2; i++ {
		sem.previousSegment = sem.currentSegment
		sem.currentSegment = 0
	}
	if boundaries >= 2 {
		sem.previousSegment = 0
	}
	sem.replenishmentTimeMark = sem.replenishmentTimeMark.Add(time.Duration(boundaries) * segPeriod)

	elapsedInCurrent := now.Sub(sem.replenishmentTimeMark)
	weight := 1 - float64(elapsedInCurrent)/float64(a.ReplenishmentPeriod)
	if weight < 0 {
		weight = 0
	}
	sem.permitsInUse = sem.currentSegment + int(float64(sem.previousSegment)*weight)
}

func (a SlidingWindowCounter) retryAfterLocked(sem *semaphoreState, now time.Time, _ int) time.Duration {
	segPeriod := a.segmentPeriod()
	d := sem.replenishmentTimeMark.Add(segPeriod).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// semaphoreState is the admission-control state shared between acquire
// and release. Mutated only while the engine lock is held.
type semaphoreState struct {
	permitsInUse          int
	replenishmentTimeMark time.Time

	// previousSegment and currentSegment are only meaningful for
	// SlidingWindowCounter; FixedWindowCounter and TokenBucket ignore
	// them.
	previousSegment int
	currentSegment  int
}

// RateLimiterConfig configures the RateLimiter engine.
type RateLimiterConfig struct {
	// Algorithm selects the replenishment policy. Required.
	Algorithm Algorithm

	// BaseAcquisitionTimeout is the default wait when Acquire is called
	// without an explicit per-call timeout (timeout < 0 means "use this
	// default"). Default: 0 (no wait; reject immediately if not admitted
	// and queueing is exhausted).
	BaseAcquisitionTimeout time.Duration

	// OnRejected, if set, is called synchronously with the rejection
	// error whenever admission is denied, in addition to the error being
	// returned from Acquire/Call.
	OnRejected func(err error)

	// Clock is the time source for replenishment marks and waiter
	// timeouts. Default: RealClock().
	Clock Clock

	// Logger, if set, receives a structured log line per emitted event.
	Logger observe.Logger
}

func (c RateLimiterConfig) withDefaults() RateLimiterConfig {
	c.Clock = clockOrDefault(c.Clock)
	return c
}

// RateLimiter is a semaphore-based admission controller with a FIFO
// waiter queue and an algorithm-specific replenishment policy.
type RateLimiter struct {
	config RateLimiterConfig
	bus    *eventBus

	mu    sync.Mutex
	sem   semaphoreState
	queue *waiterQueue
}

// NewRateLimiter creates a new RateLimiter engine.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Algorithm == nil {
		panic("resilience: rate limiter algorithm is required")
	}
	return &RateLimiter{
		config: config.withDefaults(),
		bus:    newEventBus(),
		queue:  newWaiterQueue(),
	}
}

// Config returns the effective (defaulted) configuration.
func (rl *RateLimiter) Config() RateLimiterConfig { return rl.config }

// Subscribe registers a listener for every event this engine emits.
func (rl *RateLimiter) Subscribe() (<-chan Event, int) { return rl.bus.Subscribe() }

// Unsubscribe removes a previously registered listener.
func (rl *RateLimiter) Unsubscribe(id int) { rl.bus.Unsubscribe(id) }

// Acquire admits permits, queueing the caller (up to the algorithm's
// QueueLength) if the pool is currently exhausted, and waiting up to
// timeout (or BaseAcquisitionTimeout if timeout < 0) before rejecting
// with a *RateLimitedError. permits must be > 0; timeout must be >= 0 or
// negative to mean "use the default".
func (rl *RateLimiter) Acquire(ctx context.Context, permits int, timeout time.Duration) error {
	if permits <= 0 {
		panic("resilience: acquire permits must be > 0")
	}
	if timeout < 0 {
		timeout = rl.config.BaseAcquisitionTimeout
	}

	clk := rl.config.Clock
	cfg := rl.config.Algorithm.config()

	rl.mu.Lock()
	now := clk.Now()
	rl.config.Algorithm.replenishLocked(&rl.sem, now)

	if rl.sem.permitsInUse+permits <= cfg.TotalPermits {
		rl.sem.permitsInUse += permits
		rl.applySegmentLocked(permits)
		rl.mu.Unlock()
		rl.bus.Publish(RateLimiterAcquiredEvent{Permits: permits})
		return nil
	}

	if rl.queue.size() >= cfg.QueueLength {
		retryAfter := rl.config.Algorithm.retryAfterLocked(&rl.sem, now, permits)
		rl.mu.Unlock()
		return rl.reject(retryAfter)
	}

	w := &waiter{permitsRequested: permits, resume: make(chan struct{}, 1)}
	handle := rl.queue.enqueue(w)
	rl.mu.Unlock()

	timer := sleep(clk, timeout)
	select {
	case <-w.resume:
		rl.bus.Publish(RateLimiterAcquiredEvent{Permits: permits})
		return nil
	case <-ctx.Done():
		return rl.cancelWait(w, handle, cfg, permits)
	case <-timer:
		if timeout <= 0 {
			// timeout == 0 with no grant yet: immediate rejection path,
			// but give the resume channel one last non-blocking check in
			// case the releaser fired concurrently with our timer.
			select {
			case <-w.resume:
				rl.bus.Publish(RateLimiterAcquiredEvent{Permits: permits})
				return nil
			default:
			}
		}
		return rl.cancelWait(w, handle, cfg, permits)
	}
}

func (rl *RateLimiter) cancelWait(w *waiter, handle *list.Element, cfg AlgorithmConfig, permits int) error {
	rl.mu.Lock()
	if !w.resumable {
		rl.queue.remove(handle)
	}
	resumable := w.resumable
	now := rl.config.Clock.Now()
	retryAfter := rl.config.Algorithm.retryAfterLocked(&rl.sem, now, permits)
	rl.mu.Unlock()

	if resumable {
		// Granted concurrently with our timeout firing; honor the grant.
		rl.bus.Publish(RateLimiterAcquiredEvent{Permits: permits})
		return nil
	}
	return rl.reject(retryAfter)
}

func (rl *RateLimiter) reject(retryAfter time.Duration) error {
	err := &RateLimitedError{RetryAfter: retryAfter}
	rl.bus.Publish(RateLimiterRejectedEvent{Permits: 0, RetryAfter: retryAfter})
	if rl.config.Logger != nil {
		rl.config.Logger.Warn(context.Background(), "rate limiter rejected", observe.Field{Key: "retry_after", Value: retryAfter.String()})
	}
	if rl.config.OnRejected != nil {
		rl.config.OnRejected(err)
	}
	return err
}

// applySegmentLocked tracks the current-segment counter used by
// SlidingWindowCounter; other algorithms ignore it. Must be called with
// the lock held, immediately after an admission.
func (rl *RateLimiter) applySegmentLocked(permits int) {
	if _, ok := rl.config.Algorithm.(SlidingWindowCounter); ok {
		rl.sem.currentSegment += permits
	}
}

// Release returns permits to the pool and resumes as many head-of-queue
// waiters as now fit, strictly in FIFO order: a head waiter whose request
// does not yet fit blocks every waiter behind it, even one that would
// otherwise fit. Earlier, larger waiters are never skipped in favor of
// later, smaller ones, so no waiter starves behind a stream of small
// requests.
func (rl *RateLimiter) Release(permits int) {
	if permits <= 0 {
		panic("resilience: release permits must be > 0")
	}

	rl.mu.Lock()
	if permits > rl.sem.permitsInUse {
		rl.mu.Unlock()
		panic("resilience: release exceeds permits in use")
	}
	rl.sem.permitsInUse -= permits

	cfg := rl.config.Algorithm.config()
	var resumeList []*waiter
	for {
		head := rl.queue.peekHead()
		if head == nil {
			break
		}
		if rl.sem.permitsInUse+head.permitsRequested > cfg.TotalPermits {
			break
		}
		rl.queue.dequeueHead()
		head.resumable = true
		rl.sem.permitsInUse += head.permitsRequested
		resumeList = append(resumeList, head)
	}
	rl.mu.Unlock()

	for _, w := range resumeList {
		w.resume <- struct{}{}
	}
}

// Call acquires permits, runs op, and releases the permits once op
// returns (regardless of outcome).
func (rl *RateLimiter) Call(ctx context.Context, permits int, timeout time.Duration, op func(context.Context) error) error {
	if err := rl.Acquire(ctx, permits, timeout); err != nil {
		return err
	}
	defer rl.Release(permits)
	return op(ctx)
}
