package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/jonwraymond/breakwater/observe"
)

// BreakerState is the three-valued state exposed by State(). The full
// payload behind each value (delay duration, time marks, cycle count) is
// available via Snapshot.
type BreakerState int

const (
	// Closed means all calls are permitted; failures are tracked against
	// the sliding window.
	Closed BreakerState = iota
	// Open means all calls are rejected until the open delay elapses.
	Open
	// HalfOpen means a limited number of probe calls are permitted.
	HalfOpen
)

// String returns the string representation of the state.
func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breakerState is the tagged union backing the reducer. Only
// one concrete type is live at a time; openState and halfOpenState carry
// their timer bases inline so reads need no separate clock side-channel.
type breakerState interface {
	kind() BreakerState
}

type closedState struct{}

func (closedState) kind() BreakerState { return Closed }

type openState struct {
	delayDuration        time.Duration
	startTimeMark        time.Time
	cycleTransitionCount int
}

func (openState) kind() BreakerState { return Open }

type halfOpenState struct {
	callsAttempted       int
	startTimeMark        time.Time // zero iff MaxWaitInHalfOpen == 0 (wait indefinitely)
	cycleTransitionCount int
}

func (halfOpenState) kind() BreakerState { return HalfOpen }

// Snapshot is a read-only view of the breaker's full internal state,
// useful for tests, dashboards, and the health package's adapter.
type Snapshot struct {
	State                BreakerState
	FailureRate          float64
	SampleCount          int
	CycleTransitionCount int
	DelayDuration        time.Duration
	CallsAttemptedInHalf int
}

// CircuitBreakerConfig configures the CircuitBreaker engine.
type CircuitBreakerConfig struct {
	// FailureRateThreshold is the failure rate, in (0, 1], at or above
	// which Closed transitions to Open. Default: 0.5.
	FailureRateThreshold float64

	// WindowSize is the sliding window capacity. Default: 10.
	WindowSize int

	// MinimumThroughput is the minimum sample count before the window
	// reports a non-zero failure rate. Default: 10.
	MinimumThroughput int

	// PermittedCallsInHalfOpen is the number of probe calls admitted in
	// HalfOpen before a closed/open decision is made. Default: 1.
	PermittedCallsInHalfOpen int

	// MaxWaitInHalfOpen bounds how long the breaker stays in HalfOpen
	// before forcing a transition back to Open. Zero means wait
	// indefinitely for PermittedCallsInHalfOpen probes to complete.
	MaxWaitInHalfOpen time.Duration

	// DelayInOpen computes the Open-state delay duration from the
	// current cycle's transition count. Default: NoDelay() (reopen
	// attempts immediately become eligible for HalfOpen).
	DelayInOpen DelayStrategy

	// RecordException classifies a returned error as a recorded failure.
	// Default: all non-nil errors are failures.
	RecordException func(err error) bool

	// RecordResult classifies a successful result as a recorded failure
	// (e.g. an embedded application error code). Default: never.
	RecordResult func(result any) bool

	// OnStateChange is called after every transition, including manual
	// ones.
	OnStateChange func(from, to BreakerState, manual bool)

	// Clock is the time source for start marks and elapsed-time checks.
	// Default: RealClock().
	Clock Clock

	// Logger, if set, receives a structured log line per emitted event.
	Logger observe.Logger
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = 0.5
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 10
	}
	if c.MinimumThroughput <= 0 {
		c.MinimumThroughput = 10
	}
	if c.PermittedCallsInHalfOpen <= 0 {
		c.PermittedCallsInHalfOpen = 1
	}
	if c.DelayInOpen == nil {
		c.DelayInOpen = NoDelay()
	}
	if c.RecordException == nil {
		c.RecordException = func(err error) bool { return err != nil }
	}
	if c.RecordResult == nil {
		c.RecordResult = func(any) bool { return false }
	}
	c.Clock = clockOrDefault(c.Clock)
	return c
}

func (c CircuitBreakerConfig) validate() {
	if c.FailureRateThreshold > 1 {
		panic("resilience: failure rate threshold must be in (0, 1]")
	}
}

// breakerEvent is the internal reducer input.
type breakerEvent int

const (
	eventOperationSuccess breakerEvent = iota
	eventOperationFailure
	eventForceStateUpdate
	eventTransitionToClosed
	eventTransitionToOpen
	eventTransitionToHalfOpen
	eventReset
)

// CircuitBreaker is a serialized reducer over (state, event) -> state,
// gated by a sliding-window failure statistic.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	bus    *eventBus

	mu     sync.Mutex
	state  breakerState
	window *slidingWindow
}

// NewCircuitBreaker creates a new CircuitBreaker engine.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	config = config.withDefaults()
	config.validate()
	return &CircuitBreaker{
		config: config,
		bus:    newEventBus(),
		state:  closedState{},
		window: newSlidingWindow(config.WindowSize, config.MinimumThroughput),
	}
}

// Config returns the effective (defaulted) configuration.
func (cb *CircuitBreaker) Config() CircuitBreakerConfig { return cb.config }

// Subscribe registers a listener for every event this engine emits.
func (cb *CircuitBreaker) Subscribe() (<-chan Event, int) { return cb.bus.Subscribe() }

// Unsubscribe removes a previously registered listener.
func (cb *CircuitBreaker) Unsubscribe(id int) { cb.bus.Unsubscribe(id) }

// OnStateTransition registers a listener invoked on every state change,
// filtering Subscribe down to BreakerStateTransitionEvent.
func (cb *CircuitBreaker) OnStateTransition(fn func(from, to BreakerState, manual bool)) int {
	ch, id := cb.bus.Subscribe()
	go func() {
		for ev := range ch {
			if e, ok := ev.(BreakerStateTransitionEvent); ok {
				fn(e.From, e.To, e.Manual)
			}
		}
	}()
	return id
}

// OnReset registers a listener invoked whenever Reset clears the breaker
// back to Closed, filtering Subscribe down to BreakerResetEvent.
func (cb *CircuitBreaker) OnReset(fn func()) int {
	ch, id := cb.bus.Subscribe()
	go func() {
		for ev := range ch {
			if _, ok := ev.(BreakerResetEvent); ok {
				fn()
			}
		}
	}()
	return id
}

// State returns the current three-valued state, first dispatching
// ForceStateUpdate so time-driven transitions (Open -> HalfOpen,
// HalfOpen -> Open on MaxWaitInHalfOpen) are materialized before the read.
func (cb *CircuitBreaker) State() BreakerState {
	return cb.Snapshot().State
}

// Snapshot returns the full internal state after materializing
// time-driven transitions.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	transitions := cb.dispatchLocked(eventForceStateUpdate)
	snap := cb.snapshotLocked()
	cb.mu.Unlock()

	cb.publishTransitions(transitions)
	return snap
}

func (cb *CircuitBreaker) snapshotLocked() Snapshot {
	s := Snapshot{
		State:       cb.state.kind(),
		FailureRate: cb.window.currentFailureRate(),
		SampleCount: cb.window.sampleCount(),
	}
	switch st := cb.state.(type) {
	case openState:
		s.CycleTransitionCount = st.cycleTransitionCount
		s.DelayDuration = st.delayDuration
	case halfOpenState:
		s.CycleTransitionCount = st.cycleTransitionCount
		s.CallsAttemptedInHalf = st.callsAttempted
	}
	return s
}

// Execute runs op through the breaker: Open rejects immediately;
// HalfOpen admits up to PermittedCallsInHalfOpen probes; Closed always
// admits. The outcome is classified and fed back into the reducer.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	cb.mu.Lock()
	preTransitions := cb.dispatchLocked(eventForceStateUpdate)

	permitted := cb.admitLocked()
	if !permitted {
		cb.mu.Unlock()
		cb.publishTransitions(preTransitions)
		cb.emit(ctx, BreakerCallNotPermittedEvent{})
		return ErrCallNotPermitted
	}
	cb.mu.Unlock()
	cb.publishTransitions(preTransitions)

	err := op(ctx)

	cb.mu.Lock()
	isFailure := cb.classifyLocked(err)
	ev := eventOperationSuccess
	if isFailure {
		ev = eventOperationFailure
	}
	transitions := cb.dispatchLocked(ev)
	rate := cb.window.currentFailureRate()
	cb.mu.Unlock()

	cb.publishTransitions(transitions)
	if isFailure {
		cb.emit(ctx, BreakerRecordedFailureEvent{FailureRate: rate})
	} else {
		cb.emit(ctx, BreakerRecordedSuccessEvent{FailureRate: rate})
	}

	return err
}

func (cb *CircuitBreaker) classifyLocked(err error) bool {
	if err != nil {
		return cb.config.RecordException(err)
	}
	return cb.config.RecordResult(nil)
}

// admitLocked decides whether a call is permitted in the current state.
// For HalfOpen this only checks the probe budget; callsAttempted is
// incremented once the probe completes, in applyOutcomeLocked.
func (cb *CircuitBreaker) admitLocked() bool {
	switch st := cb.state.(type) {
	case openState:
		return false
	case halfOpenState:
		return st.callsAttempted < cb.config.PermittedCallsInHalfOpen
	default:
		return true
	}
}

// transition records a single state change for event emission after the
// lock is released.
type transition struct {
	from, to BreakerState
	manual   bool
}

// dispatchLocked is the reducer: (state, event) -> state. Must be called
// with cb.mu held. Returns the transitions that occurred, to be published
// by the caller after unlocking.
func (cb *CircuitBreaker) dispatchLocked(ev breakerEvent) []transition {
	from := cb.state.kind()
	manual := false

	switch ev {
	case eventOperationSuccess, eventOperationFailure:
		cb.applyOutcomeLocked(ev == eventOperationFailure)

	case eventForceStateUpdate:
		cb.forceUpdateLocked()

	case eventTransitionToClosed:
		manual = true
		cb.state = closedState{}

	case eventTransitionToOpen:
		manual = true
		cb.openLocked(1)

	case eventTransitionToHalfOpen:
		manual = true
		cb.state = halfOpenState{startTimeMark: cb.halfOpenStartMark()}

	case eventReset:
		manual = true
		cb.window.clear()
		cb.state = closedState{}
	}

	to := cb.state.kind()
	if from == to {
		return nil
	}
	return []transition{{from: from, to: to, manual: manual}}
}

func (cb *CircuitBreaker) halfOpenStartMark() time.Time {
	if cb.config.MaxWaitInHalfOpen == 0 {
		return time.Time{}
	}
	return cb.config.Clock.Now()
}

func (cb *CircuitBreaker) openLocked(cycleCount int) {
	delay := cb.config.DelayInOpen.DelayFor(cycleCount, DelayContext{})
	cb.state = openState{
		delayDuration:        delay,
		startTimeMark:        cb.config.Clock.Now(),
		cycleTransitionCount: cycleCount,
	}
}

// applyOutcomeLocked implements the Closed/HalfOpen reducer rows of
// the state transition table.
func (cb *CircuitBreaker) applyOutcomeLocked(failure bool) {
	switch st := cb.state.(type) {
	case closedState:
		if failure {
			cb.window.recordFailure()
		} else {
			cb.window.recordSuccess()
		}
		if cb.window.currentFailureRate() >= cb.config.FailureRateThreshold && cb.window.sampleCount() >= cb.config.MinimumThroughput {
			cb.openLocked(1)
		}

	case halfOpenState:
		if failure {
			cb.window.recordFailure()
		} else {
			cb.window.recordSuccess()
		}
		st.callsAttempted++
		if st.callsAttempted >= cb.config.PermittedCallsInHalfOpen {
			if cb.window.currentFailureRate() < cb.config.FailureRateThreshold {
				cb.state = closedState{}
			} else {
				cb.openLocked(st.cycleTransitionCount + 1)
			}
		} else {
			cb.state = st
		}

	case openState:
		// A call should never be admitted while Open; an outcome arriving
		// here would indicate a caller bug, not a reducer concern. No-op.
	}
}

// forceUpdateLocked materializes time-driven transitions: Open ->
// HalfOpen once the open delay elapses, and HalfOpen -> Open once
// MaxWaitInHalfOpen elapses without enough probes completing.
func (cb *CircuitBreaker) forceUpdateLocked() {
	switch st := cb.state.(type) {
	case openState:
		if cb.config.Clock.Now().Sub(st.startTimeMark) >= st.delayDuration {
			cb.state = halfOpenState{
				startTimeMark:        cb.halfOpenStartMark(),
				cycleTransitionCount: st.cycleTransitionCount,
			}
		}
	case halfOpenState:
		if cb.config.MaxWaitInHalfOpen > 0 && !st.startTimeMark.IsZero() &&
			cb.config.Clock.Now().Sub(st.startTimeMark) >= cb.config.MaxWaitInHalfOpen {
			cb.openLocked(st.cycleTransitionCount + 1)
		}
	}
}

// TransitionToClosed forces a manual transition to Closed. Idempotent: no
// event is emitted if already Closed.
func (cb *CircuitBreaker) TransitionToClosed() { cb.manual(eventTransitionToClosed) }

// TransitionToOpen forces a manual transition to Open.
func (cb *CircuitBreaker) TransitionToOpen() { cb.manual(eventTransitionToOpen) }

// TransitionToHalfOpen forces a manual transition to HalfOpen.
func (cb *CircuitBreaker) TransitionToHalfOpen() { cb.manual(eventTransitionToHalfOpen) }

// Reset clears the sliding window and returns to Closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	transitions := cb.dispatchLocked(eventReset)
	cb.mu.Unlock()

	cb.publishTransitions(transitions)
	if len(transitions) > 0 {
		cb.bus.Publish(BreakerResetEvent{})
	}
}

func (cb *CircuitBreaker) manual(ev breakerEvent) {
	cb.mu.Lock()
	transitions := cb.dispatchLocked(ev)
	cb.mu.Unlock()
	cb.publishTransitions(transitions)
}

func (cb *CircuitBreaker) publishTransitions(transitions []transition) {
	for _, t := range transitions {
		ev := BreakerStateTransitionEvent{From: t.from, To: t.to, Manual: t.manual}
		cb.bus.Publish(ev)
		if cb.config.Logger != nil {
			cb.config.Logger.Warn(context.Background(), "breaker state transition",
				observe.Field{Key: "from", Value: t.from.String()},
				observe.Field{Key: "to", Value: t.to.String()},
				observe.Field{Key: "manual", Value: t.manual})
		}
		if cb.config.OnStateChange != nil {
			cb.config.OnStateChange(t.from, t.to, t.manual)
		}
	}
}

func (cb *CircuitBreaker) emit(ctx context.Context, ev Event) {
	cb.bus.Publish(ev)
	if cb.config.Logger != nil {
		if _, ok := ev.(BreakerCallNotPermittedEvent); ok {
			cb.config.Logger.Error(ctx, "breaker call not permitted")
		}
	}
}
