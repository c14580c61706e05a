package resilience

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Clock abstracts time so delay strategies, sliding windows, and circuit
// breaker time marks can be driven by a manually advanceable source in
// tests instead of the wall clock. Production code should use RealClock
// (the default when a config leaves Clock nil); tests should inject
// clock.NewMock() from github.com/benbjohnson/clock.
type Clock = clock.Clock

// RealClock is the production clock, backed by the monotonic wall clock.
func RealClock() Clock {
	return clock.New()
}

func clockOrDefault(c Clock) Clock {
	if c == nil {
		return RealClock()
	}
	return c
}

// sleep is a small helper so engines don't need to know whether they
// were handed a *clock.Clock or a mock; both satisfy Clock.
func sleep(c Clock, d time.Duration) <-chan time.Time {
	if d <= 0 {
		ch := make(chan time.Time, 1)
		ch <- c.Now()
		return ch
	}
	return c.After(d)
}
