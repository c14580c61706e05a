package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestNewRetry_Defaults(t *testing.T) {
	r := NewRetry(RetryConfig[any]{})

	if r.config.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", r.config.MaxAttempts)
	}
	if r.config.Delay == nil {
		t.Fatal("Delay default is nil")
	}
	if d := r.config.Delay.DelayFor(1, DelayContext{}); d != 0 {
		t.Errorf("default delay = %v, want 0", d)
	}
}

func TestRetry_SuccessOnFirstAttempt(t *testing.T) {
	r := NewRetry(RetryConfig[any]{MaxAttempts: 3})

	attempts := 0
	err := r.ExecuteNoResult(context.Background(), func(ctx context.Context) error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("ExecuteNoResult() error = %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetry_SuccessOnRetry(t *testing.T) {
	mock := clock.NewMock()
	r := NewRetry(RetryConfig[any]{
		MaxAttempts: 3,
		Delay:       NewConstantDelay(time.Millisecond, 0),
		Clock:       mock,
	})

	attempts := 0
	testErr := errors.New("test error")

	done := make(chan error, 1)
	go func() {
		done <- r.ExecuteNoResult(context.Background(), func(ctx context.Context) error {
			attempts++
			if attempts < 3 {
				return testErr
			}
			return nil
		})
	}()

	advanceUntilDone(mock, done, time.Millisecond)

	if err := <-done; err != nil {
		t.Errorf("ExecuteNoResult() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

// advanceUntilDone nudges the mock clock forward in small steps until done
// fires or a generous wall-clock budget elapses, letting goroutine-driven
// sleeps (time.Sleep as seen through clock.Mock) unblock deterministically.
func advanceUntilDone(mock *clock.Mock, done <-chan error, step time.Duration) {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-done:
			return
		default:
		}
		mock.Add(step)
		time.Sleep(time.Millisecond)
	}
}

func TestRetry_ExhaustedAttempts(t *testing.T) {
	mock := clock.NewMock()
	r := NewRetry(RetryConfig[any]{
		MaxAttempts: 3,
		Delay:       NewConstantDelay(time.Millisecond, 0),
		Clock:       mock,
	})

	attempts := 0
	testErr := errors.New("persistent error")

	done := make(chan error, 1)
	go func() {
		done <- r.ExecuteNoResult(context.Background(), func(ctx context.Context) error {
			attempts++
			return testErr
		})
	}()

	advanceUntilDone(mock, done, time.Millisecond)
	err := <-done

	if !errors.Is(err, testErr) {
		t.Errorf("ExecuteNoResult() error = %v, want %v", err, testErr)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetry_ContextCancellation(t *testing.T) {
	r := NewRetry(RetryConfig[any]{
		MaxAttempts: 10,
		Delay:       NewConstantDelay(100*time.Millisecond, 0),
	})

	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	testErr := errors.New("test error")

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := r.ExecuteNoResult(ctx, func(ctx context.Context) error {
		attempts++
		return testErr
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("ExecuteNoResult() error = %v, want context.Canceled", err)
	}
}

func TestRetry_ShouldRetryOnException(t *testing.T) {
	retryableErr := errors.New("retryable")
	nonRetryableErr := errors.New("non-retryable")

	r := NewRetry(RetryConfig[any]{
		MaxAttempts: 3,
		Delay:       NoDelay(),
		ShouldRetryOnException: func(err error) bool {
			return errors.Is(err, retryableErr)
		},
	})

	t.Run("retryable error", func(t *testing.T) {
		attempts := 0
		err := r.ExecuteNoResult(context.Background(), func(ctx context.Context) error {
			attempts++
			return retryableErr
		})

		if !errors.Is(err, retryableErr) {
			t.Errorf("ExecuteNoResult() error = %v, want %v", err, retryableErr)
		}
		if attempts != 3 {
			t.Errorf("attempts = %d, want 3", attempts)
		}
	})

	t.Run("non-retryable error", func(t *testing.T) {
		attempts := 0
		err := r.ExecuteNoResult(context.Background(), func(ctx context.Context) error {
			attempts++
			return nonRetryableErr
		})

		if !errors.Is(err, nonRetryableErr) {
			t.Errorf("ExecuteNoResult() error = %v, want %v", err, nonRetryableErr)
		}
		if attempts != 1 {
			t.Errorf("attempts = %d, want 1", attempts)
		}
	})
}

func TestRetry_ShouldRetryOnResult(t *testing.T) {
	r := NewRetry(RetryConfig[string]{
		MaxAttempts: 3,
		Delay:       NoDelay(),
		ShouldRetryOnResult: func(result string) bool {
			return result == "retry-me"
		},
	})

	attempts := 0
	result, err := Execute(context.Background(), r, func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 2 {
			return "retry-me", nil
		}
		return "done", nil
	})

	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result != "done" {
		t.Errorf("result = %v, want done", result)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestRetry_BeforeAttempt(t *testing.T) {
	var seen []int

	r := NewRetry(RetryConfig[any]{
		MaxAttempts: 3,
		Delay:       NoDelay(),
		BeforeAttempt: func(attempt int) {
			seen = append(seen, attempt)
		},
	})

	testErr := errors.New("test error")
	_ = r.ExecuteNoResult(context.Background(), func(ctx context.Context) error {
		return testErr
	})

	if len(seen) != 3 {
		t.Fatalf("BeforeAttempt calls = %d, want 3", len(seen))
	}
	for i, attempt := range seen {
		if attempt != i+1 {
			t.Errorf("seen[%d] = %d, want %d", i, attempt, i+1)
		}
	}
}

func TestRetry_DelayStrategies(t *testing.T) {
	t.Run("exponential", func(t *testing.T) {
		d := NewExponentialDelay(10*time.Millisecond, 2.0, 0)
		if got := d.DelayFor(3, DelayContext{}); got != 40*time.Millisecond {
			t.Errorf("exponential delay for attempt 3 = %v, want 40ms", got)
		}
	})

	t.Run("linear", func(t *testing.T) {
		d := NewLinearDelay(10*time.Millisecond, 1.0, 0)
		if got := d.DelayFor(3, DelayContext{}); got != 30*time.Millisecond {
			t.Errorf("linear delay for attempt 3 = %v, want 30ms", got)
		}
	})

	t.Run("constant", func(t *testing.T) {
		d := NewConstantDelay(10*time.Millisecond, 0)
		if got := d.DelayFor(3, DelayContext{}); got != 10*time.Millisecond {
			t.Errorf("constant delay for attempt 3 = %v, want 10ms", got)
		}
	})

	t.Run("max delay cap", func(t *testing.T) {
		d := NewExponentialDelay(1*time.Second, 10.0, 5*time.Second)
		if got := d.DelayFor(5, DelayContext{}); got != 5*time.Second {
			t.Errorf("capped delay = %v, want 5s", got)
		}
	})
}

func TestRetry_Config(t *testing.T) {
	r := NewRetry(RetryConfig[any]{
		MaxAttempts: 5,
	})

	config := r.Config()
	if config.MaxAttempts != 5 {
		t.Errorf("Config().MaxAttempts = %d, want 5", config.MaxAttempts)
	}
}

func TestRetry_Events(t *testing.T) {
	r := NewRetry(RetryConfig[any]{
		MaxAttempts: 2,
		Delay:       NoDelay(),
	})

	ch, id := r.Subscribe()
	defer r.Unsubscribe(id)

	testErr := errors.New("boom")
	_ = r.ExecuteNoResult(context.Background(), func(ctx context.Context) error {
		return testErr
	})

	var names []string
	for {
		select {
		case ev := <-ch:
			names = append(names, ev.EventName())
			continue
		default:
		}
		break
	}

	if len(names) == 0 {
		t.Fatal("expected at least one event")
	}
	if names[len(names)-1] != "retry.error" {
		t.Errorf("final event = %s, want retry.error", names[len(names)-1])
	}
}

func TestRetry_OnRetryAndOnError(t *testing.T) {
	r := NewRetry(RetryConfig[any]{
		MaxAttempts: 3,
		Delay:       NoDelay(),
	})

	var mu sync.Mutex
	var retried []int
	var errored []int

	r.OnRetry(func(attempt int) {
		mu.Lock()
		retried = append(retried, attempt)
		mu.Unlock()
	})
	r.OnError(func(attempt int, cause error) {
		mu.Lock()
		errored = append(errored, attempt)
		mu.Unlock()
	})

	testErr := errors.New("boom")
	_ = r.ExecuteNoResult(context.Background(), func(ctx context.Context) error {
		return testErr
	})

	// Filters run in background goroutines fed by a buffered channel;
	// give them a moment to drain.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(retried) != 2 {
		t.Errorf("OnRetry calls = %d, want 2", len(retried))
	}
	if len(errored) != 1 || errored[0] != 3 {
		t.Errorf("OnError calls = %v, want [3]", errored)
	}
}
