package resilience

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// eventSource is satisfied by every engine (Retry, CircuitBreaker,
// RateLimiter); MetricsRecorder only needs the subscription half of each
// engine's public API.
type eventSource interface {
	Subscribe() (<-chan Event, int)
	Unsubscribe(id int)
}

// MetricsRecorder bridges engine event buses to OpenTelemetry counters,
// mirroring observe.Metrics' constructor-and-record shape.
type MetricsRecorder struct {
	meter           metric.Meter
	attemptCount    metric.Int64Counter
	successCount    metric.Int64Counter
	errorCount      metric.Int64Counter
	transitionCount metric.Int64Counter
	rejectedCount   metric.Int64Counter
	acquiredCount   metric.Int64Counter
}

// NewMetricsRecorder creates a MetricsRecorder backed by meter.
func NewMetricsRecorder(meter metric.Meter) (*MetricsRecorder, error) {
	attemptCount, err := meter.Int64Counter(
		"resilience.retry.attempts",
		metric.WithDescription("Total number of retry attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	successCount, err := meter.Int64Counter(
		"resilience.calls.success",
		metric.WithDescription("Total number of successful engine-mediated calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	errorCount, err := meter.Int64Counter(
		"resilience.calls.error",
		metric.WithDescription("Total number of failed engine-mediated calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	transitionCount, err := meter.Int64Counter(
		"resilience.breaker.transitions",
		metric.WithDescription("Total number of circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	rejectedCount, err := meter.Int64Counter(
		"resilience.ratelimiter.rejected",
		metric.WithDescription("Total number of rate limiter admission rejections"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	acquiredCount, err := meter.Int64Counter(
		"resilience.ratelimiter.acquired",
		metric.WithDescription("Total number of permits acquired from a rate limiter"),
		metric.WithUnit("{permit}"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsRecorder{
		meter:           meter,
		attemptCount:    attemptCount,
		successCount:    successCount,
		errorCount:      errorCount,
		transitionCount: transitionCount,
		rejectedCount:   rejectedCount,
		acquiredCount:   acquiredCount,
	}, nil
}

// Watch subscribes to source and returns at once; a background goroutine
// records its events until ctx is done, then unsubscribes. name labels every metric
// emitted from this source (e.g. "orders-service-breaker").
func (m *MetricsRecorder) Watch(ctx context.Context, name string, source eventSource) {
	ch, id := source.Subscribe()
	go func() {
		defer source.Unsubscribe(id)
		attrs := metric.WithAttributes(attribute.String("resilience.name", name))
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				m.record(ctx, attrs, ev)
			}
		}
	}()
}

func (m *MetricsRecorder) record(ctx context.Context, attrs metric.MeasurementOption, ev Event) {
	switch ev.(type) {
	case RetryAttemptEvent:
		m.attemptCount.Add(ctx, 1, attrs)
	case RetrySuccessEvent:
		m.successCount.Add(ctx, 1, attrs)
	case RetryErrorEvent, RetryIgnoredErrorEvent:
		m.errorCount.Add(ctx, 1, attrs)
	case BreakerStateTransitionEvent:
		m.transitionCount.Add(ctx, 1, attrs)
	case BreakerRecordedSuccessEvent:
		m.successCount.Add(ctx, 1, attrs)
	case BreakerRecordedFailureEvent:
		m.errorCount.Add(ctx, 1, attrs)
	case BreakerCallNotPermittedEvent:
		m.rejectedCount.Add(ctx, 1, attrs)
	case RateLimiterAcquiredEvent:
		m.acquiredCount.Add(ctx, 1, attrs)
	case RateLimiterRejectedEvent:
		m.rejectedCount.Add(ctx, 1, attrs)
	}
}
