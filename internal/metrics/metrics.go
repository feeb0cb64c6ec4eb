// Package metrics contains the instruments recorded by the sender.
// Metrics are emitted through the OpenTelemetry API: when no MeterProvider is configured, the instruments are no-ops.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope name.
const MeterName = "github.com/italypaleale/courier"

// Metrics holds the instruments used by the delivery loop.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	rateLimited  metric.Int64Counter
	rescheduled  metric.Int64Counter
	deadLettered metric.Int64Counter
	faults       metric.Int64Counter
	lag          metric.Float64Histogram
	sendTime     metric.Float64Histogram
	attempts     metric.Int64Histogram

	queueSize metric.Registration
}

// New creates the instruments using the global MeterProvider.
func New(queueSize func() int) (*Metrics, error) {
	return NewWithMeter(otel.Meter(MeterName), queueSize)
}

// NewWithMeter creates the instruments using the provided meter.
// queueSize is invoked on collection to report the point-in-time queue depth; it can be nil.
func NewWithMeter(meter metric.Meter, queueSize func() int) (m *Metrics, err error) {
	m = &Metrics{}

	m.rateLimited, err = meter.Int64Counter(
		"courier.sender.rate_limited",
		metric.WithDescription("Number of delivery attempts denied by the rate limiter"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	m.rescheduled, err = meter.Int64Counter(
		"courier.sender.rescheduled",
		metric.WithDescription("Number of messages rescheduled after a failed attempt"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	m.deadLettered, err = meter.Int64Counter(
		"courier.sender.dead_lettered",
		metric.WithDescription("Number of messages that exhausted all delivery attempts"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	m.faults, err = meter.Int64Counter(
		"courier.sender.faults",
		metric.WithDescription("Number of unexpected faults in the delivery loop"),
		metric.WithUnit("{fault}"),
	)
	if err != nil {
		return nil, err
	}

	m.lag, err = meter.Float64Histogram(
		"courier.sender.lag",
		metric.WithDescription("Time between admission and delivery of a message"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.5, 1, 2, 5, 10, 20, 50, 100, 200),
	)
	if err != nil {
		return nil, err
	}

	m.sendTime, err = meter.Float64Histogram(
		"courier.sender.send_time",
		metric.WithDescription("Time spent sending a message to the transport"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.attempts, err = meter.Int64Histogram(
		"courier.sender.attempts",
		metric.WithDescription("Failed attempts taken before a message was delivered"),
		metric.WithUnit("{attempt}"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 3, 4, 5, 7, 10, 15, 20, 30, 50, 70, 100),
	)
	if err != nil {
		return nil, err
	}

	if queueSize != nil {
		gauge, err := meter.Int64ObservableGauge(
			"courier.queue.size",
			metric.WithDescription("Number of messages in the send queue"),
			metric.WithUnit("{message}"),
		)
		if err != nil {
			return nil, err
		}

		m.queueSize, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(gauge, int64(queueSize()))
			return nil
		}, gauge)
		if err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Close unregisters the queue size callback.
func (m *Metrics) Close() error {
	if m == nil || m.queueSize == nil {
		return nil
	}
	return m.queueSize.Unregister()
}

// RecordDelivered records a successful delivery.
func (m *Metrics) RecordDelivered(ctx context.Context, lag time.Duration, sendTime time.Duration, attempt int) {
	if m == nil {
		return
	}
	m.lag.Record(ctx, lag.Seconds())
	m.sendTime.Record(ctx, sendTime.Seconds())
	m.attempts.Record(ctx, int64(attempt))
}

// RecordSendFailed records the send time of a failed delivery.
func (m *Metrics) RecordSendFailed(ctx context.Context, sendTime time.Duration) {
	if m == nil {
		return
	}
	m.sendTime.Record(ctx, sendTime.Seconds())
}

// RecordRateLimited records an attempt denied by the rate limiter.
func (m *Metrics) RecordRateLimited(ctx context.Context) {
	if m == nil {
		return
	}
	m.rateLimited.Add(ctx, 1)
}

// RecordRescheduled records a message rescheduled for a later attempt.
func (m *Metrics) RecordRescheduled(ctx context.Context) {
	if m == nil {
		return
	}
	m.rescheduled.Add(ctx, 1)
}

// RecordDeadLettered records a message that exhausted its attempts.
func (m *Metrics) RecordDeadLettered(ctx context.Context) {
	if m == nil {
		return
	}
	m.deadLettered.Add(ctx, 1)
}

// RecordFault records a fault in the delivery loop.
func (m *Metrics) RecordFault(ctx context.Context) {
	if m == nil {
		return
	}
	m.faults.Add(ctx, 1)
}
