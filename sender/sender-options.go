package sender

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"k8s.io/utils/clock"

	"github.com/italypaleale/courier/deadletter"
	"github.com/italypaleale/courier/internal/ratelimit"
	"github.com/italypaleale/courier/internal/sendqueue"
)

const (
	defaultMinRetryDelay    = 750 * time.Millisecond
	defaultMaxRetryDelay    = 1250 * time.Millisecond
	defaultIdlePollInterval = 100 * time.Millisecond
	defaultSendTimeout      = 30 * time.Second
)

type Option func(*options)

// WithLogger sets the instance of the slog logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.Logger = logger }
}

// WithQueueCapacity sets the maximum number of messages in the queue, including those being delivered
func WithQueueCapacity(n int) Option {
	return func(o *options) { o.QueueCapacity = n }
}

// WithRateLimit configures the token bucket for outbound sends: up to capacity messages, with an empty bucket refilled in window
// A capacity of zero disables rate limiting
func WithRateLimit(capacity int, window time.Duration) Option {
	return func(o *options) {
		o.RateLimitCapacity = capacity
		o.RateLimitWindow = window
	}
}

// WithRetryDelay sets the bounds for the delay before retrying a failed delivery
// The delay is picked uniformly in [min, max)
func WithRetryDelay(minDelay, maxDelay time.Duration) Option {
	return func(o *options) {
		o.MinRetryDelay = minDelay
		o.MaxRetryDelay = maxDelay
	}
}

// WithIdlePollInterval sets the maximum time the delivery loop waits when no message is due
func WithIdlePollInterval(d time.Duration) Option {
	return func(o *options) { o.IdlePollInterval = d }
}

// WithMaxAttempts sets the maximum number of delivery attempts for each message
// After that, messages are moved to the dead-letter store
// Zero (the default) means messages are retried indefinitely
func WithMaxAttempts(n int) Option {
	return func(o *options) { o.MaxAttempts = n }
}

// WithDeadLetterStore sets the store for messages that exhausted their attempts
// If unset, those messages are dropped
func WithDeadLetterStore(store deadletter.Store) Option {
	return func(o *options) { o.DeadLetterStore = store }
}

// WithMeter sets the meter used to record metrics
// If unset, uses the global MeterProvider
func WithMeter(meter metric.Meter) Option {
	return func(o *options) { o.Meter = meter }
}

// WithSendTimeout sets the timeout for each call to the transport
// A negative value disables the timeout
func WithSendTimeout(d time.Duration) Option {
	return func(o *options) { o.SendTimeout = d }
}

type options struct {
	Logger            *slog.Logger
	QueueCapacity     int
	RateLimitCapacity int
	RateLimitWindow   time.Duration
	MinRetryDelay     time.Duration
	MaxRetryDelay     time.Duration
	IdlePollInterval  time.Duration
	MaxAttempts       int
	DeadLetterStore   deadletter.Store
	Meter             metric.Meter
	SendTimeout       time.Duration

	// Allows setting a clock for testing
	clock clock.WithTicker
}

func defaultOptions() options {
	return options{
		QueueCapacity:     sendqueue.DefaultCapacity,
		RateLimitCapacity: ratelimit.DefaultCapacity,
		RateLimitWindow:   ratelimit.DefaultRefillWindow,
		MinRetryDelay:     defaultMinRetryDelay,
		MaxRetryDelay:     defaultMaxRetryDelay,
		IdlePollInterval:  defaultIdlePollInterval,
		SendTimeout:       defaultSendTimeout,
	}
}
