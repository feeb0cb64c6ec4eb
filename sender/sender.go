// Package sender implements the asynchronous delivery pipeline.
//
// Producers admit messages with Accept, which never blocks and returns ErrQueueFull when the backlog is at capacity.
// A single delivery loop, started with Run, dequeues messages in order of their send time, applies the outbound rate limit, and hands them to the Transport.
// Messages that fail to be delivered are rescheduled with a jittered delay.
package sender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/italypaleale/courier/deadletter"
	"github.com/italypaleale/courier/internal/metrics"
	"github.com/italypaleale/courier/internal/ratelimit"
	"github.com/italypaleale/courier/internal/sendqueue"
)

// Sender owns the send queue and the delivery loop.
type Sender struct {
	transport  Transport
	queue      *sendqueue.Queue
	limiter    *ratelimit.TokenBucket
	metrics    *metrics.Metrics
	deadLetter deadletter.Store

	minRetryDelay    time.Duration
	maxRetryDelay    time.Duration
	idlePollInterval time.Duration
	maxAttempts      int
	sendTimeout      time.Duration

	running atomic.Bool

	log   *slog.Logger
	clock clock.WithTicker
}

// New returns a new Sender that delivers messages using the given transport.
func New(transport Transport, opts ...Option) (*Sender, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}

	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}

	// Validate the options
	if o.MinRetryDelay <= 0 {
		return nil, errors.New("option MinRetryDelay must be greater than zero")
	}
	if o.MaxRetryDelay < o.MinRetryDelay {
		return nil, errors.New("option MaxRetryDelay must not be smaller than MinRetryDelay")
	}
	if o.IdlePollInterval <= 0 {
		return nil, errors.New("option IdlePollInterval must be greater than zero")
	}
	if o.MaxAttempts < 0 {
		return nil, errors.New("option MaxAttempts must not be negative")
	}

	// Set a default logger, which sends logs to /dev/null, if none is passed
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}

	// Init a real clock if none is passed
	if o.clock == nil {
		o.clock = &clock.RealClock{}
	}

	queue, err := sendqueue.New(o.QueueCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}

	s := &Sender{
		transport:        transport,
		queue:            queue,
		limiter:          ratelimit.New(o.RateLimitCapacity, o.RateLimitWindow, o.clock),
		deadLetter:       o.DeadLetterStore,
		minRetryDelay:    o.MinRetryDelay,
		maxRetryDelay:    o.MaxRetryDelay,
		idlePollInterval: o.IdlePollInterval,
		maxAttempts:      o.MaxAttempts,
		sendTimeout:      o.SendTimeout,
		log:              o.Logger,
		clock:            o.clock,
	}

	if o.Meter != nil {
		s.metrics, err = metrics.NewWithMeter(o.Meter, queue.Len)
	} else {
		s.metrics, err = metrics.New(queue.Len)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return s, nil
}

// Accept admits a message for asynchronous delivery.
// It never blocks: it returns ErrQueueFull, and the message is discarded, if and only if the queue is at capacity.
// Once a message is accepted, delivery failures are handled by retrying and are never reported to the caller.
func (s *Sender) Accept(body []byte) error {
	// Clone the body since messages are immutable and the caller may reuse the buffer
	if !s.queue.Accept(s.clock.Now(), bytes.Clone(body)) {
		return ErrQueueFull
	}

	return nil
}

// Len returns the number of messages waiting to be delivered, including the one being delivered.
func (s *Sender) Len() int {
	return s.queue.Len()
}

// Capacity returns the maximum number of messages in the queue.
func (s *Sender) Capacity() int {
	return s.queue.Capacity()
}

// Close releases resources used by the sender.
func (s *Sender) Close() error {
	return s.metrics.Close()
}

// Run the delivery loop.
// Note this function is blocking, and will return only when the context is canceled.
// Messages still in the queue at that point are not delivered.
func (s *Sender) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	s.log.InfoContext(ctx, "Starting delivery loop",
		slog.Int("capacity", s.queue.Capacity()),
		slog.Int("maxAttempts", s.maxAttempts),
	)
	defer func() {
		s.log.Info("Stopped delivery loop", slog.Int("undelivered", s.queue.Len()))
	}()

	for {
		// Deliver all messages that are due
		err := s.deliverDue(ctx)
		if err != nil {
			// The only error is a canceled context
			return nil
		}

		// Nothing else is due: wait until the next message is, or until a new one arrives
		if !s.waitIdle(ctx) {
			return nil
		}
	}
}

// deliverDue dequeues messages and delivers them, for as long as they are due.
// It blocks while the queue is empty, and returns when the earliest message is scheduled in the future.
func (s *Sender) deliverDue(ctx context.Context) error {
	for {
		msg, err := s.queue.Get(ctx)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		s.log.DebugContext(ctx, "Dequeued message",
			slog.String("id", msg.ID()),
			slog.Duration("sinceQueued", msg.Lag(now)),
			slog.Any("message", msg),
		)

		if !msg.IsDue(now) {
			// This is the earliest message in the queue, so nothing else is due either
			s.log.DebugContext(ctx, "Message is not due yet - enqueued back", slog.String("id", msg.ID()), slog.Time("sendAt", msg.SendAt()))
			s.queue.Put(msg)
			return nil
		}

		s.processMessage(ctx, msg, now)
	}
}

// waitIdle blocks until the earliest message is due, a new message is inserted, or the idle poll interval elapses.
// Returns false if the context was canceled.
func (s *Sender) waitIdle(ctx context.Context) bool {
	next, ok, changed := s.queue.NextDue()

	wait := s.idlePollInterval
	if ok {
		wait = min(next.Sub(s.clock.Now()), wait)
		if wait <= 0 {
			return ctx.Err() == nil
		}
	}

	t := s.clock.NewTimer(wait)
	defer t.Stop()

	select {
	case <-t.C():
		return true
	case <-changed:
		return true
	case <-ctx.Done():
		return false
	}
}
