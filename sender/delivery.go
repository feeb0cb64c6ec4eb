package sender

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/italypaleale/courier/deadletter"
	"github.com/italypaleale/courier/internal/sendqueue"
)

type deliveryStatus int

const (
	deliveryStatusDelivered = deliveryStatus(iota)
	deliveryStatusRetryable
	deliveryStatusExhausted
)

// processMessage attempts delivery of a message that is due, and then settles it.
// Once this method is invoked, the message is guaranteed to be either delivered, re-enqueued, or dead-lettered.
// If anything panics before the message is settled, it's re-enqueued for another attempt.
func (s *Sender) processMessage(ctx context.Context, msg sendqueue.Message, now time.Time) {
	settled := false
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}

		s.metrics.RecordFault(ctx)
		if settled {
			// The message was already delivered or re-enqueued
			s.log.ErrorContext(ctx, "Unexpected fault after processing message", slog.String("id", msg.ID()), slog.Any("error", rec))
			return
		}

		next := msg.NextAttempt(s.clock.Now(), s.retryDelay())
		s.queue.Put(next)
		s.log.ErrorContext(ctx, "Unexpected fault while processing message - will retry",
			slog.String("id", msg.ID()),
			slog.Int("attempt", next.Attempt()),
			slog.Any("error", rec),
		)
	}()

	s.log.DebugContext(ctx, "Trying to send message",
		slog.String("id", msg.ID()),
		slog.Int("attempt", msg.Attempt()),
		slog.Any("message", msg),
	)

	status, err := s.attempt(ctx, msg, now)
	switch status {
	case deliveryStatusDelivered:
		s.queue.Done()
		settled = true

		s.log.InfoContext(ctx, "Message delivered",
			slog.String("id", msg.ID()),
			slog.Int("attempt", msg.Attempt()),
			slog.Duration("lag", msg.Lag(now)),
		)

	case deliveryStatusRetryable:
		delay := s.retryDelay()
		next := msg.NextAttempt(s.clock.Now(), delay)
		s.queue.Put(next)
		settled = true

		s.metrics.RecordRescheduled(ctx)
		s.log.InfoContext(ctx, "Message rescheduled",
			slog.String("id", msg.ID()),
			slog.Int("attempt", next.Attempt()),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)

	case deliveryStatusExhausted:
		s.moveToDeadLetter(ctx, msg, err)
		s.queue.Done()
		settled = true

	default:
		// Indicates a development-time error
		panic(errors.New("unknown delivery status"))
	}
}

// attempt performs a single delivery attempt.
// If the rate limiter denies the attempt, it counts as a failed delivery.
func (s *Sender) attempt(ctx context.Context, msg sendqueue.Message, now time.Time) (deliveryStatus, error) {
	var err error
	if s.limiter.IsAllowed() {
		start := s.clock.Now()
		err = s.send(ctx, msg.Body())
		sendTime := s.clock.Since(start)

		if err == nil {
			s.metrics.RecordDelivered(ctx, msg.Lag(now), sendTime, msg.Attempt())
			return deliveryStatusDelivered, nil
		}
		s.metrics.RecordSendFailed(ctx, sendTime)
	} else {
		s.metrics.RecordRateLimited(ctx)
		err = ErrRateLimited
	}

	// Check if this was the last attempt allowed
	if s.maxAttempts > 0 && msg.Attempt()+1 >= s.maxAttempts {
		return deliveryStatusExhausted, err
	}
	return deliveryStatusRetryable, err
}

// send invokes the transport, converting panics into errors.
func (s *Sender) send(parentCtx context.Context, body []byte) (err error) {
	ctx := parentCtx
	if s.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parentCtx, s.sendTimeout)
		defer cancel()
	}

	defer func() {
		rec := recover()
		if rec != nil {
			err = TransportPanicError{Value: rec}
		}
	}()

	return s.transport.Send(ctx, body)
}

func (s *Sender) moveToDeadLetter(ctx context.Context, msg sendqueue.Message, lastErr error) {
	s.metrics.RecordDeadLettered(ctx)

	log := s.log.With(
		slog.String("id", msg.ID()),
		slog.Int("attempts", msg.Attempt()+1),
	)

	if s.deadLetter == nil {
		log.ErrorContext(ctx, "Message exhausted all delivery attempts and was dropped", slog.Any("error", lastErr))
		return
	}

	entry := &deadletter.Entry{
		MessageID: msg.ID(),
		Body:      msg.Body(),
		Attempts:  msg.Attempt() + 1,
		QueuedAt:  wallClock(msg.QueuedAt()),
		FailedAt:  wallClock(s.clock.Now()),
	}
	if lastErr != nil {
		entry.LastError = lastErr.Error()
	}

	// Use a context that is not canceled with the parent's, so messages are not lost during shutdown
	addCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	err := s.deadLetter.Add(addCtx, entry)
	if err != nil {
		log.ErrorContext(ctx, "Failed to store message in the dead-letter store - message was dropped", slog.Any("error", err))
		return
	}

	log.WarnContext(ctx, "Message exhausted all delivery attempts and was moved to the dead-letter store",
		slog.String("entryId", entry.ID),
		slog.Any("error", lastErr),
	)
}

// retryDelay returns a random delay in [minRetryDelay, maxRetryDelay).
func (s *Sender) retryDelay() time.Duration {
	spread := s.maxRetryDelay - s.minRetryDelay
	if spread <= 0 {
		return s.minRetryDelay
	}

	// Disable the "G404: Use of weak random number generator " gosec warning, since this is not used for anything security-related
	// #nosec G404
	return s.minRetryDelay + rand.N(spread)
}

// wallClock strips the monotonic clock reading, for timestamps that are persisted.
func wallClock(t time.Time) time.Time {
	return t.Round(0).UTC()
}
