package sendqueue

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Message is one delivery attempt's scheduling state.
// Values are immutable: a retry produces a new Message via NextAttempt, so a previous version can still be read safely.
type Message struct {
	id       string
	body     []byte
	sendAt   time.Time
	queuedAt time.Time
	attempt  int
}

// NewMessage returns a Message admitted at now, eligible for delivery immediately.
func NewMessage(now time.Time, body []byte) Message {
	// NewV7 only fails if the random source fails, in which case we fall back to a V4 (which panics on the same failure)
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	return Message{
		id:       id.String(),
		body:     body,
		sendAt:   now,
		queuedAt: now,
	}
}

// NextAttempt returns a new Message scheduled at now+delay, with the attempt counter incremented.
// The body, ID, and admission time are preserved.
func (m Message) NextAttempt(now time.Time, delay time.Duration) Message {
	if delay < 0 {
		delay = 0
	}
	sendAt := now.Add(delay)

	// Never schedule before admission
	if sendAt.Before(m.queuedAt) {
		sendAt = m.queuedAt
	}

	return Message{
		id:       m.id,
		body:     m.body,
		sendAt:   sendAt,
		queuedAt: m.queuedAt,
		attempt:  m.attempt + 1,
	}
}

// ID returns the message's identifier.
func (m Message) ID() string {
	return m.id
}

// Body returns the payload.
// Callers must not modify the returned slice.
func (m Message) Body() []byte {
	return m.body
}

// SendAt returns the earliest time the message is eligible for delivery.
func (m Message) SendAt() time.Time {
	return m.sendAt
}

// QueuedAt returns the time the message was originally admitted.
func (m Message) QueuedAt() time.Time {
	return m.queuedAt
}

// Attempt returns the number of failed attempts so far.
func (m Message) Attempt() int {
	return m.attempt
}

// IsDue returns true if the message can be delivered at now.
func (m Message) IsDue(now time.Time) bool {
	return !m.sendAt.After(now)
}

// Lag returns the time elapsed between admission and now.
func (m Message) Lag(now time.Time) time.Duration {
	return now.Sub(m.queuedAt)
}

// Less reports whether m is scheduled before other.
func (m Message) Less(other Message) bool {
	return m.sendAt.Before(other.sendAt)
}

// String implements fmt.Stringer.
// Bodies longer than 20 characters are truncated.
func (m Message) String() string {
	body := []rune(string(m.body))
	if len(body) > 20 {
		body = append(body[:17:17], '.', '.', '.')
	}
	return fmt.Sprintf("Message{%s, id=%s, attempt=%d}", string(body), m.id, m.attempt)
}

// LogValue implements slog.LogValuer.
func (m Message) LogValue() slog.Value {
	return slog.StringValue(m.String())
}
