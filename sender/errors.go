package sender

import (
	"errors"
)

var (
	// ErrQueueFull is returned by Accept when the queue is at capacity.
	// Callers should surface this to their own callers as a backpressure signal.
	ErrQueueFull = errors.New("the queue is full")
	// ErrAlreadyRunning is returned by Run when the delivery loop is already running.
	ErrAlreadyRunning = errors.New("delivery loop is already running")
	// ErrRateLimited is the error recorded for attempts denied by the rate limiter.
	ErrRateLimited = errors.New("rate limited")
)

// TransportPanicError is returned when the transport panics while sending a message.
type TransportPanicError struct {
	Value any
}

func (e TransportPanicError) Error() string {
	return "transport panicked: " + formatPanic(e.Value)
}
