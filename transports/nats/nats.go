// Package nats contains a transport that publishes messages to a NATS subject.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"
)

const (
	DefaultSubject      = "courier.messages"
	DefaultFlushTimeout = 2 * time.Second
)

// Publisher is the subset of *nats.Conn used by the transport.
type Publisher interface {
	Publish(subj string, data []byte) error
	FlushTimeout(timeout time.Duration) error
}

// Options for the NATS transport.
type Options struct {
	// Connection to the NATS server
	Conn Publisher
	// Subject messages are published to
	Subject string
	// Maximum time to wait for the server to acknowledge that it received the message
	FlushTimeout time.Duration
}

// Transport publishes messages to NATS.
type Transport struct {
	conn         Publisher
	subject      string
	flushTimeout time.Duration
}

// New returns a new NATS Transport.
func New(opts Options) (*Transport, error) {
	if opts.Conn == nil {
		return nil, errors.New("NATS connection is required")
	}
	if opts.Subject == "" {
		opts.Subject = DefaultSubject
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = DefaultFlushTimeout
	}

	return &Transport{
		conn:         opts.Conn,
		subject:      opts.Subject,
		flushTimeout: opts.FlushTimeout,
	}, nil
}

// Send publishes the message, then flushes the connection so failures are reported to the caller.
func (t *Transport) Send(ctx context.Context, body []byte) error {
	err := t.conn.Publish(t.subject, body)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	// Do not wait past the context's deadline
	timeout := t.flushTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}

	err = t.conn.FlushTimeout(timeout)
	if err != nil {
		return fmt.Errorf("failed to flush connection: %w", err)
	}

	return ctx.Err()
}

// Connect connects to a NATS server, retrying with exponential backoff until the context is canceled or maxElapsed is reached.
func Connect(ctx context.Context, url string, maxElapsed time.Duration, log *slog.Logger, opts ...nats.Option) (*nats.Conn, error) {
	opts = append([]nats.Option{
		nats.Name("courier"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("Disconnected from NATS", slog.Any("error", err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("Reconnected to NATS", slog.String("url", nc.ConnectedUrlRedacted()))
		}),
	}, opts...)

	return backoff.Retry(ctx,
		func() (*nats.Conn, error) {
			nc, err := nats.Connect(url, opts...)
			if err != nil {
				log.WarnContext(ctx, "Failed to connect to NATS - will retry", slog.Any("error", err))
				return nil, err
			}
			return nc, nil
		},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(maxElapsed),
	)
}
