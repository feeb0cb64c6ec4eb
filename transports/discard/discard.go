// Package discard contains a transport that drops every message after a simulated network latency.
package discard

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"k8s.io/utils/clock"
)

const (
	DefaultMinLatency = 200 * time.Millisecond
	DefaultMaxLatency = 500 * time.Millisecond
)

// Options for the discard transport.
type Options struct {
	// Latency is picked uniformly in [MinLatency, MaxLatency)
	MinLatency time.Duration
	MaxLatency time.Duration

	// Clock, used to pass a mock one for testing
	clock clock.WithTicker
}

// Transport discards messages, always reporting success.
type Transport struct {
	minLatency time.Duration
	maxLatency time.Duration
	clock      clock.WithTicker
}

// New returns a new discard Transport.
func New(opts Options) (*Transport, error) {
	if opts.MinLatency == 0 && opts.MaxLatency == 0 {
		opts.MinLatency = DefaultMinLatency
		opts.MaxLatency = DefaultMaxLatency
	}
	if opts.MinLatency < 0 || opts.MaxLatency < opts.MinLatency {
		return nil, errors.New("latency bounds are not valid")
	}
	if opts.clock == nil {
		opts.clock = &clock.RealClock{}
	}

	return &Transport{
		minLatency: opts.MinLatency,
		maxLatency: opts.MaxLatency,
		clock:      opts.clock,
	}, nil
}

// Send waits for the simulated latency, then returns.
func (t *Transport) Send(ctx context.Context, _ []byte) error {
	latency := t.minLatency
	if spread := t.maxLatency - t.minLatency; spread > 0 {
		// #nosec G404
		latency += rand.N(spread)
	}
	if latency <= 0 {
		return ctx.Err()
	}

	timer := t.clock.NewTimer(latency)
	defer timer.Stop()

	select {
	case <-timer.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
