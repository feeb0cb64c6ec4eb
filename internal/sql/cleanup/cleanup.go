// This code was adapted from https://github.com/dapr/components-contrib/blob/v1.14.6/
// Copyright (C) 2023 The Dapr Authors
// License: Apache2

// Package cleanup enforces the retention period of dead-letter entries stored in a SQL database.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/italypaleale/courier/internal/sql/sqladapter"
)

const defaultSweepTimeout = 5 * time.Minute

// Options for Start.
type Options struct {
	Logger *slog.Logger

	// Entries that failed longer than this ago are purged.
	Retention time.Duration

	// Interval between background sweeps.
	// If zero, no background task is started, and Sweep must be invoked manually.
	Interval time.Duration

	// ClaimQuery returns a query that records the current time as the last sweep in the metadata table, only if the previous sweep is older than minElapsedMs milliseconds.
	// If it affects no row, another process (or a previous tick) swept too recently and this sweep is skipped.
	ClaimQuery func(minElapsedMs int64) (string, []any)

	// PurgeQuery returns a query that deletes all entries that failed before cutoff.
	PurgeQuery func(cutoff time.Time) (string, []any)

	// Timeout for each sweep.
	// Default: 5 minutes
	Timeout time.Duration

	// Database connection, adapted with sqladapter.
	DB sqladapter.DatabaseConn

	// Optional clock
	Clock clock.WithTicker
}

// Sweeper purges expired dead-letter entries.
type Sweeper struct {
	log        *slog.Logger
	retention  time.Duration
	interval   time.Duration
	claimQuery func(minElapsedMs int64) (string, []any)
	purgeQuery func(cutoff time.Time) (string, []any)
	timeout    time.Duration
	db         sqladapter.DatabaseConn
	clock      clock.WithTicker

	stop context.CancelFunc
	done chan struct{}
}

// Start returns a Sweeper, and starts sweeping in background if Interval is positive.
func Start(opts Options) (*Sweeper, error) {
	if opts.DB == nil {
		return nil, errors.New("option DB is required")
	}
	if opts.ClaimQuery == nil || opts.PurgeQuery == nil {
		return nil, errors.New("options ClaimQuery and PurgeQuery are required")
	}
	if opts.Retention <= 0 {
		return nil, errors.New("option Retention must be greater than zero")
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultSweepTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sweeper{
		log:        opts.Logger,
		retention:  opts.Retention,
		interval:   max(opts.Interval, 0),
		claimQuery: opts.ClaimQuery,
		purgeQuery: opts.PurgeQuery,
		timeout:    opts.Timeout,
		db:         opts.DB,
		clock:      opts.Clock,
		stop:       cancel,
		done:       make(chan struct{}),
	}

	if s.interval > 0 {
		go s.run(ctx)
	} else {
		close(s.done)
	}

	return s, nil
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.log.InfoContext(ctx, "Scheduled purging of expired dead-letter entries",
		slog.Duration("retention", s.retention),
		slog.Duration("interval", s.interval),
	)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			sweepCtx, cancel := context.WithTimeout(ctx, s.timeout)
			_, err := s.Sweep(sweepCtx)
			cancel()
			if err != nil {
				s.log.ErrorContext(ctx, "Failed to purge expired dead-letter entries", slog.Any("error", err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Sweep deletes all entries older than the retention period, and returns how many were deleted.
// The sweep is skipped if another one ran less than an interval ago, possibly in another process.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	// The claim is atomic, so multiple processes sharing the database sweep once per interval
	// 100ms of slack allows for ticker drift
	query, args := s.claimQuery((s.interval - 100*time.Millisecond).Milliseconds())
	claimed, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update the last sweep time: %w", err)
	}
	if claimed == 0 {
		s.log.DebugContext(ctx, "Skipping purge of expired dead-letter entries: last sweep was too recent")
		return 0, nil
	}

	cutoff := s.clock.Now().Add(-s.retention)
	query, args = s.purgeQuery(cutoff)
	removed, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired entries: %w", err)
	}

	if removed > 0 {
		s.log.InfoContext(ctx, "Purged expired dead-letter entries", slog.Int64("removed", removed), slog.Time("cutoff", cutoff))
	} else {
		s.log.DebugContext(ctx, "No expired dead-letter entries", slog.Time("cutoff", cutoff))
	}
	return removed, nil
}

// Close stops the background task and waits for it to return.
func (s *Sweeper) Close() error {
	s.stop()
	<-s.done
	return nil
}
