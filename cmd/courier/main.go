package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/italypaleale/courier/filters"
	"github.com/italypaleale/courier/internal/apiauth"
	"github.com/italypaleale/courier/internal/config"
	"github.com/italypaleale/courier/internal/server"
	"github.com/italypaleale/courier/internal/servicerunner"
	"github.com/italypaleale/courier/internal/signals"
	"github.com/italypaleale/courier/internal/tlsconfig"
	"github.com/italypaleale/courier/sender"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		slog.Error("Invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	log := newLogger(cfg, os.Stderr)
	slog.SetDefault(log)

	ctx := signals.SignalContext(context.Background())

	err = run(ctx, cfg, log)
	if err != nil {
		log.Error("Error running courier", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) (err error) {
	// Resources are closed in reverse order when the function returns
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closeErr := closers[i].Close()
			if closeErr != nil {
				log.Warn("Error releasing resources", slog.Any("error", closeErr))
			}
		}
	}()

	metricsHandler, metricsCloser, err := initMetrics(cfg)
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}
	if metricsCloser != nil {
		closers = append(closers, metricsCloser)
	}

	deadLetterStore, deadLetterCloser, err := initDeadLetterStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to init dead-letter store: %w", err)
	}
	if deadLetterCloser != nil {
		closers = append(closers, deadLetterCloser)
	}

	transport, transportCloser, err := initTransport(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to init transport: %w", err)
	}
	if transportCloser != nil {
		closers = append(closers, transportCloser)
	}

	snd, err := sender.New(transport,
		sender.WithLogger(log),
		sender.WithQueueCapacity(cfg.QueueCapacity),
		sender.WithRateLimit(cfg.RateLimitCapacity, cfg.RateLimitWindow),
		sender.WithRetryDelay(cfg.RetryMinDelay, cfg.RetryMaxDelay),
		sender.WithIdlePollInterval(cfg.IdlePollInterval),
		sender.WithMaxAttempts(cfg.MaxAttempts),
		sender.WithSendTimeout(cfg.SendTimeout),
		sender.WithDeadLetterStore(deadLetterStore),
	)
	if err != nil {
		return fmt.Errorf("failed to create sender: %w", err)
	}
	closers = append(closers, snd)

	srvOpts := server.Options{
		Sender:         snd,
		Filters:        filters.NewStore(),
		DeadLetter:     deadLetterStore,
		MetricsHandler: metricsHandler,
		Bind:           cfg.Bind,
		MaxBodySize:    cfg.MaxBodySize,
		HTTP3:          cfg.HTTP3,
		Logger:         log,
	}
	if cfg.APIKey != "" {
		srvOpts.Auth = &apiauth.SharedKey{Key: cfg.APIKey}
	}
	if cfg.TLS.Enabled {
		srvOpts.TLSConfig, err = tlsconfig.ServerOptions{
			CertFile: cfg.TLS.CertFile,
			KeyFile:  cfg.TLS.KeyFile,
			HTTP3:    cfg.HTTP3,
		}.ServerConfig()
		if err != nil {
			return fmt.Errorf("failed to load TLS configuration: %w", err)
		}
	}
	srv, err := server.New(srvOpts)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	err = servicerunner.
		NewServiceRunner(
			snd.Run,
			srv.Run,
		).
		Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running services: %w", err)
	}

	return nil
}
