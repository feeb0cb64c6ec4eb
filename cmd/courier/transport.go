package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/italypaleale/courier/internal/apiauth"
	"github.com/italypaleale/courier/internal/config"
	"github.com/italypaleale/courier/internal/tlsconfig"
	"github.com/italypaleale/courier/sender"
	"github.com/italypaleale/courier/transports/discard"
	"github.com/italypaleale/courier/transports/nats"
	"github.com/italypaleale/courier/transports/webhook"
)

// Maximum time spent waiting for the NATS server to become available at startup
const natsConnectMaxElapsed = 2 * time.Minute

func initTransport(ctx context.Context, cfg *config.Config, log *slog.Logger) (sender.Transport, io.Closer, error) {
	log.Info("Initializing transport", slog.String("transport", cfg.Transport))

	switch cfg.Transport {
	case config.TransportDiscard:
		t, err := discard.New(discard.Options{})
		if err != nil {
			return nil, nil, err
		}
		return t, nil, nil

	case config.TransportWebhook:
		tlsCfg, err := tlsconfig.ClientOptions{
			CAFile:             cfg.Webhook.CAFile,
			InsecureSkipVerify: cfg.Webhook.InsecureSkipVerify,
			HTTP3:              cfg.Webhook.HTTP3,
		}.ClientConfig()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load TLS configuration: %w", err)
		}

		opts := webhook.Options{
			URL:       cfg.Webhook.URL,
			Timeout:   cfg.Webhook.Timeout,
			HTTP3:     cfg.Webhook.HTTP3,
			TLSConfig: tlsCfg,
		}
		if cfg.Webhook.AuthKey != "" {
			opts.Auth = &apiauth.SharedKey{Key: cfg.Webhook.AuthKey}
		}
		t, err := webhook.New(opts)
		if err != nil {
			return nil, nil, err
		}
		return t, t, nil

	case config.TransportNATS:
		nc, err := nats.Connect(ctx, cfg.NATS.URL, natsConnectMaxElapsed, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}

		t, err := nats.New(nats.Options{
			Conn:         nc,
			Subject:      cfg.NATS.Subject,
			FlushTimeout: cfg.NATS.FlushTimeout,
		})
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return t, natsCloser{nc}, nil

	default:
		return nil, nil, fmt.Errorf("unsupported transport '%s'", cfg.Transport)
	}
}

type natsCloser struct {
	nc *natsgo.Conn
}

// Close drains pending messages before closing the connection.
func (c natsCloser) Close() error {
	return c.nc.Drain()
}
