// Package config loads the configuration of the courier binary from environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
)

// Prefix for all environment variables.
const Prefix = "COURIER_"

// Names of transports.
const (
	TransportDiscard = "discard"
	TransportWebhook = "webhook"
	TransportNATS    = "nats"
)

// Names of dead-letter stores.
const (
	DeadLetterNone     = "none"
	DeadLetterMemory   = "memory"
	DeadLetterSQLite   = "sqlite"
	DeadLetterPostgres = "postgres"
)

// Names of log formats.
const (
	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

// Config contains the configuration for the binary.
type Config struct {
	// Address the API server binds to
	Bind string
	// Maximum size of request bodies, in bytes
	MaxBodySize int64
	TLS         TLSConfig
	// Serve HTTP/3 too; requires TLS
	HTTP3 bool
	// If set, API requests must include it as a bearer token
	APIKey string

	LogLevel  slog.Level
	LogFormat string

	QueueCapacity     int
	RateLimitCapacity int
	RateLimitWindow   time.Duration
	RetryMinDelay     time.Duration
	RetryMaxDelay     time.Duration
	IdlePollInterval  time.Duration
	// 0 means unlimited
	MaxAttempts int
	SendTimeout time.Duration

	Transport string
	Webhook   WebhookConfig
	NATS      NATSConfig

	DeadLetter DeadLetterConfig

	// Expose metrics on /metrics
	Metrics bool
}

// TLSConfig contains the TLS options for the API server.
type TLSConfig struct {
	Enabled bool
	// If both are empty, a self-signed certificate is generated
	CertFile string
	KeyFile  string
}

// WebhookConfig contains the options for the webhook transport.
type WebhookConfig struct {
	URL                string
	HTTP3              bool
	Timeout            time.Duration
	CAFile             string
	InsecureSkipVerify bool
	// If set, sent to the webhook as a bearer token
	AuthKey string
}

// NATSConfig contains the options for the NATS transport.
type NATSConfig struct {
	URL          string
	Subject      string
	FlushTimeout time.Duration
}

// DeadLetterConfig contains the options for the dead-letter store.
type DeadLetterConfig struct {
	Store                    string
	SQLiteConnectionString   string
	PostgresConnectionString string
	// 0 means entries are kept forever
	Retention       time.Duration
	CleanupInterval time.Duration
}

// Load the configuration.
// If envFile is not empty, variables are first loaded from that file, if it exists; variables already set in the environment take precedence.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		err := godotenv.Load(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file '%s': %w", envFile, err)
		}
	}

	l := &loader{}
	cfg := &Config{
		Bind:        l.String("BIND", "127.0.0.1:8080"),
		MaxBodySize: l.Int64("MAX_BODY_SIZE", 1<<20),
		TLS: TLSConfig{
			Enabled:  l.Bool("TLS", false),
			CertFile: l.String("TLS_CERT_FILE", ""),
			KeyFile:  l.String("TLS_KEY_FILE", ""),
		},
		HTTP3:  l.Bool("HTTP3", false),
		APIKey: l.String("API_KEY", ""),

		LogLevel:  l.LogLevel("LOG_LEVEL", slog.LevelInfo),
		LogFormat: l.OneOf("LOG_FORMAT", LogFormatConsole, LogFormatJSON),

		QueueCapacity:     l.Int("QUEUE_CAPACITY", 300),
		RateLimitCapacity: l.Int("RATE_LIMIT_CAPACITY", 10),
		RateLimitWindow:   l.Duration("RATE_LIMIT_WINDOW", 5*time.Second),
		RetryMinDelay:     l.Duration("RETRY_MIN_DELAY", 750*time.Millisecond),
		RetryMaxDelay:     l.Duration("RETRY_MAX_DELAY", 1250*time.Millisecond),
		IdlePollInterval:  l.Duration("IDLE_POLL_INTERVAL", 100*time.Millisecond),
		MaxAttempts:       l.Int("MAX_ATTEMPTS", 0),
		SendTimeout:       l.Duration("SEND_TIMEOUT", 30*time.Second),

		Transport: l.OneOf("TRANSPORT", TransportDiscard, TransportWebhook, TransportNATS),
		Webhook: WebhookConfig{
			URL:                l.String("WEBHOOK_URL", ""),
			HTTP3:              l.Bool("WEBHOOK_HTTP3", false),
			Timeout:            l.Duration("WEBHOOK_TIMEOUT", 10*time.Second),
			CAFile:             l.String("WEBHOOK_CA_FILE", ""),
			InsecureSkipVerify: l.Bool("WEBHOOK_INSECURE_SKIP_VERIFY", false),
			AuthKey:            l.String("WEBHOOK_AUTH_KEY", ""),
		},
		NATS: NATSConfig{
			URL:          l.String("NATS_URL", "nats://127.0.0.1:4222"),
			Subject:      l.String("NATS_SUBJECT", "courier.messages"),
			FlushTimeout: l.Duration("NATS_FLUSH_TIMEOUT", 2*time.Second),
		},

		DeadLetter: DeadLetterConfig{
			Store:                    l.OneOf("DEADLETTER", DeadLetterMemory, DeadLetterNone, DeadLetterSQLite, DeadLetterPostgres),
			SQLiteConnectionString:   l.String("SQLITE_CONNECTION_STRING", "courier.db"),
			PostgresConnectionString: l.String("POSTGRES_CONNECTION_STRING", ""),
			Retention:                l.Duration("DEADLETTER_RETENTION", 0),
			CleanupInterval:          l.Duration("DEADLETTER_CLEANUP_INTERVAL", time.Hour),
		},

		Metrics: l.Bool("METRICS", true),
	}

	if len(l.errs) > 0 {
		return nil, errors.Join(l.errs...)
	}

	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the constraints between options.
func (c *Config) Validate() error {
	switch {
	case c.QueueCapacity <= 0:
		return errors.New(Prefix + "QUEUE_CAPACITY must be greater than zero")
	case c.RateLimitCapacity < 0:
		return errors.New(Prefix + "RATE_LIMIT_CAPACITY must not be negative")
	case c.RateLimitCapacity > 0 && c.RateLimitWindow <= 0:
		return errors.New(Prefix + "RATE_LIMIT_WINDOW must be greater than zero")
	case c.RetryMinDelay <= 0:
		return errors.New(Prefix + "RETRY_MIN_DELAY must be greater than zero")
	case c.RetryMaxDelay < c.RetryMinDelay:
		return errors.New(Prefix + "RETRY_MAX_DELAY must not be smaller than " + Prefix + "RETRY_MIN_DELAY")
	case c.MaxAttempts < 0:
		return errors.New(Prefix + "MAX_ATTEMPTS must not be negative")
	case c.HTTP3 && !c.TLS.Enabled:
		return errors.New(Prefix + "HTTP3 requires " + Prefix + "TLS")
	case (c.TLS.CertFile == "") != (c.TLS.KeyFile == ""):
		return errors.New(Prefix + "TLS_CERT_FILE and " + Prefix + "TLS_KEY_FILE must be set together")
	case c.Transport == TransportWebhook && c.Webhook.URL == "":
		return errors.New(Prefix + "WEBHOOK_URL is required when using the webhook transport")
	case c.DeadLetter.Store == DeadLetterPostgres && c.DeadLetter.PostgresConnectionString == "":
		return errors.New(Prefix + "POSTGRES_CONNECTION_STRING is required when using the postgres dead-letter store")
	case c.DeadLetter.Retention < 0:
		return errors.New(Prefix + "DEADLETTER_RETENTION must not be negative")
	}

	return nil
}
