package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/italypaleale/courier/deadletter"
	"github.com/italypaleale/courier/deadletter/postgres"
	"github.com/italypaleale/courier/deadletter/sqlite"
	"github.com/italypaleale/courier/internal/config"
)

// Maximum time spent waiting for the database to become available at startup
const dbConnectMaxElapsed = 2 * time.Minute

// initDeadLetterStore returns the dead-letter store, or nil if none is configured.
func initDeadLetterStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (deadletter.Store, io.Closer, error) {
	log = log.With(slog.String("deadLetterStore", cfg.DeadLetter.Store))

	switch cfg.DeadLetter.Store {
	case config.DeadLetterNone:
		log.Info("Dead-letter store is disabled: messages that exhaust their attempts are dropped")
		return nil, nil, nil

	case config.DeadLetterMemory:
		return deadletter.NewMemoryStore(), nil, nil

	case config.DeadLetterSQLite:
		store, err := sqlite.New(ctx, sqlite.Options{
			ConnectionString: cfg.DeadLetter.SQLiteConnectionString,
			Retention:        cfg.DeadLetter.Retention,
			CleanupInterval:  cfg.DeadLetter.CleanupInterval,
			Logger:           log,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil

	case config.DeadLetterPostgres:
		db, err := connectPostgres(ctx, cfg.DeadLetter.PostgresConnectionString, log)
		if err != nil {
			return nil, nil, err
		}
		store, err := postgres.New(ctx, postgres.Options{
			DB:              db,
			Retention:       cfg.DeadLetter.Retention,
			CleanupInterval: cfg.DeadLetter.CleanupInterval,
			Logger:          log,
		})
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, postgresCloser{store: store, db: db}, nil

	default:
		return nil, nil, fmt.Errorf("unsupported dead-letter store '%s'", cfg.DeadLetter.Store)
	}
}

// connectPostgres opens a connection pool and waits until the database responds.
func connectPostgres(ctx context.Context, connString string, log *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := postgres.Options{ConnectionString: connString}.GetPgxPoolConfig()
	if err != nil {
		return nil, err
	}
	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	_, err = backoff.Retry(ctx,
		func() (struct{}, error) {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			pingErr := db.Ping(pingCtx)
			if pingErr != nil {
				log.WarnContext(ctx, "Failed to connect to Postgres - will retry", slog.Any("error", pingErr))
			}
			return struct{}{}, pingErr
		},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(dbConnectMaxElapsed),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	return db, nil
}

// postgresCloser closes the store and then the pool, which is owned by the binary.
type postgresCloser struct {
	store *postgres.Store
	db    *pgxpool.Pool
}

func (c postgresCloser) Close() error {
	err := c.store.Close()
	c.db.Close()
	return err
}
