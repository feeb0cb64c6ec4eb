// This code was adapted from https://github.com/dapr/components-contrib/blob/v1.14.6/
// Copyright (C) 2023 The Dapr Authors
// License: Apache2

package pgmigrations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/italypaleale/courier/internal/sql/migrations"
	"github.com/italypaleale/courier/internal/sql/sqladapter"
	"github.com/italypaleale/courier/internal/sql/transactions"
)

// Key of the row in the metadata table used as migration lock
const lockKey = "migrations-lock"

// Migrator applies schema migrations to a Postgres database.
type Migrator struct {
	DB sqladapter.PGXPoolConn
	// Table that stores the schema version; it's created if it doesn't exist
	MetadataTable string
	Logger        *slog.Logger
}

// Apply brings the schema up to date with scripts.
// Scripts run in a single transaction that holds a row lock on the metadata table, so concurrent processes migrate one at a time.
// Advisory locks are not used because some Postgres-compatible databases, such as CockroachDB, don't support them.
func (m Migrator) Apply(ctx context.Context, scripts []migrations.Script) error {
	log := m.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	err := m.ensureMetadataTable(ctx, log)
	if err != nil {
		return err
	}

	// Outside of a transaction, so it doesn't take a table-level lock
	queryCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	_, err = m.DB.Exec(queryCtx, fmt.Sprintf(`INSERT INTO %s (key, value) VALUES ($1, 'lock') ON CONFLICT (key) DO NOTHING`, m.MetadataTable), lockKey)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to create migration lock row: %w", err)
	}

	_, err = transactions.ExecuteInPgxTransaction(ctx, log, m.DB, 15*time.Second, func(ctx context.Context, tx pgx.Tx) (z struct{}, err error) {
		// May block while another process is migrating
		log.DebugContext(ctx, "Acquiring migration lock")
		lockCtx, lockCancel := context.WithTimeout(ctx, time.Minute)
		_, err = tx.Exec(lockCtx, fmt.Sprintf(`SELECT value FROM %s WHERE key = $1 FOR UPDATE`, m.MetadataTable), lockKey)
		lockCancel()
		if err != nil {
			return z, fmt.Errorf("failed to acquire migration lock: %w", err)
		}

		return z, migrations.Migrate(ctx, sqladapter.AdaptPgxConn(tx), migrations.MigrationOptions{
			Scripts: scripts,
			// The table name is not user-controlled
			GetVersionQuery: fmt.Sprintf(`SELECT value FROM %s WHERE key = '%s'`, m.MetadataTable, migrations.VersionKey),
			UpdateVersionQuery: func(version string) (string, any) {
				return fmt.Sprintf(`INSERT INTO %s (key, value) VALUES ('%s', $1) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, m.MetadataTable, migrations.VersionKey), version
			},
		}, log)
	})
	return err
}

// ensureMetadataTable creates the metadata table if needed.
// Concurrent "CREATE TABLE IF NOT EXISTS" statements can fail with a unique violation on pg_type, so those are retried.
func (m Migrator) ensureMetadataTable(ctx context.Context, log *slog.Logger) error {
	log.DebugContext(ctx, "Ensuring metadata table exists", slog.String("table", m.MetadataTable))

	_, err := backoff.Retry(ctx,
		func() (struct{}, error) {
			_, err := m.DB.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				key text NOT NULL PRIMARY KEY,
				value text NOT NULL
			)`, m.MetadataTable))

			var pgErr *pgconn.PgError
			if err != nil && !(errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		},
		backoff.WithBackOff(backoff.NewConstantBackOff(100*time.Millisecond)),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		return fmt.Errorf("failed to create metadata table: %w", err)
	}
	return nil
}
