// This code was adapted from https://github.com/dapr/components-contrib/blob/v1.14.6/
// Copyright (C) 2023 The Dapr Authors
// License: Apache2

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/italypaleale/courier/internal/sql/migrations"
	"github.com/italypaleale/courier/internal/sql/sqladapter"
	"github.com/italypaleale/courier/internal/sql/transactions"
)

// Migrator applies schema migrations to a SQLite database.
// Migrations run in an EXCLUSIVE transaction, so concurrent processes migrate the same file one at a time, and a failed script leaves the schema untouched.
type Migrator struct {
	DB *sql.DB
	// Table that stores the schema version; it's created if it doesn't exist
	MetadataTable string
	Logger        *slog.Logger
}

// Apply brings the schema up to date with scripts.
func (m Migrator) Apply(ctx context.Context, scripts []migrations.Script) error {
	log := m.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	_, err := transactions.ExecuteInSqlTransaction(ctx, log, m.DB, time.Minute, "EXCLUSIVE", func(ctx context.Context, conn *sql.Conn) (z struct{}, err error) {
		db := sqladapter.AdaptDatabaseSQLConn(conn)
		return z, migrations.Migrate(ctx, db, migrations.MigrationOptions{
			Scripts: scripts,
			EnsureMetadataTable: func(ctx context.Context) error {
				return m.ensureMetadataTable(ctx, conn, log)
			},
			// The table name is not user-controlled
			GetVersionQuery: fmt.Sprintf(`SELECT value FROM %s WHERE key = '%s'`, m.MetadataTable, migrations.VersionKey),
			UpdateVersionQuery: func(version string) (string, any) {
				return fmt.Sprintf(`REPLACE INTO %s (key, value) VALUES ('%s', ?)`, m.MetadataTable, migrations.VersionKey), version
			},
		}, log)
	})
	return err
}

func (m Migrator) ensureMetadataTable(ctx context.Context, conn *sql.Conn, log *slog.Logger) error {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var exists bool
	err := conn.QueryRowContext(queryCtx, `SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?)`, m.MetadataTable).
		Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check if the metadata table exists: %w", err)
	}
	if exists {
		return nil
	}

	log.InfoContext(ctx, "Creating metadata table", slog.String("table", m.MetadataTable))
	_, err = conn.ExecContext(queryCtx, fmt.Sprintf(`CREATE TABLE %s (
		key text NOT NULL PRIMARY KEY,
		value text NOT NULL
	)`, m.MetadataTable))
	if err != nil {
		return fmt.Errorf("failed to create metadata table: %w", err)
	}
	return nil
}
