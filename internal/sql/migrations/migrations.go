// This code was adapted from https://github.com/dapr/components-contrib/blob/v1.14.6/
// Copyright (C) 2023 The Dapr Authors
// License: Apache2

package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"time"

	"github.com/italypaleale/courier/internal/sql/sqladapter"
)

// VersionKey is the key of the row in the metadata table that stores the migration level.
const VersionKey = "migrations-version"

// Script is a migration script, executed as a single statement batch.
type Script struct {
	Name string
	SQL  string
}

// MigrationOptions contains options for the Migrate function.
type MigrationOptions struct {
	// List of migrations to execute, in order.
	// The migration level stored in the metadata table is the number of scripts that were applied.
	Scripts []Script

	// EnsureMetadataTable ensures that the metadata table exists.
	EnsureMetadataTable func(ctx context.Context) error

	// GetVersionQuery is the query to execute to load the latest migration version.
	GetVersionQuery string

	// UpdateVersionQuery is a function that returns the query to update the migration version, and the arg.
	UpdateVersionQuery func(version string) (string, any)
}

// LoadScripts reads all migration scripts in the given directory, sorted by file name.
func LoadScripts(fsys fs.FS, dir string) ([]Script, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("error while loading migration scripts: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			// Should not happen...
			continue
		}
		names = append(names, e.Name())
	}
	slices.Sort(names)

	scripts := make([]Script, len(names))
	for i, name := range names {
		data, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("error reading migration script '%s': %w", name, err)
		}
		scripts[i] = Script{
			Name: name,
			SQL:  string(data),
		}
	}

	return scripts, nil
}

// Migrate performs database migrations.
func Migrate(ctx context.Context, db sqladapter.DatabaseConn, opts MigrationOptions, logger *slog.Logger) (err error) {
	logger = logger.With(slog.String("component", "migrations"))
	logger.DebugContext(ctx, "Begin migrations")

	// Ensure that the metadata table exists
	if opts.EnsureMetadataTable != nil {
		logger.DebugContext(ctx, "Ensuring metadata table exists")
		err = opts.EnsureMetadataTable(ctx)
		if err != nil {
			return fmt.Errorf("failed to ensure metadata table exists: %w", err)
		}
	}

	// Select the migration level
	logger.DebugContext(ctx, "Loading current migration level")
	var (
		migrationLevelStr string
		migrationLevel    int
	)
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = db.QueryRow(queryCtx, opts.GetVersionQuery).Scan(&migrationLevelStr)
	cancel()
	switch {
	case db.IsNoRowsError(err):
		// If there's no row...
		migrationLevel = 0
	case err != nil:
		return fmt.Errorf("failed to read migration level: %w", err)
	default:
		migrationLevel, err = strconv.Atoi(migrationLevelStr)
		if err != nil || migrationLevel < 0 {
			return fmt.Errorf("invalid migration level found in metadata table: %s", migrationLevelStr)
		}
	}
	logger.DebugContext(ctx, "Loaded current migration level", slog.Int("level", migrationLevel))

	if migrationLevel > len(opts.Scripts) {
		return fmt.Errorf("database is at migration level %d, which is newer than the latest known level %d", migrationLevel, len(opts.Scripts))
	}

	// Perform the migrations
	for i := migrationLevel; i < len(opts.Scripts); i++ {
		script := opts.Scripts[i]
		logger.InfoContext(ctx, "Performing migration", slog.Int("level", i), slog.String("migration", script.Name))

		queryCtx, cancel = context.WithTimeout(ctx, time.Minute)
		_, err = db.Exec(queryCtx, script.SQL)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to perform migration '%s': %w", script.Name, err)
		}

		query, arg := opts.UpdateVersionQuery(strconv.Itoa(i + 1))
		queryCtx, cancel = context.WithTimeout(ctx, 30*time.Second)
		_, err = db.Exec(queryCtx, query, arg)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to update migration level in metadata table: %w", err)
		}
	}

	return nil
}
