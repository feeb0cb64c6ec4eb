// This code was adapted from https://github.com/dapr/components-contrib/blob/v1.14.6/
// Copyright (C) 2023 The Dapr Authors
// License: Apache2

package transactions

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// PgxBeginner is implemented by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type PgxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ExecuteInSqlTransaction executes fn in a transaction on a connection from a database/sql pool.
// The transaction is started with "BEGIN <mode> TRANSACTION", which allows using SQLite's IMMEDIATE and EXCLUSIVE modes.
// If fn returns an error or panics, the transaction is rolled back.
func ExecuteInSqlTransaction[T any](ctx context.Context, log *slog.Logger, db *sql.DB, timeout time.Duration, mode string, fn func(ctx context.Context, tx *sql.Conn) (T, error)) (res T, err error) {
	// The connection is pinned for the whole transaction
	conn, err := db.Conn(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to get a connection from the pool: %w", err)
	}
	defer conn.Close()

	exec := func(stmt string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			_, err := conn.ExecContext(ctx, stmt)
			return err
		}
	}

	err = withTimeout(ctx, timeout, exec("BEGIN "+mode+" TRANSACTION"))
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}

	t := txn{
		log:      log,
		timeout:  timeout,
		commit:   exec("COMMIT"),
		rollback: exec("ROLLBACK"),
	}
	return run(ctx, t, func(ctx context.Context) (T, error) {
		return fn(ctx, conn)
	})
}

// ExecuteInPgxTransaction executes fn in a pgx transaction.
// If fn returns an error or panics, the transaction is rolled back.
func ExecuteInPgxTransaction[T any](ctx context.Context, log *slog.Logger, db PgxBeginner, timeout time.Duration, fn func(ctx context.Context, tx pgx.Tx) (T, error)) (res T, err error) {
	var tx pgx.Tx
	err = withTimeout(ctx, timeout, func(ctx context.Context) (beginErr error) {
		tx, beginErr = db.Begin(ctx)
		return beginErr
	})
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}

	t := txn{
		log:      log,
		timeout:  timeout,
		commit:   tx.Commit,
		rollback: tx.Rollback,
	}
	return run(ctx, t, func(ctx context.Context) (T, error) {
		return fn(ctx, tx)
	})
}

// txn is a transaction that was started already.
type txn struct {
	log      *slog.Logger
	timeout  time.Duration
	commit   func(ctx context.Context) error
	rollback func(ctx context.Context) error
}

// run executes fn, then commits the transaction if fn succeeded, or rolls it back otherwise.
func run[T any](ctx context.Context, t txn, fn func(ctx context.Context) (T, error)) (res T, err error) {
	committed := false
	defer func() {
		if committed {
			return
		}

		// Roll back even if the parent context was canceled
		// Errors are only logged: the caller gets the error that caused the rollback
		rollbackErr := withTimeout(context.WithoutCancel(ctx), t.timeout, t.rollback)
		if rollbackErr != nil {
			t.log.ErrorContext(ctx, "Error while attempting to roll back transaction", slog.Any("error", rollbackErr))
		}
	}()

	res, err = fn(ctx)
	if err != nil {
		return res, err
	}

	err = withTimeout(ctx, t.timeout, t.commit)
	if err != nil {
		return res, fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true

	return res, nil
}

// withTimeout invokes fn with a context that expires after timeout.
func withTimeout(parentCtx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parentCtx, timeout)
	defer cancel()
	return fn(ctx)
}
