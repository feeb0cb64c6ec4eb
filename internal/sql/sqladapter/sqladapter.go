// This code was adapted from https://github.com/dapr/components-contrib/blob/v1.14.6/
// Copyright (C) 2023 The Dapr Authors
// License: Apache2

// Package sqladapter contains adapters so code can work with both database/sql and pgx connections.
package sqladapter

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// RowScanner is the result of QueryRow.
type RowScanner interface {
	Scan(dest ...any) error
}

// DatabaseConn is the common interface for database connections.
type DatabaseConn interface {
	QueryRow(ctx context.Context, query string, args ...any) RowScanner
	// Exec executes a query and returns the number of affected rows.
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	IsNoRowsError(err error) bool
}

// DatabaseSQLConn is the interface implemented by *sql.DB, *sql.Conn and *sql.Tx.
type DatabaseSQLConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PGXPoolConn is the interface implemented by *pgxpool.Pool.
type PGXPoolConn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AdaptDatabaseSQLConn returns a DatabaseConn for a database/sql connection.
func AdaptDatabaseSQLConn(db DatabaseSQLConn) DatabaseConn {
	return &sqlAdapter{db: db}
}

// AdaptPgxConn returns a DatabaseConn for a pgx connection pool.
func AdaptPgxConn(db PGXPoolConn) DatabaseConn {
	return &pgxAdapter{db: db}
}

type sqlAdapter struct {
	db DatabaseSQLConn
}

func (s *sqlAdapter) QueryRow(ctx context.Context, query string, args ...any) RowScanner {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *sqlAdapter) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlAdapter) IsNoRowsError(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

type pgxAdapter struct {
	db PGXPoolConn
}

func (p *pgxAdapter) QueryRow(ctx context.Context, query string, args ...any) RowScanner {
	return p.db.QueryRow(ctx, query, args...)
}

func (p *pgxAdapter) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := p.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (p *pgxAdapter) IsNoRowsError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
