// Package sqlite contains a dead-letter store backed by a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/clock"
	// Blank import for the sqlite driver
	_ "modernc.org/sqlite"

	"github.com/italypaleale/courier/deadletter"
	"github.com/italypaleale/courier/internal/sql/cleanup"
	"github.com/italypaleale/courier/internal/sql/migrations"
	sqlitemigrations "github.com/italypaleale/courier/internal/sql/migrations/sqlite"
	"github.com/italypaleale/courier/internal/sql/sqladapter"
	"github.com/italypaleale/courier/internal/sql/transactions"
)

//go:embed migrations
var migrationScripts embed.FS

const (
	DefaultTimeout         = 5 * time.Second
	DefaultCleanupInterval = time.Hour
)

// Table that stores the schema version and the time of the last retention sweep
const metadataTable = "metadata"

// Options for the SQLite store.
type Options struct {
	// Connection string for the database
	ConnectionString string

	// Timeout for requests to the database
	Timeout time.Duration

	// Entries that failed before this duration are deleted periodically
	// Zero means entries are kept forever
	Retention time.Duration

	// Interval at which to delete expired entries, when Retention is set
	// A negative value disables the background task
	CleanupInterval time.Duration

	Logger *slog.Logger

	// Clock, used to pass a mock one for testing
	clock clock.WithTicker
}

// Store is a deadletter.Store that persists entries in SQLite.
type Store struct {
	db      *sql.DB
	log     *slog.Logger
	timeout time.Duration
	sweeper *cleanup.Sweeper
	clock   clock.WithTicker
}

// New opens the database and performs schema migrations.
func New(ctx context.Context, opts Options) (*Store, error) {
	s := &Store{
		log:     opts.Logger,
		timeout: opts.Timeout,
		clock:   opts.clock,
	}

	if s.log == nil {
		s.log = slog.New(slog.DiscardHandler)
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.clock == nil {
		s.clock = &clock.RealClock{}
	}

	// Parse the connection string
	connStr, err := parseConnectionString(opts.ConnectionString, s.log)
	if err != nil {
		return nil, fmt.Errorf("connection string for SQLite is not valid: %w", err)
	}

	// Open the database
	s.db, err = sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// Use a single connection so writers never contend for locks
	s.db.SetMaxOpenConns(1)

	// Migrate schema
	err = s.performMigrations(ctx)
	if err != nil {
		_ = s.db.Close()
		return nil, fmt.Errorf("failed to perform migrations: %w", err)
	}

	if opts.Retention > 0 {
		err = s.startSweeper(opts.Retention, opts.CleanupInterval)
		if err != nil {
			_ = s.db.Close()
			return nil, fmt.Errorf("failed to start purging expired entries: %w", err)
		}
	}

	return s, nil
}

// Close stops the garbage collector and closes the database.
func (s *Store) Close() error {
	if s.sweeper != nil {
		_ = s.sweeper.Close()
	}
	return s.db.Close()
}

func (s *Store) Add(ctx context.Context, entry *deadletter.Entry) error {
	if entry.ID == "" {
		id, err := deadletter.NewEntryID()
		if err != nil {
			return err
		}
		entry.ID = id
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx,
		`INSERT INTO deadletters
			(id, message_id, body, attempts, last_error, queued_at, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		entry.ID, entry.MessageID, entry.Body, entry.Attempts, entry.LastError,
		entry.QueuedAt.UnixMicro(), entry.FailedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count affected rows: %w", err)
	}
	if n == 0 {
		return deadletter.ErrDuplicate
	}

	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*deadletter.Entry, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	row := s.db.QueryRowContext(queryCtx,
		`SELECT id, message_id, body, attempts, last_error, queued_at, failed_at
		FROM deadletters
		WHERE id = ?`,
		id,
	)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, deadletter.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to retrieve entry: %w", err)
	}

	return entry, nil
}

func (s *Store) List(ctx context.Context, opts deadletter.ListOpts) ([]*deadletter.Entry, error) {
	// In SQLite, a negative limit means no limit
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx,
		`SELECT id, message_id, body, attempts, last_error, queued_at, failed_at
		FROM deadletters
		ORDER BY failed_at DESC, id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	res := []*deadletter.Entry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		res = append(res, entry)
	}
	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}

	return res, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx, `DELETE FROM deadletters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count affected rows: %w", err)
	}
	if n == 0 {
		return deadletter.ErrNotFound
	}

	return nil
}

func (s *Store) Take(ctx context.Context, id string, fn func(entry *deadletter.Entry) error) error {
	_, err := transactions.ExecuteInSqlTransaction(ctx, s.log, s.db, s.timeout, "IMMEDIATE", func(ctx context.Context, tx *sql.Conn) (z struct{}, err error) {
		queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		row := tx.QueryRowContext(queryCtx,
			`SELECT id, message_id, body, attempts, last_error, queued_at, failed_at
			FROM deadletters
			WHERE id = ?`,
			id,
		)
		entry, err := scanEntry(row)
		if errors.Is(err, sql.ErrNoRows) {
			return z, deadletter.ErrNotFound
		} else if err != nil {
			return z, fmt.Errorf("failed to retrieve entry: %w", err)
		}

		err = fn(entry)
		if err != nil {
			return z, err
		}

		queryCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
		_, err = tx.ExecContext(queryCtx, `DELETE FROM deadletters WHERE id = ?`, id)
		if err != nil {
			return z, fmt.Errorf("failed to delete entry: %w", err)
		}

		return z, nil
	})
	return err
}

func (s *Store) Count(ctx context.Context) (n int64, err error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err = s.db.QueryRowContext(queryCtx, `SELECT COUNT(*) FROM deadletters`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return n, nil
}

func scanEntry(row sqladapter.RowScanner) (*deadletter.Entry, error) {
	var (
		entry              deadletter.Entry
		queuedAt, failedAt int64
	)
	err := row.Scan(&entry.ID, &entry.MessageID, &entry.Body, &entry.Attempts, &entry.LastError, &queuedAt, &failedAt)
	if err != nil {
		return nil, err
	}

	entry.QueuedAt = time.UnixMicro(queuedAt).UTC()
	entry.FailedAt = time.UnixMicro(failedAt).UTC()
	return &entry, nil
}

func (s *Store) performMigrations(ctx context.Context) error {
	scripts, err := migrations.LoadScripts(migrationScripts, "migrations")
	if err != nil {
		return err
	}

	m := sqlitemigrations.Migrator{
		DB:            s.db,
		MetadataTable: metadataTable,
		Logger:        s.log,
	}
	err = m.Apply(ctx, scripts)
	if err != nil {
		return fmt.Errorf("migrations failed with error: %w", err)
	}

	return nil
}

func (s *Store) startSweeper(retention time.Duration, interval time.Duration) (err error) {
	if interval == 0 {
		interval = DefaultCleanupInterval
	} else if interval < 0 {
		// A negative value means disabled
		interval = 0
	}

	s.sweeper, err = cleanup.Start(cleanup.Options{
		Logger:    s.log,
		Retention: retention,
		Interval:  interval,
		ClaimQuery: func(minElapsedMs int64) (string, []any) {
			return `
				INSERT INTO metadata (key, value)
					VALUES ('last-cleanup', CURRENT_TIMESTAMP)
				ON CONFLICT (key)
					DO UPDATE SET value = CURRENT_TIMESTAMP
				WHERE (unixepoch(CURRENT_TIMESTAMP) - unixepoch(value)) * 1000 > ?`,
				[]any{minElapsedMs}
		},
		PurgeQuery: func(cutoff time.Time) (string, []any) {
			return `DELETE FROM deadletters WHERE failed_at < ?`, []any{cutoff.UnixMicro()}
		},
		DB:    sqladapter.AdaptDatabaseSQLConn(s.db),
		Clock: s.clock,
	})
	return err
}
