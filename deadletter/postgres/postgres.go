// Package postgres contains a dead-letter store backed by a Postgres database.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"k8s.io/utils/clock"

	"github.com/italypaleale/courier/deadletter"
	"github.com/italypaleale/courier/internal/ptr"
	"github.com/italypaleale/courier/internal/sql/cleanup"
	"github.com/italypaleale/courier/internal/sql/migrations"
	postgresmigrations "github.com/italypaleale/courier/internal/sql/migrations/postgres"
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

const entryColumns = `id, message_id, body, attempts, last_error, queued_at, failed_at`

// Options for the Postgres store.
type Options struct {
	// Connection string for the Postgres database
	// This allows the store to establish a new database connection
	ConnectionString string

	// Connection to an existing database
	DB *pgxpool.Pool

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

// GetPgxPoolConfig parses the database connection string and returns the pgxpool.Config object
func (o Options) GetPgxPoolConfig() (*pgxpool.Config, error) {
	if o.ConnectionString == "" {
		return nil, errors.New("missing property ConnectionString in Postgres options")
	}

	cfg, err := pgxpool.ParseConfig(o.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("property ConnectionString in Postgres options is invalid: %w", err)
	}

	return cfg, nil
}

// Store is a deadletter.Store that persists entries in Postgres.
type Store struct {
	db      *pgxpool.Pool
	ownsDB  bool
	log     *slog.Logger
	timeout time.Duration
	sweeper *cleanup.Sweeper
	clock   clock.WithTicker
}

// New connects to the database, unless a connection is passed in the options, and performs schema migrations.
func New(ctx context.Context, opts Options) (*Store, error) {
	s := &Store{
		db:      opts.DB,
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

	// Open a database connection unless we have one passed in already
	if s.db == nil {
		cfg, err := opts.GetPgxPoolConfig()
		if err != nil {
			return nil, err
		}

		connCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		s.db, err = pgxpool.NewWithConfig(connCtx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Postgres database: %w", err)
		}
		s.ownsDB = true
	}

	err := s.performMigrations(ctx)
	if err != nil {
		s.closeDB()
		return nil, fmt.Errorf("failed to perform schema migrations: %w", err)
	}

	if opts.Retention > 0 {
		err = s.startSweeper(opts.Retention, opts.CleanupInterval)
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to start purging expired entries: %w", err)
		}
	}

	return s, nil
}

// Close stops the garbage collector, and closes the connection if it was opened by the store.
func (s *Store) Close() error {
	if s.sweeper != nil {
		_ = s.sweeper.Close()
	}
	s.closeDB()
	return nil
}

func (s *Store) closeDB() {
	if s.ownsDB {
		s.db.Close()
	}
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
	_, err := s.db.Exec(queryCtx,
		`INSERT INTO deadletters (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.MessageID, entry.Body, entry.Attempts, entry.LastError, entry.QueuedAt, entry.FailedAt,
	)
	if isUniqueViolation(err) {
		return deadletter.ErrDuplicate
	} else if err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*deadletter.Entry, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	entry, err := scanEntry(s.db.QueryRow(queryCtx,
		`SELECT `+entryColumns+` FROM deadletters WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, deadletter.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to retrieve entry: %w", err)
	}

	return entry, nil
}

func (s *Store) List(ctx context.Context, opts deadletter.ListOpts) ([]*deadletter.Entry, error) {
	// A NULL limit means no limit
	var limit *int
	if opts.Limit > 0 {
		limit = ptr.Of(opts.Limit)
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.db.Query(queryCtx,
		`SELECT `+entryColumns+`
		FROM deadletters
		ORDER BY failed_at DESC, id DESC
		LIMIT $1`,
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
	res, err := s.db.Exec(queryCtx, `DELETE FROM deadletters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	if res.RowsAffected() == 0 {
		return deadletter.ErrNotFound
	}
	return nil
}

func (s *Store) Take(ctx context.Context, id string, fn func(entry *deadletter.Entry) error) error {
	_, err := transactions.ExecuteInPgxTransaction(ctx, s.log, s.db, s.timeout, func(ctx context.Context, tx pgx.Tx) (z struct{}, err error) {
		// Lock the row so concurrent takes wait for this transaction to complete
		queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		entry, err := scanEntry(tx.QueryRow(queryCtx,
			`SELECT `+entryColumns+` FROM deadletters WHERE id = $1 FOR UPDATE`,
			id,
		))
		if errors.Is(err, pgx.ErrNoRows) {
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
		_, err = tx.Exec(queryCtx, `DELETE FROM deadletters WHERE id = $1`, id)
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
	err = s.db.QueryRow(queryCtx, `SELECT COUNT(*) FROM deadletters`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return n, nil
}

func scanEntry(row sqladapter.RowScanner) (*deadletter.Entry, error) {
	var entry deadletter.Entry
	err := row.Scan(&entry.ID, &entry.MessageID, &entry.Body, &entry.Attempts, &entry.LastError, &entry.QueuedAt, &entry.FailedAt)
	if err != nil {
		return nil, err
	}

	entry.QueuedAt = entry.QueuedAt.UTC()
	entry.FailedAt = entry.FailedAt.UTC()
	return &entry, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func (s *Store) performMigrations(ctx context.Context) error {
	scripts, err := migrations.LoadScripts(migrationScripts, "migrations")
	if err != nil {
		return err
	}

	m := postgresmigrations.Migrator{
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
					VALUES ('last-cleanup', now()::text)
				ON CONFLICT (key)
					DO UPDATE SET value = EXCLUDED.value
				WHERE (EXTRACT('epoch' FROM now() - metadata.value::timestamp) * 1000)::bigint > $1`,
				[]any{minElapsedMs}
		},
		PurgeQuery: func(cutoff time.Time) (string, []any) {
			return `DELETE FROM deadletters WHERE failed_at < $1`, []any{cutoff}
		},
		DB:    sqladapter.AdaptPgxConn(s.db),
		Clock: s.clock,
	})
	return err
}
