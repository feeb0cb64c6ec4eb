package transactions

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	// Blank import for the sqlite driver
	_ "modernc.org/sqlite"

	"github.com/italypaleale/courier/internal/testutil"
)

func TestExecuteInSqlTransaction(t *testing.T) {
	db, err := sql.Open("sqlite", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	_, err = db.ExecContext(t.Context(), "CREATE TABLE items (id integer PRIMARY KEY)")
	require.NoError(t, err)

	log, _ := testutil.NewLogger()
	count := func(t *testing.T) int {
		t.Helper()
		var n int
		require.NoError(t, db.QueryRowContext(t.Context(), "SELECT COUNT(*) FROM items").Scan(&n))
		return n
	}

	t.Run("commit", func(t *testing.T) {
		res, err := ExecuteInSqlTransaction(t.Context(), log, db, 5*time.Second, "IMMEDIATE", func(ctx context.Context, tx *sql.Conn) (int64, error) {
			r, err := tx.ExecContext(ctx, "INSERT INTO items (id) VALUES (1), (2)")
			if err != nil {
				return 0, err
			}
			return r.RowsAffected()
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), res)
		assert.Equal(t, 2, count(t))
	})

	t.Run("rollback on error", func(t *testing.T) {
		errAbort := errors.New("abort")
		_, err := ExecuteInSqlTransaction(t.Context(), log, db, 5*time.Second, "IMMEDIATE", func(ctx context.Context, tx *sql.Conn) (struct{}, error) {
			_, err := tx.ExecContext(ctx, "INSERT INTO items (id) VALUES (3)")
			require.NoError(t, err)
			return struct{}{}, errAbort
		})
		require.ErrorIs(t, err, errAbort)
		assert.Equal(t, 2, count(t))
	})

	t.Run("rollback on panic", func(t *testing.T) {
		require.Panics(t, func() {
			_, _ = ExecuteInSqlTransaction(t.Context(), log, db, 5*time.Second, "IMMEDIATE", func(ctx context.Context, tx *sql.Conn) (struct{}, error) {
				_, err := tx.ExecContext(ctx, "INSERT INTO items (id) VALUES (4)")
				require.NoError(t, err)
				panic("boom")
			})
		})
		assert.Equal(t, 2, count(t))
	})

	t.Run("rollback after the context is canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		_, err := ExecuteInSqlTransaction(ctx, log, db, 5*time.Second, "IMMEDIATE", func(ctx context.Context, tx *sql.Conn) (struct{}, error) {
			_, err := tx.ExecContext(ctx, "INSERT INTO items (id) VALUES (5)")
			require.NoError(t, err)
			cancel()
			return struct{}{}, ctx.Err()
		})
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 2, count(t))
	})
}
