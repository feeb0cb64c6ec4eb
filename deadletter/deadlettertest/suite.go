// Package deadlettertest contains a test suite that every deadletter.Store implementation must pass.
package deadlettertest

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italypaleale/courier/deadletter"
)

// Suite runs the conformance tests against a store.
// newStore must return an empty store on every invocation.
func Suite(t *testing.T, newStore func(t *testing.T) deadletter.Store) {
	// Truncate to microseconds since that's the resolution of timestamps in the databases
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("add and get", func(t *testing.T) {
		store := newStore(t)

		entry := &deadletter.Entry{
			MessageID: "msg-1",
			Body:      []byte("hello world"),
			Attempts:  5,
			LastError: "connection refused",
			QueuedAt:  now.Add(-time.Minute),
			FailedAt:  now,
		}
		err := store.Add(t.Context(), entry)
		require.NoError(t, err)
		require.NotEmpty(t, entry.ID)

		got, err := store.Get(t.Context(), entry.ID)
		require.NoError(t, err)
		assert.Equal(t, entry.ID, got.ID)
		assert.Equal(t, "msg-1", got.MessageID)
		assert.Equal(t, []byte("hello world"), got.Body)
		assert.Equal(t, 5, got.Attempts)
		assert.Equal(t, "connection refused", got.LastError)
		assert.True(t, entry.QueuedAt.Equal(got.QueuedAt), "queuedAt: expected %v, got %v", entry.QueuedAt, got.QueuedAt)
		assert.True(t, entry.FailedAt.Equal(got.FailedAt), "failedAt: expected %v, got %v", entry.FailedAt, got.FailedAt)
	})

	t.Run("get missing entry", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Get(t.Context(), "not-found")
		require.ErrorIs(t, err, deadletter.ErrNotFound)
	})

	t.Run("duplicate ID", func(t *testing.T) {
		store := newStore(t)

		id, err := deadletter.NewEntryID()
		require.NoError(t, err)

		err = store.Add(t.Context(), &deadletter.Entry{ID: id, MessageID: "a", Body: []byte("a"), QueuedAt: now, FailedAt: now})
		require.NoError(t, err)

		err = store.Add(t.Context(), &deadletter.Entry{ID: id, MessageID: "b", Body: []byte("b"), QueuedAt: now, FailedAt: now})
		require.ErrorIs(t, err, deadletter.ErrDuplicate)
	})

	t.Run("list most recent first", func(t *testing.T) {
		store := newStore(t)

		for i := range 5 {
			err := store.Add(t.Context(), &deadletter.Entry{
				MessageID: string(rune('a' + i)),
				Body:      []byte{byte('a' + i)},
				Attempts:  i,
				QueuedAt:  now,
				FailedAt:  now.Add(time.Duration(i) * time.Second),
			})
			require.NoError(t, err)
		}

		list, err := store.List(t.Context(), deadletter.ListOpts{})
		require.NoError(t, err)
		require.Len(t, list, 5)
		for i, e := range list {
			assert.Equal(t, string(rune('e'-i)), e.MessageID)
		}

		list, err = store.List(t.Context(), deadletter.ListOpts{Limit: 2})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "e", list[0].MessageID)
		assert.Equal(t, "d", list[1].MessageID)

		count, err := store.Count(t.Context())
		require.NoError(t, err)
		assert.EqualValues(t, 5, count)
	})

	t.Run("delete", func(t *testing.T) {
		store := newStore(t)

		entry := &deadletter.Entry{MessageID: "msg", Body: []byte("x"), QueuedAt: now, FailedAt: now}
		require.NoError(t, store.Add(t.Context(), entry))

		require.NoError(t, store.Delete(t.Context(), entry.ID))

		_, err := store.Get(t.Context(), entry.ID)
		require.ErrorIs(t, err, deadletter.ErrNotFound)

		err = store.Delete(t.Context(), entry.ID)
		require.ErrorIs(t, err, deadletter.ErrNotFound)

		count, err := store.Count(t.Context())
		require.NoError(t, err)
		assert.EqualValues(t, 0, count)
	})

	t.Run("take", func(t *testing.T) {
		store := newStore(t)

		entry := &deadletter.Entry{MessageID: "msg", Body: []byte("take me"), Attempts: 3, QueuedAt: now, FailedAt: now}
		require.NoError(t, store.Add(t.Context(), entry))

		// Failing callback keeps the entry
		errCallback := errors.New("callback failed")
		err := store.Take(t.Context(), entry.ID, func(e *deadletter.Entry) error {
			assert.Equal(t, []byte("take me"), e.Body)
			return errCallback
		})
		require.ErrorIs(t, err, errCallback)

		_, err = store.Get(t.Context(), entry.ID)
		require.NoError(t, err)

		// Successful callback removes it
		var taken *deadletter.Entry
		err = store.Take(t.Context(), entry.ID, func(e *deadletter.Entry) error {
			taken = e
			return nil
		})
		require.NoError(t, err)
		require.NotNil(t, taken)
		assert.Equal(t, entry.ID, taken.ID)
		assert.Equal(t, 3, taken.Attempts)

		_, err = store.Get(t.Context(), entry.ID)
		require.ErrorIs(t, err, deadletter.ErrNotFound)

		err = store.Take(t.Context(), entry.ID, func(e *deadletter.Entry) error {
			t.Error("callback should not be invoked for a missing entry")
			return nil
		})
		require.ErrorIs(t, err, deadletter.ErrNotFound)
	})

	t.Run("concurrent take", func(t *testing.T) {
		store := newStore(t)

		entry := &deadletter.Entry{MessageID: "msg", Body: []byte("x"), QueuedAt: now, FailedAt: now}
		require.NoError(t, store.Add(t.Context(), entry))

		var (
			invoked atomic.Int32
			wg      sync.WaitGroup
		)
		for range 5 {
			wg.Go(func() {
				err := store.Take(t.Context(), entry.ID, func(e *deadletter.Entry) error {
					invoked.Add(1)
					return nil
				})
				if err != nil {
					assert.ErrorIs(t, err, deadletter.ErrNotFound)
				}
			})
		}
		wg.Wait()

		assert.Equal(t, int32(1), invoked.Load())
	})
}
