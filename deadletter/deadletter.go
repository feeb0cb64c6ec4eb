// Package deadletter contains the store for messages that exhausted all their delivery attempts.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("dead-letter entry does not exist")
	ErrDuplicate = errors.New("a dead-letter entry with the same ID already exists")
)

// Entry is a message that could not be delivered.
type Entry struct {
	// ID of the entry
	ID string `json:"id" msgpack:"id"`
	// ID of the message
	MessageID string `json:"messageId" msgpack:"messageId"`
	// Message payload
	Body []byte `json:"body" msgpack:"body"`
	// Number of delivery attempts made
	Attempts int `json:"attempts" msgpack:"attempts"`
	// Error returned by the last attempt
	LastError string `json:"lastError,omitempty" msgpack:"lastError,omitempty"`
	// Time the message was originally admitted
	QueuedAt time.Time `json:"queuedAt" msgpack:"queuedAt"`
	// Time the message was dead-lettered
	FailedAt time.Time `json:"failedAt" msgpack:"failedAt"`
}

// NewEntryID returns a new, time-sortable ID for an entry.
func NewEntryID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate entry ID: %w", err)
	}
	return id.String(), nil
}

// ListOpts controls the List query.
type ListOpts struct {
	// Maximum number of entries to return; zero means no limit.
	Limit int
}

// Store persists dead-letter entries.
type Store interface {
	// Add stores a new entry.
	// If the entry's ID is empty, a new one is generated.
	Add(ctx context.Context, entry *Entry) error
	// Get returns the entry with the given ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*Entry, error)
	// List returns entries, most recently failed first.
	List(ctx context.Context, opts ListOpts) ([]*Entry, error)
	// Delete removes an entry, returning ErrNotFound if it doesn't exist.
	Delete(ctx context.Context, id string) error
	// Take invokes fn with the entry, and removes the entry only if fn returns no error.
	// Concurrent calls for the same entry are serialized, so fn is invoked at most once for a successful take.
	// Returns ErrNotFound if the entry doesn't exist, or the error returned by fn.
	Take(ctx context.Context, id string, fn func(entry *Entry) error) error
	// Count returns the number of entries.
	Count(ctx context.Context) (int64, error)
}
