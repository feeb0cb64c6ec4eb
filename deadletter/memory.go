package deadletter

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// MemoryStore is a Store that keeps entries in memory.
// Entries are lost when the process exits.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryStore returns a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: map[string]*Entry{},
	}
}

func (s *MemoryStore) Add(_ context.Context, entry *Entry) error {
	if entry.ID == "" {
		id, err := NewEntryID()
		if err != nil {
			return err
		}
		entry.ID = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[entry.ID]
	if ok {
		return ErrDuplicate
	}

	// Store a copy so callers can't modify it
	cp := *entry
	s.entries[entry.ID] = &cp

	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *e
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context, opts ListOpts) ([]*Entry, error) {
	s.mu.RLock()
	res := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		cp := *e
		res = append(res, &cp)
	}
	s.mu.RUnlock()

	// Most recent first; IDs are time-sortable so they break ties
	slices.SortFunc(res, func(a, b *Entry) int {
		c := b.FailedAt.Compare(a.FailedAt)
		if c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})

	if opts.Limit > 0 && len(res) > opts.Limit {
		res = res[:opts.Limit]
	}

	return res, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.entries, id)

	return nil
}

func (s *MemoryStore) Take(_ context.Context, id string, fn func(entry *Entry) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}

	cp := *e
	err := fn(&cp)
	if err != nil {
		return err
	}
	delete(s.entries, id)

	return nil
}

func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}
