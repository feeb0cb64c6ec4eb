// Package filters contains the store of content filters that reject messages before they are admitted.
package filters

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sync/atomic"

	"github.com/alphadose/haxmap"
)

var (
	// ErrNotFound is returned when a filter with the given ID doesn't exist.
	ErrNotFound = errors.New("filter not found")
	// ErrInvalidPattern is returned when a filter's pattern is not a valid regular expression.
	ErrInvalidPattern = errors.New("invalid pattern")
)

// Filter is a pattern that forbids messages whose body matches it.
type Filter struct {
	ID      int64  `json:"id" msgpack:"id"`
	Pattern string `json:"pattern" msgpack:"pattern"`

	compiled *regexp.Regexp
}

// Matches returns true if the pattern is found anywhere in the body.
func (f Filter) Matches(body []byte) bool {
	return f.compiled != nil && f.compiled.Match(body)
}

// Store contains all filters.
// It is safe for concurrent use.
type Store struct {
	filters *haxmap.Map[int64, Filter]
	lastID  atomic.Int64
}

// NewStore returns a new, empty Store.
func NewStore() *Store {
	return &Store{
		filters: haxmap.New[int64, Filter](8),
	}
}

// Add compiles the pattern and adds a new filter.
func (s *Store) Add(pattern string) (Filter, error) {
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return Filter{}, fmt.Errorf("%w: %w", ErrInvalidPattern, err)
	}

	f := Filter{
		ID:       s.lastID.Add(1),
		Pattern:  pattern,
		compiled: compiled,
	}
	s.filters.Set(f.ID, f)

	return f, nil
}

// Get returns the filter with the given ID.
func (s *Store) Get(id int64) (Filter, error) {
	f, ok := s.filters.Get(id)
	if !ok {
		return Filter{}, ErrNotFound
	}
	return f, nil
}

// Delete removes the filter with the given ID, and returns it.
func (s *Store) Delete(id int64) (Filter, error) {
	f, ok := s.filters.GetAndDel(id)
	if !ok {
		return Filter{}, ErrNotFound
	}
	return f, nil
}

// List returns all filters, sorted by ID.
func (s *Store) List() []Filter {
	res := make([]Filter, 0, s.filters.Len())
	s.filters.ForEach(func(_ int64, f Filter) bool {
		res = append(res, f)
		return true
	})
	slices.SortFunc(res, func(a, b Filter) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return res
}

// Len returns the number of filters.
func (s *Store) Len() int {
	return int(s.filters.Len())
}

// Match returns the filter with the lowest ID that matches the body, if any.
func (s *Store) Match(body []byte) (Filter, bool) {
	for _, f := range s.List() {
		if f.Matches(body) {
			return f, true
		}
	}
	return Filter{}, false
}
