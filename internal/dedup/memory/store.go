// Package memory provides an in-process dedup store for development and
// single-node runs.
package memory

import (
	"context"
	"sync"
)

// Store keeps per-scope seen sets guarded by one mutex, giving the atomic
// test-and-insert the engine relies on.
type Store struct {
	mu     sync.Mutex
	scopes map[string]map[string]struct{}
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		scopes: make(map[string]map[string]struct{}),
	}
}

// TestAndInsert atomically records value under scope, returning true only
// the first time the value is seen in that scope.
func (s *Store) TestAndInsert(_ context.Context, scope, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.scopes[scope]
	if !ok {
		set = make(map[string]struct{})
		s.scopes[scope] = set
	}
	if _, seen := set[value]; seen {
		return false, nil
	}
	set[value] = struct{}{}
	return true, nil
}

// Contains tests membership without inserting.
func (s *Store) Contains(_ context.Context, scope, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, seen := s.scopes[scope][value]
	return seen, nil
}

// Reset discards all recorded values.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes = make(map[string]map[string]struct{})
}
