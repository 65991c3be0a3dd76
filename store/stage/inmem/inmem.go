// Package inmem provides an in-memory implementation of stage.Store for tests
// and local development.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"goa.design/obs/store/ident"
	"goa.design/obs/store/obs"
	"goa.design/obs/store/stage"
)

// Store implements stage.Store in memory.
type Store struct {
	mu     sync.RWMutex
	stages map[ident.ID]stage.Stage
}

// New returns an empty store.
func New() *Store {
	return &Store{stages: make(map[ident.ID]stage.Stage)}
}

// CreateStage implements stage.Store.
func (s *Store) CreateStage(_ context.Context, st stage.Stage) error {
	if st.ID.IsZero() {
		return fmt.Errorf("stage id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stages[st.ID]; ok {
		return fmt.Errorf("stage %s: %w", st.ID, obs.ErrIdentifierConflict)
	}
	s.stages[st.ID] = st
	return nil
}

// LoadStage implements stage.Store.
func (s *Store) LoadStage(_ context.Context, id ident.ID) (stage.Stage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stages[id]
	if !ok {
		return stage.Stage{}, fmt.Errorf("stage %s: %w", id, obs.ErrNotFound)
	}
	return st, nil
}

// Len reports the number of persisted stages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.stages)
}
