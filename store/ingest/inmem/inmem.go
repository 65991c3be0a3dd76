// Package inmem provides an in-memory implementation of ingest.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable and should not be used in production.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"goa.design/obs/store/ident"
	"goa.design/obs/store/obs"
)

// Store implements ingest.Store in memory.
type Store struct {
	mu sync.RWMutex
	// executions by id plus a slice sorted ascending by id for range scans.
	executions map[ident.ID]obs.Execution
	sorted     []ident.ID
	// per-execution observations ordered by sequence number (seq == index+1).
	observations map[ident.ID][]obs.Observation
	// observation id -> position, blob key -> observation id.
	index     map[ident.ID]position
	byBlobKey map[string]ident.ID
}

type position struct {
	executionID ident.ID
	idx         int
}

// New returns a new in-memory store.
func New() *Store {
	return &Store{
		executions:   make(map[ident.ID]obs.Execution),
		observations: make(map[ident.ID][]obs.Observation),
		index:        make(map[ident.ID]position),
		byBlobKey:    make(map[string]ident.ID),
	}
}

// CreateExecution implements ingest.Store.
func (s *Store) CreateExecution(_ context.Context, e obs.Execution) error {
	if e.ID.IsZero() {
		return fmt.Errorf("execution id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.ID]; ok {
		return fmt.Errorf("execution %s: %w", e.ID, obs.ErrIdentifierConflict)
	}
	s.executions[e.ID] = e
	i := sort.Search(len(s.sorted), func(i int) bool { return s.sorted[i] >= e.ID })
	s.sorted = append(s.sorted, "")
	copy(s.sorted[i+1:], s.sorted[i:])
	s.sorted[i] = e.ID
	return nil
}

// LoadExecution implements ingest.Store.
func (s *Store) LoadExecution(_ context.Context, id ident.ID) (obs.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return obs.Execution{}, fmt.Errorf("execution %s: %w", id, obs.ErrNotFound)
	}
	return e, nil
}

// Append implements ingest.Store. The sequence number is assigned under the
// store lock, so concurrent producers always observe a contiguous sequence.
func (s *Store) Append(_ context.Context, o *obs.Observation) error {
	if o == nil {
		return fmt.Errorf("observation is required")
	}
	if o.ID.IsZero() {
		return fmt.Errorf("observation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[o.ExecutionID]; !ok {
		return fmt.Errorf("execution %s: %w", o.ExecutionID, obs.ErrNotFound)
	}
	if _, ok := s.index[o.ID]; ok {
		return fmt.Errorf("observation %s: %w", o.ID, obs.ErrIdentifierConflict)
	}
	seq := uint64(len(s.observations[o.ExecutionID])) + 1
	o.Seq = seq
	s.observations[o.ExecutionID] = append(s.observations[o.ExecutionID], *o)
	s.index[o.ID] = position{executionID: o.ExecutionID, idx: int(seq) - 1}
	if o.Payload.BlobKey != "" {
		s.byBlobKey[o.Payload.BlobKey] = o.ID
	}
	return nil
}

// LoadObservation implements ingest.Store.
func (s *Store) LoadObservation(_ context.Context, id ident.ID) (obs.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.index[id]
	if !ok {
		return obs.Observation{}, fmt.Errorf("observation %s: %w", id, obs.ErrNotFound)
	}
	return s.observations[pos.executionID][pos.idx], nil
}

// MarkPayloadFailed implements ingest.Store.
func (s *Store) MarkPayloadFailed(_ context.Context, blobKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byBlobKey[blobKey]
	if !ok {
		return nil
	}
	pos := s.index[id]
	s.observations[pos.executionID][pos.idx].Payload.State = obs.PayloadStateFailed
	return nil
}

// ListExecutions implements ingest.Store.
func (s *Store) ListExecutions(_ context.Context, anchor, before ident.ID, limit int) ([]obs.Execution, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []obs.Execution
	for i := len(s.sorted) - 1; i >= 0 && len(out) < limit; i-- {
		id := s.sorted[i]
		if !anchor.IsZero() && id > anchor {
			continue
		}
		if !before.IsZero() && id >= before {
			continue
		}
		out = append(out, s.executions[id])
	}
	return out, nil
}

// ListExecutionsAsc implements ingest.Store.
func (s *Store) ListExecutionsAsc(_ context.Context, anchor, from ident.ID, limit int) ([]obs.Execution, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []obs.Execution
	for _, id := range s.sorted {
		if len(out) == limit {
			break
		}
		if !from.IsZero() && id <= from {
			continue
		}
		if !anchor.IsZero() && id > anchor {
			break
		}
		out = append(out, s.executions[id])
	}
	return out, nil
}

// CountExecutions implements ingest.Store.
func (s *Store) CountExecutions(_ context.Context, upTo ident.ID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if upTo.IsZero() {
		return len(s.sorted), nil
	}
	return sort.Search(len(s.sorted), func(i int) bool { return s.sorted[i] > upTo }), nil
}

// ListObservations implements ingest.Store.
func (s *Store) ListObservations(_ context.Context, executionID ident.ID, afterSeq uint64, limit int) ([]obs.Observation, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.executions[executionID]; !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, obs.ErrNotFound)
	}
	all := s.observations[executionID]
	if afterSeq >= uint64(len(all)) {
		return nil, nil
	}
	end := int(afterSeq) + limit
	if end > len(all) {
		end = len(all)
	}
	return append([]obs.Observation(nil), all[afterSeq:end]...), nil
}

// CountObservations implements ingest.Store.
func (s *Store) CountObservations(_ context.Context, executionID ident.ID) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.executions[executionID]; !ok {
		return 0, fmt.Errorf("execution %s: %w", executionID, obs.ErrNotFound)
	}
	return uint64(len(s.observations[executionID])), nil
}
