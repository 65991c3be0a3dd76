// Package blobmem provides an in-memory payload.BlobStore for tests and local
// development. It is not durable.
package blobmem

import (
	"context"
	"fmt"
	"sync"

	"goa.design/obs/store/obs"
)

// Store implements payload.BlobStore in memory.
type Store struct {
	mu    sync.RWMutex
	blobs map[string][]byte

	// PutHook, when set, runs before each Put. Tests use it to inject delays
	// and failures.
	PutHook func(ctx context.Context, key string) error
}

// New returns an empty store.
func New() *Store {
	return &Store{blobs: make(map[string][]byte)}
}

// Put stores a copy of data under key.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if s.PutHook != nil {
		if err := s.PutHook(ctx, key); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), data...)
	return nil
}

// Get returns a copy of the bytes stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", key, obs.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Len reports the number of stored blobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
