// Package redis wires the payload.BlobStore interface to the Redis client.
package redis

import (
	"context"
	"errors"

	clientsredis "goa.design/obs/features/blob/redis/clients/redis"
)

// Store implements payload.BlobStore by delegating to the Redis client.
type Store struct {
	client clientsredis.Client
}

// NewStore builds a Redis-backed blob store using the provided client.
func NewStore(client clientsredis.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Put implements payload.BlobStore.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	return s.client.Set(ctx, key, data)
}

// Get implements payload.BlobStore.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	return s.client.Get(ctx, key)
}
