// Package mongo wires the stage.Store interface to the MongoDB client.
package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/obs/features/stage/mongo/clients/mongo"
	"goa.design/obs/store/ident"
	"goa.design/obs/store/stage"
)

// Store implements stage.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed stage store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// CreateStage implements stage.Store.
func (s *Store) CreateStage(ctx context.Context, st stage.Stage) error {
	return s.client.CreateStage(ctx, st)
}

// LoadStage implements stage.Store.
func (s *Store) LoadStage(ctx context.Context, id ident.ID) (stage.Stage, error) {
	return s.client.LoadStage(ctx, id)
}
