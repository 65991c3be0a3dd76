// Package mongo wires the ingest.Store interface to the MongoDB client.
package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/obs/features/ingest/mongo/clients/mongo"
	"goa.design/obs/store/ident"
	"goa.design/obs/store/obs"
)

// Store implements ingest.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed ingest store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// CreateExecution implements ingest.Store.
func (s *Store) CreateExecution(ctx context.Context, e obs.Execution) error {
	return s.client.CreateExecution(ctx, e)
}

// LoadExecution implements ingest.Store.
func (s *Store) LoadExecution(ctx context.Context, id ident.ID) (obs.Execution, error) {
	return s.client.LoadExecution(ctx, id)
}

// Append implements ingest.Store.
func (s *Store) Append(ctx context.Context, o *obs.Observation) error {
	return s.client.Append(ctx, o)
}

// LoadObservation implements ingest.Store.
func (s *Store) LoadObservation(ctx context.Context, id ident.ID) (obs.Observation, error) {
	return s.client.LoadObservation(ctx, id)
}

// MarkPayloadFailed implements ingest.Store.
func (s *Store) MarkPayloadFailed(ctx context.Context, blobKey string) error {
	return s.client.MarkPayloadFailed(ctx, blobKey)
}

// ListExecutions implements ingest.Store.
func (s *Store) ListExecutions(ctx context.Context, anchor, before ident.ID, limit int) ([]obs.Execution, error) {
	return s.client.ListExecutions(ctx, anchor, before, limit)
}

// ListExecutionsAsc implements ingest.Store.
func (s *Store) ListExecutionsAsc(ctx context.Context, anchor, from ident.ID, limit int) ([]obs.Execution, error) {
	return s.client.ListExecutionsAsc(ctx, anchor, from, limit)
}

// CountExecutions implements ingest.Store.
func (s *Store) CountExecutions(ctx context.Context, upTo ident.ID) (int, error) {
	return s.client.CountExecutions(ctx, upTo)
}

// ListObservations implements ingest.Store.
func (s *Store) ListObservations(ctx context.Context, executionID ident.ID, afterSeq uint64, limit int) ([]obs.Observation, error) {
	return s.client.ListObservations(ctx, executionID, afterSeq, limit)
}

// CountObservations implements ingest.Store.
func (s *Store) CountObservations(ctx context.Context, executionID ident.ID) (uint64, error) {
	return s.client.CountObservations(ctx, executionID)
}
