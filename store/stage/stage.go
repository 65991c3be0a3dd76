// Package stage builds the per-run DAG of artifact stages.
//
// A stage is created once and never mutated. Extending the graph always
// creates a new node referencing already-persisted ids, which keeps the graph
// acyclic by construction. Two independent relations are carried on every
// node: the ordered ancestor chain (nesting, root first) and the predecessor
// set (causal fan-in). They are never conflated.
//
// Stage handles are plain values. Token and FromToken turn a handle into an
// opaque string and back, so a separate process with no connection to the
// creator can resume building the graph from wherever the token traveled
// (file, queue, printed string).
package stage

import (
	"context"
	"time"

	"goa.design/obs/store/ident"
)

type (
	// Stage is an immutable node in a run's DAG.
	Stage struct {
		// ID is the stage identifier.
		ID ident.ID
		// ProjectID scopes the run to a project.
		ProjectID string
		// RunID names the run owning the DAG.
		RunID ident.ID
		// Name is the user-supplied display name.
		Name string
		// AncestorGroupIDs is the ordered chain of containing groups from the
		// root to this node's nesting parent.
		AncestorGroupIDs []ident.ID
		// PreviousStageIDs are the ids this node causally follows, in order.
		// More than one id represents a fan-in join.
		PreviousStageIDs []ident.ID
		// Metadata holds user key/value pairs.
		Metadata map[string]string
		// CreatedAt is when the stage was persisted (UTC).
		CreatedAt time.Time
	}

	// Store is the persistence contract for stages. Implementations:
	// store/stage/inmem and features/stage/mongo.
	Store interface {
		// CreateStage persists a new stage. Returns obs.ErrIdentifierConflict
		// when the id is already in use.
		CreateStage(ctx context.Context, st Stage) error

		// LoadStage returns the stage or obs.ErrNotFound.
		LoadStage(ctx context.Context, id ident.ID) (Stage, error)
	}
)

// Equal reports whether two stages carry identical fields.
func (s Stage) Equal(o Stage) bool {
	if s.ID != o.ID || s.ProjectID != o.ProjectID || s.RunID != o.RunID ||
		s.Name != o.Name || !s.CreatedAt.Equal(o.CreatedAt) {
		return false
	}
	if !equalIDs(s.AncestorGroupIDs, o.AncestorGroupIDs) || !equalIDs(s.PreviousStageIDs, o.PreviousStageIDs) {
		return false
	}
	if len(s.Metadata) != len(o.Metadata) {
		return false
	}
	for k, v := range s.Metadata {
		if o.Metadata[k] != v {
			return false
		}
	}
	return true
}

func equalIDs(a, b []ident.ID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
