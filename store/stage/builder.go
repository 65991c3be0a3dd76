package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/obs/store/ident"
	"goa.design/obs/store/obs"
	"goa.design/obs/store/retry"
)

type (
	// Options configures a Builder.
	Options struct {
		// Store is the persistence backend. Required.
		Store Store
		// Retry bounds retries of transient store failures. Defaults to
		// retry.DefaultConfig.
		Retry retry.Config
	}

	// Builder creates stages and validates graph integrity at creation time.
	Builder struct {
		store    Store
		retryCfg retry.Config
	}

	// CreateStage is an explicit stage-creation request. The sugar methods
	// Append, Child and Join cover the common shapes.
	CreateStage struct {
		// ProjectID scopes the run. Required.
		ProjectID string
		// RunID names the owning run. Required.
		RunID ident.ID
		// Name is the display name. Required.
		Name string
		// AncestorGroupIDs is the ordered nesting chain, root first.
		AncestorGroupIDs []ident.ID
		// PreviousStageIDs are the causal predecessors, in order. Each must
		// name a persisted stage of the same project and run.
		PreviousStageIDs []ident.ID
		// Metadata holds user key/value pairs.
		Metadata map[string]string
	}
)

// NewBuilder builds a stage graph builder.
func NewBuilder(opts Options) (*Builder, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	cfg := opts.Retry
	if cfg.MaxAttempts == 0 {
		cfg = retry.DefaultConfig()
	}
	if cfg.Retryable == nil {
		cfg.Retryable = func(err error) bool {
			return !errors.Is(err, obs.ErrIdentifierConflict) &&
				!errors.Is(err, obs.ErrNotFound) &&
				!errors.Is(err, obs.ErrGraphIntegrity)
		}
	}
	return &Builder{store: opts.Store, retryCfg: cfg}, nil
}

// Create allocates a fresh id, validates the requested links and persists the
// node. The returned handle is immutable.
func (b *Builder) Create(ctx context.Context, req CreateStage) (Stage, error) {
	if req.RunID.IsZero() {
		return Stage{}, errors.New("run id is required")
	}
	if req.Name == "" {
		return Stage{}, errors.New("stage name is required")
	}
	if err := b.validateLinks(ctx, req); err != nil {
		return Stage{}, err
	}
	st := Stage{
		ID:               ident.New(),
		ProjectID:        req.ProjectID,
		RunID:            req.RunID,
		Name:             req.Name,
		AncestorGroupIDs: append([]ident.ID(nil), req.AncestorGroupIDs...),
		PreviousStageIDs: append([]ident.ID(nil), req.PreviousStageIDs...),
		Metadata:         cloneMetadata(req.Metadata),
		CreatedAt:        time.Now().UTC(),
	}
	err := retry.Do(ctx, b.retryCfg, func(ctx context.Context) error {
		return b.store.CreateStage(ctx, st)
	})
	if err != nil {
		return Stage{}, fmt.Errorf("create stage %s: %w", st.ID, err)
	}
	return st, nil
}

// Append creates a linear extension of st: same ancestors, predecessors
// [st.ID].
func (b *Builder) Append(ctx context.Context, st Stage, name string) (Stage, error) {
	return b.Create(ctx, CreateStage{
		ProjectID:        st.ProjectID,
		RunID:            st.RunID,
		Name:             name,
		AncestorGroupIDs: st.AncestorGroupIDs,
		PreviousStageIDs: []ident.ID{st.ID},
	})
}

// Child descends one nesting level under st and starts a fresh lineage:
// ancestors st.AncestorGroupIDs + [st.ID], no predecessors.
func (b *Builder) Child(ctx context.Context, st Stage, name string) (Stage, error) {
	ancestors := make([]ident.ID, 0, len(st.AncestorGroupIDs)+1)
	ancestors = append(ancestors, st.AncestorGroupIDs...)
	ancestors = append(ancestors, st.ID)
	return b.Create(ctx, CreateStage{
		ProjectID:        st.ProjectID,
		RunID:            st.RunID,
		Name:             name,
		AncestorGroupIDs: ancestors,
	})
}

// Join merges the lineages of first and others into one node whose
// predecessors are the input ids in argument order. All inputs must share the
// same project, run and ancestor chain; violations return
// obs.ErrGraphIntegrity. The check is deliberately strict: a join across
// unrelated runs is a modeling error, not a supported composition.
func (b *Builder) Join(ctx context.Context, name string, first Stage, others ...Stage) (Stage, error) {
	previous := make([]ident.ID, 0, 1+len(others))
	previous = append(previous, first.ID)
	for _, o := range others {
		if o.ProjectID != first.ProjectID || o.RunID != first.RunID {
			return Stage{}, fmt.Errorf("join %q: stage %s belongs to a different run: %w",
				name, o.ID, obs.ErrGraphIntegrity)
		}
		if !equalIDs(o.AncestorGroupIDs, first.AncestorGroupIDs) {
			return Stage{}, fmt.Errorf("join %q: stage %s has a different ancestor chain: %w",
				name, o.ID, obs.ErrGraphIntegrity)
		}
		previous = append(previous, o.ID)
	}
	return b.Create(ctx, CreateStage{
		ProjectID:        first.ProjectID,
		RunID:            first.RunID,
		Name:             name,
		AncestorGroupIDs: first.AncestorGroupIDs,
		PreviousStageIDs: previous,
	})
}

// validateLinks rejects links that would break graph integrity: duplicate
// ancestors, and predecessors that are unknown or belong to another run or
// project. Predecessors can only name already-persisted nodes, so a cycle
// cannot be formed.
func (b *Builder) validateLinks(ctx context.Context, req CreateStage) error {
	seen := make(map[ident.ID]struct{}, len(req.AncestorGroupIDs))
	for _, id := range req.AncestorGroupIDs {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("ancestor %s repeats in the chain: %w", id, obs.ErrGraphIntegrity)
		}
		seen[id] = struct{}{}
	}
	for _, id := range req.PreviousStageIDs {
		prev, err := b.store.LoadStage(ctx, id)
		if err != nil {
			if errors.Is(err, obs.ErrNotFound) {
				return fmt.Errorf("predecessor %s is not persisted: %w", id, obs.ErrGraphIntegrity)
			}
			return fmt.Errorf("load predecessor %s: %w", id, err)
		}
		if prev.RunID != req.RunID || prev.ProjectID != req.ProjectID {
			return fmt.Errorf("predecessor %s belongs to a different run: %w", id, obs.ErrGraphIntegrity)
		}
	}
	return nil
}

func cloneMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
