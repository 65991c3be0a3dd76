// Package list serves stable, cursor-based pages over executions and over an
// execution's observations while ingestion is still in progress.
//
// A cursor marks a boundary in a total order (execution id for executions,
// append sequence number for observations) together with a snapshot anchor.
// Concurrent appends land beyond the anchor, so a caller's window never
// shifts and adjacent pages never skip or repeat items. Pages report a total
// consistent with the snapshot plus a count of newer items, which lets a
// long-lived view poll the same call (typically every couple of seconds) and
// detect new data without abandoning its position or selection.
package list

import (
	"context"
	"errors"
	"fmt"

	"goa.design/obs/store/ident"
	"goa.design/obs/store/obs"
	"goa.design/obs/store/telemetry"
)

const (
	// DefaultExecutionPageSize is the default page size for execution listings.
	DefaultExecutionPageSize = 100
	// DefaultObservationPageSize is the default page size for observation
	// listings.
	DefaultObservationPageSize = 100
)

type (
	// Store is the read-side contract the pager needs. ingest.Store satisfies
	// it.
	Store interface {
		LoadExecution(ctx context.Context, id ident.ID) (obs.Execution, error)
		ListExecutions(ctx context.Context, anchor, before ident.ID, limit int) ([]obs.Execution, error)
		ListExecutionsAsc(ctx context.Context, anchor, from ident.ID, limit int) ([]obs.Execution, error)
		CountExecutions(ctx context.Context, upTo ident.ID) (int, error)
		ListObservations(ctx context.Context, executionID ident.ID, afterSeq uint64, limit int) ([]obs.Observation, error)
		CountObservations(ctx context.Context, executionID ident.ID) (uint64, error)
	}

	// Options configures a Pager.
	Options struct {
		// Store is the read backend. Required.
		Store Store
		// ExecutionPageSize overrides DefaultExecutionPageSize.
		ExecutionPageSize int
		// ObservationPageSize overrides DefaultObservationPageSize.
		ObservationPageSize int
		// Metrics optionally records served pages.
		Metrics telemetry.Metrics
	}

	// Pager serves listing pages.
	Pager struct {
		store    Store
		execSize int
		obsSize  int
		metrics  telemetry.Metrics
	}

	// ExecutionPage is one page of executions in reverse creation order.
	ExecutionPage struct {
		// Items holds the page, newest first.
		Items []obs.Execution
		// NextCursor fetches the next (older) page. Empty on the last page.
		NextCursor string
		// PrevCursor fetches the previous (newer) page. Empty on the first
		// page.
		PrevCursor string
		// Total is the execution count within the page's snapshot. It stays
		// stable while paging through the snapshot.
		Total int
		// Newer counts executions created after the snapshot was anchored.
		Newer int
	}

	// ObservationPage is one page of an execution's observations in append
	// order.
	ObservationPage struct {
		// Items holds the page in ascending sequence order.
		Items []obs.Observation
		// NextCursor fetches the next page. Empty on the last page.
		NextCursor string
		// PrevCursor fetches the previous page. Empty on the first page.
		PrevCursor string
		// Total is the observation count within the page's snapshot.
		Total uint64
		// Newer counts observations appended after the snapshot was anchored.
		Newer uint64
	}

	// ExecutionDetail resolves one execution id, including ids that were
	// pre-generated but not created yet.
	ExecutionDetail struct {
		// ID is the requested id.
		ID ident.ID
		// Waiting reports that the execution does not exist yet. For a
		// pre-generated id this is the expected state until creation.
		Waiting bool
		// Execution is the record when Waiting is false.
		Execution obs.Execution
		// Observations is the current observation count when Waiting is false.
		Observations uint64
	}
)

// New builds a Pager.
func New(opts Options) (*Pager, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	execSize := opts.ExecutionPageSize
	if execSize <= 0 {
		execSize = DefaultExecutionPageSize
	}
	obsSize := opts.ObservationPageSize
	if obsSize <= 0 {
		obsSize = DefaultObservationPageSize
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}
	return &Pager{
		store:    opts.Store,
		execSize: execSize,
		obsSize:  obsSize,
		metrics:  metrics,
	}, nil
}

// Executions returns one page of executions, newest first. An empty cursor
// starts a fresh snapshot using pageSize (or the configured default when
// pageSize <= 0); a non-empty cursor continues its snapshot and keeps the page
// size it was minted with.
func (p *Pager) Executions(ctx context.Context, cursor string, pageSize int) (ExecutionPage, error) {
	var (
		anchor ident.ID
		before ident.ID
		size   int
	)
	if cursor == "" {
		size = pageSize
		if size <= 0 {
			size = p.execSize
		}
	} else {
		c, err := decodeExecCursor(cursor)
		if err != nil {
			return ExecutionPage{}, err
		}
		anchor, before, size = c.Anchor, c.Before, c.Size
	}

	fetched, err := p.store.ListExecutions(ctx, anchor, before, size+1)
	if err != nil {
		return ExecutionPage{}, fmt.Errorf("list executions: %w", err)
	}
	hasMore := len(fetched) > size
	items := fetched
	if hasMore {
		items = fetched[:size]
	}
	if anchor.IsZero() && len(items) > 0 {
		anchor = items[0].ID
	}

	page := ExecutionPage{Items: items}
	if hasMore {
		next, err := encodeExecCursor(execCursor{Anchor: anchor, Before: items[len(items)-1].ID, Size: size})
		if err != nil {
			return ExecutionPage{}, err
		}
		page.NextCursor = next
	}
	if !before.IsZero() {
		prev, err := p.prevExecCursor(ctx, anchor, before, size)
		if err != nil {
			return ExecutionPage{}, err
		}
		page.PrevCursor = prev
	}

	total, err := p.store.CountExecutions(ctx, anchor)
	if err != nil {
		return ExecutionPage{}, fmt.Errorf("count executions: %w", err)
	}
	page.Total = total
	if !anchor.IsZero() {
		current, err := p.store.CountExecutions(ctx, "")
		if err != nil {
			return ExecutionPage{}, fmt.Errorf("count executions: %w", err)
		}
		page.Newer = current - total
	}
	p.metrics.PageServed(ctx, "executions", len(page.Items))
	return page, nil
}

// prevExecCursor reconstructs the cursor of the page preceding the one that
// starts below before. The previous page's items are the page-size ids from
// before upward; if fewer exist the previous page is the first one.
func (p *Pager) prevExecCursor(ctx context.Context, anchor, before ident.ID, size int) (string, error) {
	above, err := p.store.ListExecutionsAsc(ctx, anchor, before, size)
	if err != nil {
		return "", fmt.Errorf("list executions: %w", err)
	}
	c := execCursor{Anchor: anchor, Size: size}
	if len(above) == size {
		c.Before = above[size-1].ID
	}
	return encodeExecCursor(c)
}

// Observations returns one page of the execution's observations in append
// order. Semantics mirror Executions: an empty cursor anchors a fresh
// snapshot at the current log length.
func (p *Pager) Observations(ctx context.Context, executionID ident.ID, cursor string, pageSize int) (ObservationPage, error) {
	if executionID.IsZero() {
		return ObservationPage{}, errors.New("execution id is required")
	}

	var (
		anchor uint64
		after  uint64
		size   int
	)
	if cursor == "" {
		size = pageSize
		if size <= 0 {
			size = p.obsSize
		}
		var err error
		if anchor, err = p.store.CountObservations(ctx, executionID); err != nil {
			return ObservationPage{}, err
		}
	} else {
		c, err := decodeObsCursor(cursor)
		if err != nil {
			return ObservationPage{}, err
		}
		if c.ExecutionID != executionID {
			return ObservationPage{}, fmt.Errorf("cursor belongs to execution %s", c.ExecutionID)
		}
		anchor, after, size = c.Anchor, c.After, c.Size
	}

	page := ObservationPage{Total: anchor}
	if after < anchor {
		limit := size
		if avail := anchor - after; avail < uint64(limit) {
			limit = int(avail)
		}
		items, err := p.store.ListObservations(ctx, executionID, after, limit)
		if err != nil {
			return ObservationPage{}, fmt.Errorf("list observations: %w", err)
		}
		page.Items = items
	}

	if after+uint64(size) < anchor {
		next, err := encodeObsCursor(obsCursor{ExecutionID: executionID, Anchor: anchor, After: after + uint64(size), Size: size})
		if err != nil {
			return ObservationPage{}, err
		}
		page.NextCursor = next
	}
	if after > 0 {
		prevAfter := uint64(0)
		if after > uint64(size) {
			prevAfter = after - uint64(size)
		}
		prev, err := encodeObsCursor(obsCursor{ExecutionID: executionID, Anchor: anchor, After: prevAfter, Size: size})
		if err != nil {
			return ObservationPage{}, err
		}
		page.PrevCursor = prev
	}

	current, err := p.store.CountObservations(ctx, executionID)
	if err != nil {
		return ObservationPage{}, err
	}
	if current > anchor {
		page.Newer = current - anchor
	}
	p.metrics.PageServed(ctx, "observations", len(page.Items))
	return page, nil
}

// ExecutionDetail resolves id to its execution, or to a waiting state when the
// execution has not been created yet. Pre-generated ids therefore never
// surface a hard error to a viewer arriving early.
func (p *Pager) ExecutionDetail(ctx context.Context, id ident.ID) (ExecutionDetail, error) {
	if id.IsZero() {
		return ExecutionDetail{}, errors.New("execution id is required")
	}
	e, err := p.store.LoadExecution(ctx, id)
	if err != nil {
		if errors.Is(err, obs.ErrNotFound) {
			return ExecutionDetail{ID: id, Waiting: true}, nil
		}
		return ExecutionDetail{}, err
	}
	count, err := p.store.CountObservations(ctx, id)
	if err != nil {
		return ExecutionDetail{}, err
	}
	return ExecutionDetail{ID: id, Execution: e, Observations: count}, nil
}
