// Package ingest implements the write side of the observation store: execution
// creation and the per-execution append-only observation log.
//
// Appends from any number of concurrent producers receive strictly increasing,
// contiguous sequence numbers scoped to their execution. Sequence assignment is
// atomic in the Store; the service layer adds payload placement, bounded
// retries for transient store failures, change notification and telemetry.
// An append never waits for a blob upload: it blocks only on durable acceptance
// of the observation metadata and its inline-or-reference payload pointer.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"goa.design/obs/store/ident"
	"goa.design/obs/store/obs"
	"goa.design/obs/store/payload"
	"goa.design/obs/store/retry"
	"goa.design/obs/store/telemetry"
)

type (
	// Store is the persistence contract for executions and observations.
	// Implementations: store/ingest/inmem and features/ingest/mongo.
	Store interface {
		// CreateExecution persists a new execution. Returns
		// obs.ErrIdentifierConflict when the id is already in use.
		CreateExecution(ctx context.Context, e obs.Execution) error

		// LoadExecution returns the execution or obs.ErrNotFound.
		LoadExecution(ctx context.Context, id ident.ID) (obs.Execution, error)

		// Append persists the observation, atomically assigning o.Seq as the
		// next sequence number of its execution. Returns obs.ErrNotFound when
		// the execution is unknown and obs.ErrIdentifierConflict when a
		// caller-supplied observation id is already in use.
		Append(ctx context.Context, o *obs.Observation) error

		// LoadObservation returns the observation or obs.ErrNotFound.
		LoadObservation(ctx context.Context, id ident.ID) (obs.Observation, error)

		// MarkPayloadFailed records terminal payload failure on the
		// observation owning the given blob key. Unknown keys are a no-op.
		MarkPayloadFailed(ctx context.Context, blobKey string) error

		// ListExecutions returns executions in descending id order (reverse
		// creation order). A non-zero anchor restricts results to id <= anchor
		// and a non-zero before to id < before.
		ListExecutions(ctx context.Context, anchor, before ident.ID, limit int) ([]obs.Execution, error)

		// ListExecutionsAsc returns executions in ascending id order with
		// id > from (when non-zero) and id <= anchor (when non-zero).
		ListExecutionsAsc(ctx context.Context, anchor, from ident.ID, limit int) ([]obs.Execution, error)

		// CountExecutions counts executions with id <= upTo, or all when upTo
		// is zero.
		CountExecutions(ctx context.Context, upTo ident.ID) (int, error)

		// ListObservations returns observations of the execution in ascending
		// sequence order, starting after afterSeq.
		ListObservations(ctx context.Context, executionID ident.ID, afterSeq uint64, limit int) ([]obs.Observation, error)

		// CountObservations returns the current observation count of the
		// execution, which equals its highest assigned sequence number.
		CountObservations(ctx context.Context, executionID ident.ID) (uint64, error)
	}

	// Notifier receives change events after successful writes. Delivery is
	// best-effort: failures are logged, never propagated to producers.
	Notifier interface {
		ExecutionCreated(ctx context.Context, e obs.Execution) error
		ObservationAppended(ctx context.Context, o obs.Observation) error
	}

	// Options configures the ingestion service.
	Options struct {
		// Store is the persistence backend. Required.
		Store Store
		// Payloads places observation payloads. Required.
		Payloads *payload.Store
		// Notifier optionally receives change events.
		Notifier Notifier
		// Retry bounds retries of transient store failures. Defaults to
		// retry.DefaultConfig.
		Retry retry.Config
		// Metrics optionally records ingest telemetry.
		Metrics telemetry.Metrics
	}

	// Service is the ingestion front door used by SDK adapters.
	Service struct {
		store    Store
		payloads *payload.Store
		notifier Notifier
		retryCfg retry.Config
		metrics  telemetry.Metrics
	}

	// BeginExecution is a create-execution request.
	BeginExecution struct {
		// ID optionally supplies a pre-generated execution id.
		ID ident.ID
		// Name is the display name. Required.
		Name string
		// Metadata holds user key/value pairs.
		Metadata map[string]string
		// CreatedAt defaults to the current time.
		CreatedAt time.Time
	}

	// Append is an append-observation request.
	Append struct {
		// ExecutionID names the owning execution. Required.
		ExecutionID ident.ID
		// ID optionally supplies a pre-generated observation id.
		ID ident.ID
		// Name is the display name. Required.
		Name string
		// Payload holds the payload bytes. May be empty.
		Payload []byte
		// MIMEType describes the payload. Defaults to application/octet-stream.
		MIMEType string
		// Labels are hierarchical grouping labels.
		Labels []string
		// Metadata is the ordered metadata sequence.
		Metadata []obs.MetadataPair
		// Source optionally records the emitting source location.
		Source *obs.SourceRef
		// CreatedAt defaults to the current time. Advisory only.
		CreatedAt time.Time
	}
)

// New builds the ingestion service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Payloads == nil {
		return nil, errors.New("payload store is required")
	}
	cfg := opts.Retry
	if cfg.MaxAttempts == 0 {
		cfg = retry.DefaultConfig()
	}
	if cfg.Retryable == nil {
		cfg.Retryable = transient
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}
	s := &Service{
		store:    opts.Store,
		payloads: opts.Payloads,
		notifier: opts.Notifier,
		retryCfg: cfg,
		metrics:  metrics,
	}
	// Terminal upload failures are recorded in the store so readers in other
	// processes observe PayloadStateFailed instead of polling forever.
	opts.Payloads.OnFailure(s.markPayloadFailed)
	return s, nil
}

func (s *Service) markPayloadFailed(ctx context.Context, blobKey string) {
	err := retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		return s.store.MarkPayloadFailed(ctx, blobKey)
	})
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "mark payload failed"}, log.KV{K: "blob_key", V: blobKey})
	}
}

// BeginExecution creates an execution. The caller may supply a pre-generated
// id; the id is usable in URLs before and after this call.
func (s *Service) BeginExecution(ctx context.Context, req BeginExecution) (obs.Execution, error) {
	if req.Name == "" {
		return obs.Execution{}, errors.New("execution name is required")
	}
	id := req.ID
	if id.IsZero() {
		id = ident.New()
	}
	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	e := obs.Execution{
		ID:        id,
		Name:      req.Name,
		Metadata:  cloneMetadata(req.Metadata),
		CreatedAt: createdAt.UTC(),
	}
	err := retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		return s.store.CreateExecution(ctx, e)
	})
	if err != nil {
		return obs.Execution{}, fmt.Errorf("create execution %s: %w", id, err)
	}
	s.metrics.ExecutionCreated(ctx)
	s.notifyExecution(ctx, e)
	return e, nil
}

// Append appends one observation to its execution and returns it with the
// assigned sequence number. Large payloads are offloaded asynchronously;
// Append returns as soon as the observation metadata is durable.
func (s *Service) Append(ctx context.Context, req Append) (obs.Observation, error) {
	if req.ExecutionID.IsZero() {
		return obs.Observation{}, errors.New("execution id is required")
	}
	if req.Name == "" {
		return obs.Observation{}, errors.New("observation name is required")
	}
	id := req.ID
	if id.IsZero() {
		id = ident.New()
	}
	mimeType := req.MIMEType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	ref, err := s.payloads.Put(ctx, id, mimeType, req.Payload)
	if err != nil {
		return obs.Observation{}, fmt.Errorf("place payload for %s: %w", id, err)
	}

	o := obs.Observation{
		ID:          id,
		ExecutionID: req.ExecutionID,
		Name:        req.Name,
		Payload:     ref,
		Labels:      append([]string(nil), req.Labels...),
		Metadata:    append([]obs.MetadataPair(nil), req.Metadata...),
		Source:      req.Source,
		CreatedAt:   createdAt.UTC(),
	}
	err = retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		return s.store.Append(ctx, &o)
	})
	if err != nil {
		return obs.Observation{}, fmt.Errorf("append to execution %s: %w", req.ExecutionID, err)
	}
	s.metrics.ObservationAppended(ctx, len(req.Payload))
	s.notifyObservation(ctx, o)
	return o, nil
}

// Execution returns the execution or obs.ErrNotFound.
func (s *Service) Execution(ctx context.Context, id ident.ID) (obs.Execution, error) {
	return s.store.LoadExecution(ctx, id)
}

// Observation returns the observation or obs.ErrNotFound.
func (s *Service) Observation(ctx context.Context, id ident.ID) (obs.Observation, error) {
	return s.store.LoadObservation(ctx, id)
}

// Payload returns the payload bytes of the observation. Offloaded payloads may
// return obs.ErrPayloadNotReady (retryable) or obs.ErrPayloadFailed (terminal).
func (s *Service) Payload(ctx context.Context, observationID ident.ID) ([]byte, error) {
	o, err := s.store.LoadObservation(ctx, observationID)
	if err != nil {
		return nil, err
	}
	return s.payloads.Get(ctx, o.Payload)
}

func (s *Service) notifyExecution(ctx context.Context, e obs.Execution) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.ExecutionCreated(ctx, e); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "notify execution created"}, log.KV{K: "execution_id", V: e.ID})
	}
}

func (s *Service) notifyObservation(ctx context.Context, o obs.Observation) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.ObservationAppended(ctx, o); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "notify observation appended"}, log.KV{K: "observation_id", V: o.ID})
	}
}

// transient classifies store failures for retry purposes. Domain conditions
// are surfaced to the caller immediately.
func transient(err error) bool {
	switch {
	case errors.Is(err, obs.ErrNotFound),
		errors.Is(err, obs.ErrIdentifierConflict),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
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
