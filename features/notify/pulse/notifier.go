// Package pulse publishes ingest change events to goa.design/pulse streams so
// live views refresh without polling the store. Execution creations go to a
// single well-known stream; observation appends go to a per-execution stream,
// which lets a viewer of one execution subscribe to exactly its log.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientspulse "goa.design/obs/features/notify/pulse/clients/pulse"
	"goa.design/obs/store/ident"
	"goa.design/obs/store/obs"
)

type (
	// Options configures the notifier.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// ExecutionsStream overrides the stream carrying execution creations.
		ExecutionsStream string
	}

	// Notifier implements ingest.Notifier over Pulse streams. Thread-safe
	// for concurrent publishes.
	Notifier struct {
		client     clientspulse.Client
		executions string
	}

	// Envelope is the wire format of a change event. The JSON tags are part
	// of the format.
	Envelope struct {
		// Type is EventExecutionCreated or EventObservationAppended.
		Type string `json:"type"`
		// ExecutionID names the affected execution.
		ExecutionID ident.ID `json:"execution_id"`
		// ObservationID is set for observation events.
		ObservationID ident.ID `json:"observation_id,omitempty"`
		// Seq is the observation's sequence number, zero for execution
		// events.
		Seq uint64 `json:"seq,omitempty"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
	}
)

const (
	// EventExecutionCreated is the envelope type for new executions.
	EventExecutionCreated = "execution_created"
	// EventObservationAppended is the envelope type for appended
	// observations.
	EventObservationAppended = "observation_appended"

	// DefaultExecutionsStream carries execution creation events.
	DefaultExecutionsStream = "executions"
)

// ExecutionStream returns the name of the stream carrying one execution's
// observation events.
func ExecutionStream(id ident.ID) string {
	return fmt.Sprintf("execution/%s", id)
}

// NewNotifier constructs a Pulse-backed change notifier.
func NewNotifier(opts Options) (*Notifier, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	executions := opts.ExecutionsStream
	if executions == "" {
		executions = DefaultExecutionsStream
	}
	return &Notifier{
		client:     opts.Client,
		executions: executions,
	}, nil
}

// ExecutionCreated implements ingest.Notifier.
func (n *Notifier) ExecutionCreated(ctx context.Context, e obs.Execution) error {
	env := Envelope{
		Type:        EventExecutionCreated,
		ExecutionID: e.ID,
		Timestamp:   time.Now().UTC(),
	}
	return n.publish(ctx, n.executions, env)
}

// ObservationAppended implements ingest.Notifier.
func (n *Notifier) ObservationAppended(ctx context.Context, o obs.Observation) error {
	env := Envelope{
		Type:          EventObservationAppended,
		ExecutionID:   o.ExecutionID,
		ObservationID: o.ID,
		Seq:           o.Seq,
		Timestamp:     time.Now().UTC(),
	}
	return n.publish(ctx, ExecutionStream(o.ExecutionID), env)
}

// Close releases resources owned by the notifier.
func (n *Notifier) Close(ctx context.Context) error {
	return n.client.Close(ctx)
}

func (n *Notifier) publish(ctx context.Context, streamID string, env Envelope) error {
	handle, err := n.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, env.Type, payload); err != nil {
		return err
	}
	return nil
}
