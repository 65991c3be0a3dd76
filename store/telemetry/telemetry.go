// Package telemetry defines the observability seams used by the store
// services. Logging goes through goa.design/clue/log directly; metrics are
// abstracted so tests and minimal deployments can run without an OTEL
// pipeline.
package telemetry

import "context"

// Metrics records store activity counters.
type Metrics interface {
	// ExecutionCreated counts one created execution.
	ExecutionCreated(ctx context.Context)
	// ObservationAppended counts one appended observation and its payload size.
	ObservationAppended(ctx context.Context, payloadBytes int)
	// PageServed counts one served listing page for the given scope
	// ("executions" or "observations").
	PageServed(ctx context.Context, scope string, items int)
}

type noopMetrics struct{}

// NoopMetrics returns a Metrics that records nothing.
func NoopMetrics() Metrics {
	return noopMetrics{}
}

func (noopMetrics) ExecutionCreated(context.Context)         {}
func (noopMetrics) ObservationAppended(context.Context, int) {}
func (noopMetrics) PageServed(context.Context, string, int)  {}
