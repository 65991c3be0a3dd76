package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"
)

// otelMetrics records store counters through the global OTEL MeterProvider.
type otelMetrics struct {
	executions   metric.Int64Counter
	observations metric.Int64Counter
	payloadBytes metric.Int64Histogram
	pages        metric.Int64Counter
	pageItems    metric.Int64Histogram
}

// NewOTELMetrics constructs a Metrics recorder backed by OTEL metrics. It uses
// the global MeterProvider; configure it before serving traffic (typically via
// clue.ConfigureOpenTelemetry). Instrument creation failures are logged and the
// affected instrument is skipped.
func NewOTELMetrics(ctx context.Context) Metrics {
	meter := otel.Meter("goa.design/obs")
	m := &otelMetrics{}
	var err error
	if m.executions, err = meter.Int64Counter("obs.executions.created"); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "create counter obs.executions.created"})
	}
	if m.observations, err = meter.Int64Counter("obs.observations.appended"); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "create counter obs.observations.appended"})
	}
	if m.payloadBytes, err = meter.Int64Histogram("obs.payload.bytes"); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "create histogram obs.payload.bytes"})
	}
	if m.pages, err = meter.Int64Counter("obs.pages.served"); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "create counter obs.pages.served"})
	}
	if m.pageItems, err = meter.Int64Histogram("obs.page.items"); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "create histogram obs.page.items"})
	}
	return m
}

func (m *otelMetrics) ExecutionCreated(ctx context.Context) {
	if m.executions != nil {
		m.executions.Add(ctx, 1)
	}
}

func (m *otelMetrics) ObservationAppended(ctx context.Context, payloadBytes int) {
	if m.observations != nil {
		m.observations.Add(ctx, 1)
	}
	if m.payloadBytes != nil {
		m.payloadBytes.Record(ctx, int64(payloadBytes))
	}
}

func (m *otelMetrics) PageServed(ctx context.Context, scope string, items int) {
	attrs := metric.WithAttributes(attribute.String("scope", scope))
	if m.pages != nil {
		m.pages.Add(ctx, 1, attrs)
	}
	if m.pageItems != nil {
		m.pageItems.Record(ctx, int64(items), attrs)
	}
}
