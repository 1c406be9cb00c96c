package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "pyforge"

// Telemetry instruments engine operations with a span plus the request
// counters and duration histogram. It satisfies the service layer's
// instrumentation hook.
type Telemetry struct {
	metrics *Metrics
}

// NewTelemetry creates the instrumentation hook.
func NewTelemetry() (*Telemetry, error) {
	m, err := NewMetrics()
	if err != nil {
		return nil, err
	}
	return &Telemetry{metrics: m}, nil
}

// Start opens a span for one engine operation. The returned function ends
// the span and records the measurements; call it exactly once.
func (t *Telemetry) Start(ctx context.Context, op, workspace string) (context.Context, func(err error)) {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "lsp."+op,
		trace.WithAttributes(
			attribute.String("lsp.operation", op),
			attribute.String("workspace.root", workspace),
		),
	)

	return ctx, func(err error) {
		attrs := metric.WithAttributes(attribute.String("lsp.operation", op))
		t.metrics.Requests.Add(ctx, 1, attrs)
		t.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		if err != nil {
			t.metrics.RequestErrors.Add(ctx, 1, attrs)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
