package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Instruments bundles the tracer and OTel instruments used around
// coordination operations. The zero value is not usable; build one with
// NewInstruments.
type Instruments struct {
	tracer      trace.Tracer
	opDuration  metric.Float64Histogram
	transitions metric.Int64Counter
	handoffs    metric.Int64Counter
}

// NewInstruments creates the instruments from a tracer and meter.
func NewInstruments(tracer trace.Tracer, meter metric.Meter) (*Instruments, error) {
	opDuration, err := meter.Float64Histogram("axon.operation.duration",
		metric.WithDescription("Duration of coordination operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create operation histogram: %w", err)
	}

	transitions, err := meter.Int64Counter("axon.task.transitions",
		metric.WithDescription("Committed task state transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("create transition counter: %w", err)
	}

	handoffs, err := meter.Int64Counter("axon.handoffs",
		metric.WithDescription("Handoff packages by lifecycle event"),
	)
	if err != nil {
		return nil, fmt.Errorf("create handoff counter: %w", err)
	}

	return &Instruments{
		tracer:      tracer,
		opDuration:  opDuration,
		transitions: transitions,
		handoffs:    handoffs,
	}, nil
}

// Start opens a span named "axon.<operation>".
func (i *Instruments) Start(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return i.tracer.Start(ctx, "axon."+operation, trace.WithAttributes(attrs...))
}

// End closes span, tagging it with the outcome code, and records the
// operation duration.
func (i *Instruments) End(ctx context.Context, span trace.Span, operation, code string, err error, elapsed time.Duration) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
	}
	span.SetAttributes(attribute.String("axon.result", code))
	span.End()

	i.opDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", code),
	))
}

// Transition counts one committed state change.
func (i *Instruments) Transition(ctx context.Context, from, to string) {
	i.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// Handoff counts a handoff lifecycle event ("created" or "accepted").
func (i *Instruments) Handoff(ctx context.Context, event, capability string) {
	i.handoffs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("capability", capability),
	))
}
