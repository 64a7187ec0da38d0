// Package tracing wraps OpenTelemetry spans around step callbacks.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/eleven-am/plexus"

// Tracer starts spans through the globally registered tracer provider unless one is supplied.
type Tracer struct {
	tracer trace.Tracer
}

func New(provider trace.TracerProvider) *Tracer {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &Tracer{tracer: provider.Tracer(instrumentationName)}
}

// StartStep opens a span for one step callback of a node execution.
func (t *Tracer) StartStep(ctx context.Context, phase, stepType, nodeExecutionID, planExecutionID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "step."+phase,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("plexus.step_type", stepType),
			attribute.String("plexus.node_execution_id", nodeExecutionID),
			attribute.String("plexus.plan_execution_id", planExecutionID),
		),
	)
}

// Start opens a generic span, used around sweeps.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
