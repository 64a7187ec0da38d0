package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestStartStepAndEnd(t *testing.T) {
	tracer := New(noop.NewTracerProvider())

	ctx, span := tracer.StartStep(context.Background(), "execute", "task", "exec-1", "plan-1")
	assert.NotNil(t, ctx)
	assert.NotPanics(t, func() { End(span, errors.New("boom")) })

	_, span = tracer.Start(context.Background(), "sweep")
	assert.NotPanics(t, func() { End(span, nil) })
}

func TestNewFallsBackToGlobalProvider(t *testing.T) {
	assert.NotNil(t, New(nil).tracer)
}
