package engine

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/eleven-am/plexus/internal/adapters/tracing"
	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/ports"
)

// invokeStep runs one step callback. A panic inside fn is recovered into a
// *domain.PanicError and returned like any other step error.
func (e *Engine) invokeStep(ctx context.Context, phase string, sc ports.StepContext, fn func(ctx context.Context) error) (err error) {
	started := time.Now()
	exec := sc.Execution

	spanCtx, span := e.tracer.StartStep(ctx, phase, exec.StepType, exec.ID, exec.PlanExecutionID())

	defer func() {
		if r := recover(); r != nil {
			panicErr := domain.NewPanicError(exec.ID, exec.StepType, r, debug.Stack())
			e.metrics.StepPanic()
			e.logger.Error("step panicked",
				"node_execution_id", exec.ID,
				"step_type", exec.StepType,
				"phase", phase,
				"panic_value", r,
				"stack_trace", panicErr.StackTrace,
			)
			err = panicErr
		}

		e.metrics.ObserveStep(exec.StepType, phase, time.Since(started))
		tracing.End(span, err)
	}()

	return fn(spanCtx)
}

func asPanic(err error, target **domain.PanicError) bool {
	return errors.As(err, target)
}

func asDomain(err error, target **domain.DomainError) bool {
	return errors.As(err, target)
}
