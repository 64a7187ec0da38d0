package ports

import (
	"context"

	"github.com/eleven-am/plexus/internal/domain"
)

// StepContext is everything a step sees about the node it runs for.
type StepContext struct {
	Execution *domain.NodeExecution
	PlanNode  *domain.PlanNode
	Plan      *domain.PlanExecution
}

func (s StepContext) Parameters() map[string]any {
	if len(s.Execution.ResolvedParameters) > 0 {
		return s.Execution.ResolvedParameters
	}
	return s.PlanNode.Parameters
}

// Step is the contract every step type implements.
type Step interface {
	Validate(ctx context.Context, node *domain.PlanNode) error
	Execute(ctx context.Context, sc StepContext) (domain.StepResponse, error)
	OnChildrenDone(ctx context.Context, sc StepContext, children []*domain.NodeExecution) (*domain.SyncResult, error)
	OnResume(ctx context.Context, sc StepContext, result domain.NotifyResult) (*domain.SyncResult, error)
}

// Abortable is implemented by steps that own external work which must be cancelled on abort.
type Abortable interface {
	OnAbort(ctx context.Context, sc StepContext) error
}

// StepRegistry resolves a step implementation by step type.
type StepRegistry interface {
	Register(stepType string, step Step) error
	Get(stepType string) (Step, bool)
	Types() []string
}
