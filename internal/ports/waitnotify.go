package ports

import (
	"context"

	"github.com/eleven-am/plexus/internal/domain"
)

// WaitNotify maps correlation ids to suspended executions. Each correlation id
// is delivered at most once.
type WaitNotify interface {
	Register(ctx context.Context, correlationID, waiterID string) (<-chan domain.NotifyResult, error)
	Deliver(ctx context.Context, correlationID string, result domain.NotifyResult) (bool, error)
	Cancel(ctx context.Context, correlationID string) error
}

// PlanStatusUpdater recomputes the overall status of a plan execution.
type PlanStatusUpdater interface {
	Recompute(ctx context.Context, planExecutionID, excludeNodeExecutionID string) (domain.Status, error)
}
