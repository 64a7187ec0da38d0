package engine

import (
	"context"
	"log/slog"

	"github.com/eleven-am/plexus/internal/adapters/storage"
	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/ports"
)

// Aggregator derives a plan execution's overall status from its node executions.
type Aggregator struct {
	store  *storage.Store
	logger *slog.Logger
}

func NewAggregator(store *storage.Store, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		store:  store,
		logger: logger.With("component", "aggregator"),
	}
}

// Aggregate folds a set of node statuses into one plan status. Anything still
// moving wins, then WAITING, then the worst terminal outcome.
func Aggregate(statuses []domain.Status) domain.Status {
	if len(statuses) == 0 {
		return domain.StatusRunning
	}

	seen := make(map[domain.Status]bool, len(statuses))
	for _, status := range statuses {
		seen[status] = true
	}

	switch {
	case seen[domain.StatusQueued] || seen[domain.StatusRunning]:
		return domain.StatusRunning
	case seen[domain.StatusWaiting]:
		return domain.StatusWaiting
	case seen[domain.StatusAborted]:
		return domain.StatusAborted
	case seen[domain.StatusFailed]:
		return domain.StatusFailed
	case seen[domain.StatusExpired]:
		return domain.StatusExpired
	default:
		return domain.StatusSucceeded
	}
}

// Compute returns the aggregate status of planExecutionID, ignoring superseded
// attempts and the execution named by exclude.
func (a *Aggregator) Compute(ctx context.Context, planExecutionID, exclude string) (domain.Status, error) {
	executions, err := a.store.NodeExecutions.FindBy(ctx, domain.IndexPlanExecution, planExecutionID)
	if err != nil {
		return "", newStorageError(aggregatorComponent, "failed to load node executions", err,
			domain.WithPlanExecutionID(planExecutionID))
	}

	statuses := make([]domain.Status, 0, len(executions))
	for _, exec := range executions {
		if exec.OldRetry || exec.ID == exclude {
			continue
		}
		statuses = append(statuses, exec.Status)
	}
	return Aggregate(statuses), nil
}

// Recompute persists the aggregate status when it is non-final and differs from
// the stored one. A plan already in a final status is never touched; final plan
// statuses are written only when the root chain ends.
func (a *Aggregator) Recompute(ctx context.Context, planExecutionID, exclude string) (domain.Status, error) {
	status, err := a.Compute(ctx, planExecutionID, exclude)
	if err != nil {
		return "", err
	}
	if status.IsFinal() {
		return status, nil
	}

	updated, err := a.store.PlanExecutions.UpdateIf(ctx, planExecutionID, func(p *domain.PlanExecution) bool {
		return !p.Status.IsFinal() && p.Status != status
	}, func(p *domain.PlanExecution) error {
		p.Status = status
		return nil
	})
	if err != nil {
		return "", newStorageError(aggregatorComponent, "failed to persist plan status", err,
			domain.WithPlanExecutionID(planExecutionID))
	}
	if updated != nil {
		a.logger.Debug("plan status recomputed",
			"plan_execution_id", planExecutionID,
			"status", status)
	}
	return status, nil
}

var _ ports.PlanStatusUpdater = (*Aggregator)(nil)
