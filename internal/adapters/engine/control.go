package engine

import (
	"context"
	"errors"

	"github.com/eleven-am/plexus/internal/adapters/storage"
	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/ports"
	"github.com/google/uuid"
)

// AbortNode aborts a non-final node execution, its outstanding children and
// any external work the node's step owns.
func (e *Engine) AbortNode(ctx context.Context, id string) error {
	current, err := e.store.NodeExecutions.Get(ctx, id)
	if err != nil {
		return newStorageError(engineComponent, "failed to load node execution", err,
			domain.WithOperation("abort"),
			domain.WithNodeExecutionID(id))
	}

	now := e.now()
	advice := adviseFor(current, domain.StatusAborted, "")
	exec, err := storage.UpdateIfStatusIn(ctx, e.store.NodeExecutions, id, nonFinalStatuses, func(n *domain.NodeExecution) error {
		n.Status = domain.StatusAborted
		n.EndTs = now
		n.Deferred = false
		n.AdviserResponse = advice
		n.InterruptHistory = append(n.InterruptHistory, domain.InterruptEffect{
			InterruptID:  uuid.NewString(),
			Type:         domain.InterruptAbort,
			TookEffectAt: now,
		})
		return nil
	})
	if err != nil {
		return newStorageError(engineComponent, "failed to abort node execution", err,
			domain.WithOperation("abort"),
			domain.WithNodeExecutionID(id))
	}
	if exec == nil {
		return newValidationError(engineComponent, "node execution already final", domain.ErrAlreadyFinal,
			domain.WithOperation("abort"),
			domain.WithNodeExecutionID(id))
	}

	e.metrics.NodeTransition(string(domain.StatusAborted))
	e.logger.Info("node execution aborted", "node_execution_id", id, "previous_status", current.Status)

	if exec.CorrelationID != "" {
		e.abortExternal(ctx, exec)
	}

	children, err := e.store.NodeExecutions.FindBy(ctx, domain.IndexParent, exec.ID)
	if err != nil {
		e.logger.Error("failed to load children for abort", "node_execution_id", id, "error", err)
	}
	for _, child := range children {
		if child.OldRetry || child.Status.IsFinal() {
			continue
		}
		if err := e.AbortNode(ctx, child.ID); err != nil && !errors.Is(err, domain.ErrAlreadyFinal) {
			e.logger.Warn("failed to abort child", "node_execution_id", child.ID, "error", err)
		}
	}

	if err := e.advise(ctx, exec); err != nil {
		e.logger.Error("adviser failed after abort", append([]any{"node_execution_id", exec.ID}, errorLogAttrs(err)...)...)
	}
	e.recompute(ctx, exec.PlanExecutionID(), exec.ID)
	return nil
}

// abortExternal cancels the remote task or approval the node was waiting on.
func (e *Engine) abortExternal(ctx context.Context, exec *domain.NodeExecution) {
	sc, step, err := e.loadContext(ctx, exec)
	if err == nil {
		if abortable, ok := step.(ports.Abortable); ok {
			err = e.invokeStep(ctx, "abort", sc, func(ctx context.Context) error {
				return abortable.OnAbort(ctx, sc)
			})
		}
	}
	if err != nil {
		e.logger.Warn("failed to abort external work",
			append([]any{"node_execution_id", exec.ID, "correlation_id", exec.CorrelationID}, errorLogAttrs(err)...)...)
	}
	if err := e.waits.Cancel(ctx, exec.CorrelationID); err != nil {
		e.logger.Warn("failed to cancel wait", "node_execution_id", exec.ID, "error", err)
	}
}

// AbortPlan aborts every live root-level execution of a plan execution.
func (e *Engine) AbortPlan(ctx context.Context, planExecutionID string) error {
	plan, err := e.store.PlanExecutions.Get(ctx, planExecutionID)
	if err != nil {
		return newStorageError(engineComponent, "failed to load plan execution", err,
			domain.WithOperation("abort_plan"),
			domain.WithPlanExecutionID(planExecutionID))
	}
	if plan.Status.IsFinal() {
		return newValidationError(engineComponent, "plan execution already final", domain.ErrAlreadyFinal,
			domain.WithOperation("abort_plan"),
			domain.WithPlanExecutionID(planExecutionID))
	}

	executions, err := e.NodeExecutions(ctx, planExecutionID)
	if err != nil {
		return newStorageError(engineComponent, "failed to load node executions", err,
			domain.WithPlanExecutionID(planExecutionID))
	}

	aborted := 0
	for _, exec := range executions {
		if exec.ParentID != "" || exec.OldRetry || exec.Status.IsFinal() {
			continue
		}
		if err := e.AbortNode(ctx, exec.ID); err != nil && !errors.Is(err, domain.ErrAlreadyFinal) {
			return err
		}
		aborted++
	}
	if aborted == 0 {
		return e.finishPlan(ctx, planExecutionID, domain.StatusAborted)
	}
	return nil
}

// RetryNode starts a fresh attempt of a terminal child execution whose parent
// is still collecting children. The old attempt is frozen as a superseded retry
// and every prior attempt is cloned next to the new one. Reopening the parent's
// slot is the last write; anything failing before it is undone.
func (e *Engine) RetryNode(ctx context.Context, id string) (*domain.NodeExecution, error) {
	old, err := e.store.NodeExecutions.Get(ctx, id)
	if err != nil {
		return nil, newStorageError(engineComponent, "failed to load node execution", err,
			domain.WithOperation("retry"),
			domain.WithNodeExecutionID(id))
	}
	if !old.Status.IsFinal() {
		return nil, newValidationError(engineComponent, "retry attempted on non-terminal node", nil,
			domain.WithOperation("retry"),
			domain.WithNodeExecutionID(id),
			domain.WithDetail("status", string(old.Status)))
	}
	if old.OldRetry {
		return nil, newValidationError(engineComponent, "retry attempted on a superseded attempt", nil,
			domain.WithOperation("retry"),
			domain.WithNodeExecutionID(id))
	}
	if old.ParentID == "" {
		return nil, newValidationError(engineComponent, "retry attempted on a root node of a finished plan", nil,
			domain.WithOperation("retry"),
			domain.WithNodeExecutionID(id))
	}

	slot := old.NotifyID
	if slot == "" {
		slot = old.ID
	}
	awaiting := func(n *domain.NodeExecution) bool {
		if n.Status != domain.StatusRunning || n.Children == nil || n.Children.Completed {
			return false
		}
		finished, ok := n.Children.Finished[slot]
		return ok && finished.ExecutionID == old.ID
	}
	notWaiting := newValidationError(engineComponent, "parent is no longer waiting on this child", nil,
		domain.WithOperation("retry"),
		domain.WithNodeExecutionID(id))

	parent, err := e.store.NodeExecutions.Get(ctx, old.ParentID)
	if err != nil {
		return nil, newStorageError(engineComponent, "failed to load parent execution", err,
			domain.WithOperation("retry"),
			domain.WithNodeExecutionID(id))
	}
	if !awaiting(parent) {
		return nil, notWaiting
	}

	frozen, err := e.store.NodeExecutions.UpdateIf(ctx, old.ID, func(n *domain.NodeExecution) bool {
		return !n.OldRetry
	}, func(n *domain.NodeExecution) error {
		n.OldRetry = true
		return nil
	})
	if err != nil {
		return nil, newStorageError(engineComponent, "failed to freeze retried attempt", err,
			domain.WithOperation("retry"),
			domain.WithNodeExecutionID(id))
	}
	if frozen == nil {
		return nil, newValidationError(engineComponent, "node execution is already being retried", nil,
			domain.WithOperation("retry"),
			domain.WithNodeExecutionID(id))
	}

	now := e.now()
	attemptID := uuid.NewString()
	level, _ := old.Ambiance.CurrentLevel()
	level.RuntimeID = attemptID
	level.StartTs = now

	attempt := &domain.NodeExecution{
		ID:                 attemptID,
		PlanNodeID:         old.PlanNodeID,
		StepType:           old.StepType,
		Identifier:         old.Identifier,
		Ambiance:           old.Ambiance.Sibling(level),
		Status:             domain.StatusQueued,
		ParentID:           old.ParentID,
		PreviousID:         old.PreviousID,
		NotifyID:           old.NotifyID,
		RetryIDs:           append(append([]string(nil), old.RetryIDs...), old.ID),
		ResolvedParameters: domain.CloneMap(old.ResolvedParameters),
		CreatedAt:          now,
		InterruptHistory: append(append([]domain.InterruptEffect(nil), old.InterruptHistory...), domain.InterruptEffect{
			InterruptID:  uuid.NewString(),
			Type:         domain.InterruptRetry,
			TookEffectAt: now,
			RetryID:      old.ID,
		}),
	}
	if err := e.store.NodeExecutions.Insert(ctx, attempt); err != nil {
		e.undoRetry(ctx, old.ID, nil)
		return nil, newStorageError(engineComponent, "failed to create retry attempt", err,
			domain.WithOperation("retry"),
			domain.WithNodeExecutionID(id))
	}

	updated, clones, err := e.retries.CopyRetriedNodes(ctx, attempt, nil)
	if err != nil {
		e.undoRetry(ctx, old.ID, []string{attemptID})
		return nil, err
	}
	attempt = updated

	reopened, err := e.store.NodeExecutions.UpdateIf(ctx, old.ParentID, awaiting, func(n *domain.NodeExecution) error {
		delete(n.Children.Finished, slot)
		return nil
	})
	if err != nil || reopened == nil {
		created := []string{attemptID}
		for _, clone := range clones {
			created = append(created, clone.ID)
		}
		e.undoRetry(ctx, old.ID, created)
		if err != nil {
			return nil, newStorageError(engineComponent, "failed to reopen child slot", err,
				domain.WithOperation("retry"),
				domain.WithNodeExecutionID(id))
		}
		return nil, notWaiting
	}

	e.logger.Info("node execution retried",
		"node_execution_id", attemptID,
		"retried_node_execution_id", old.ID,
		"attempt", len(attempt.RetryIDs)+1,
		"clones", len(clones))

	e.enqueue(attemptID)
	e.recompute(ctx, attempt.PlanExecutionID(), "")
	return attempt, nil
}

// undoRetry removes records a failed retry created and unfreezes the attempt
// it superseded.
func (e *Engine) undoRetry(ctx context.Context, oldID string, created []string) {
	if len(created) > 0 {
		if _, err := e.store.NodeExecutions.DeleteByIDs(ctx, created); err != nil {
			e.logger.Error("failed to remove records of an abandoned retry", "node_execution_id", oldID, "error", err)
		}
	}
	if _, err := e.store.NodeExecutions.UpdateIf(ctx, oldID, nil, func(n *domain.NodeExecution) error {
		n.OldRetry = false
		return nil
	}); err != nil {
		e.logger.Error("failed to unfreeze node execution after an abandoned retry", "node_execution_id", oldID, "error", err)
	}
}

// ReplayPlan starts a new plan execution of the same plan that reuses the
// results of originalID. Plan nodes listed in rerun, and anything failed, run again.
func (e *Engine) ReplayPlan(ctx context.Context, originalID string, rerun ...string) (*domain.PlanExecution, error) {
	original, err := e.store.PlanExecutions.Get(ctx, originalID)
	if err != nil {
		return nil, newStorageError(engineComponent, "failed to load plan execution", err,
			domain.WithOperation("replay"),
			domain.WithPlanExecutionID(originalID))
	}
	if !original.Status.IsFinal() {
		return nil, newValidationError(engineComponent, "cannot replay a plan execution that is still running", nil,
			domain.WithOperation("replay"),
			domain.WithPlanExecutionID(originalID),
			domain.WithDetail("status", string(original.Status)))
	}

	executions, err := e.NodeExecutions(ctx, originalID)
	if err != nil {
		return nil, newStorageError(engineComponent, "failed to load node executions", err,
			domain.WithPlanExecutionID(originalID))
	}
	var rootExec *domain.NodeExecution
	for _, exec := range executions {
		if exec.ParentID == "" && exec.PreviousID == "" && !exec.OldRetry {
			if rootExec == nil || exec.CreatedAt.Before(rootExec.CreatedAt) {
				rootExec = exec
			}
		}
	}
	if rootExec == nil {
		return nil, newValidationError(engineComponent, "plan execution has no root node execution", nil,
			domain.WithOperation("replay"),
			domain.WithPlanExecutionID(originalID))
	}

	now := e.now()
	planExec := &domain.PlanExecution{
		ID:               uuid.NewString(),
		PlanID:           original.PlanID,
		RootNodeID:       original.RootNodeID,
		Status:           domain.StatusRunning,
		AccountID:        original.AccountID,
		OrgID:            original.OrgID,
		ProjectID:        original.ProjectID,
		Inputs:           domain.CloneMap(original.Inputs),
		ReplayOf:         original.ID,
		RerunPlanNodeIDs: rerun,
		CreatedAt:        now,
		StartTs:          now,
	}

	rootNodeID, err := replayPlanNode(ctx, e.store, planExec, rootExec)
	if err != nil {
		return nil, err
	}
	rootNode, err := e.store.PlanNodes.Get(ctx, rootNodeID)
	if err != nil {
		return nil, newStorageError(engineComponent, "failed to load replay root", err,
			domain.WithOperation("replay"),
			domain.WithDetail("plan_node_id", rootNodeID))
	}
	planExec.RootNodeID = rootNode.ID

	if err := e.launch(ctx, planExec, rootNode); err != nil {
		return nil, err
	}
	return planExec, nil
}
