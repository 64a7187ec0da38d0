package engine

import (
	"context"

	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/ports"
	"github.com/google/uuid"
)

var nonFinalStatuses = domain.NonFinalStatuses()

// startNode claims a queued execution and runs its step.
func (e *Engine) startNode(ctx context.Context, id string) error {
	now := e.now()
	exec, err := e.store.NodeExecutions.UpdateIf(ctx, id, func(n *domain.NodeExecution) bool {
		return n.Status == domain.StatusQueued && !n.Deferred
	}, func(n *domain.NodeExecution) error {
		n.Status = domain.StatusRunning
		if n.StartTs.IsZero() {
			n.StartTs = now
		}
		return nil
	})
	if err != nil {
		return newStorageError(engineComponent, "failed to claim node execution", err, domain.WithNodeExecutionID(id))
	}
	if exec == nil {
		e.logger.Debug("node execution not claimable, skipping", "node_execution_id", id)
		return nil
	}
	e.metrics.NodeTransition(string(domain.StatusRunning))

	sc, step, err := e.loadContext(ctx, exec)
	if err != nil {
		return e.failNode(ctx, exec, err)
	}
	if err := step.Validate(ctx, sc.PlanNode); err != nil {
		return e.failNode(ctx, exec, newValidationError(engineComponent, "plan node failed validation", err,
			domain.WithNodeExecutionID(exec.ID)))
	}

	var resp domain.StepResponse
	err = e.invokeStep(ctx, "execute", sc, func(ctx context.Context) error {
		var execErr error
		resp, execErr = step.Execute(ctx, sc)
		return execErr
	})
	if err != nil {
		return e.failNode(ctx, exec, err)
	}
	return e.applyResponse(ctx, sc, resp)
}

func (e *Engine) loadContext(ctx context.Context, exec *domain.NodeExecution) (ports.StepContext, ports.Step, error) {
	sc := ports.StepContext{Execution: exec}

	node, err := e.store.PlanNodes.Get(ctx, exec.PlanNodeID)
	if err != nil {
		return sc, nil, newStorageError(engineComponent, "failed to load plan node", err,
			domain.WithNodeExecutionID(exec.ID),
			domain.WithDetail("plan_node_id", exec.PlanNodeID))
	}
	sc.PlanNode = node

	plan, err := e.store.PlanExecutions.Get(ctx, exec.PlanExecutionID())
	if err != nil {
		return sc, nil, newStorageError(engineComponent, "failed to load plan execution", err,
			domain.WithNodeExecutionID(exec.ID),
			domain.WithPlanExecutionID(exec.PlanExecutionID()))
	}
	sc.Plan = plan

	step, ok := e.steps.Get(exec.StepType)
	if !ok {
		return sc, nil, newValidationError(engineComponent, "no step registered for step type", nil,
			domain.WithNodeExecutionID(exec.ID),
			domain.WithDetail("step_type", exec.StepType))
	}
	return sc, step, nil
}

func (e *Engine) failNode(ctx context.Context, exec *domain.NodeExecution, cause error) error {
	e.logger.Warn("node execution failed",
		append([]any{"node_execution_id", exec.ID, "step_type", exec.StepType}, errorLogAttrs(cause)...)...)

	return e.finalize(ctx, exec.ID, &domain.SyncResult{
		Status:  domain.StatusFailed,
		Failure: failureFromError(cause),
	})
}

func (e *Engine) applyResponse(ctx context.Context, sc ports.StepContext, resp domain.StepResponse) error {
	switch r := resp.(type) {
	case *domain.SyncResult:
		if r == nil || !r.Status.IsFinal() {
			return e.failNode(ctx, sc.Execution, newValidationError(engineComponent, "step returned a non-terminal result", nil,
				domain.WithNodeExecutionID(sc.Execution.ID)))
		}
		return e.finalize(ctx, sc.Execution.ID, r)
	case *domain.ChildRequest:
		return e.spawnChildren(ctx, sc, []domain.ChildSpec{r.Child}, 0, domain.ResponseChild)
	case *domain.ChildrenRequest:
		return e.spawnChildren(ctx, sc, r.Children, r.MaxConcurrency, domain.ResponseChildren)
	case *domain.SuspendRequest:
		return e.suspend(ctx, sc, r.CorrelationID)
	default:
		return e.failNode(ctx, sc.Execution, newValidationError(engineComponent, "step returned no response", nil,
			domain.WithNodeExecutionID(sc.Execution.ID)))
	}
}

// spawnChildren creates one QUEUED execution per spec under the running parent.
// Children past maxConcurrency stay deferred until a running sibling finishes.
func (e *Engine) spawnChildren(ctx context.Context, sc ports.StepContext, specs []domain.ChildSpec, maxConcurrency int, kind domain.ResponseKind) error {
	parent := sc.Execution
	now := e.now()

	children := make([]*domain.NodeExecution, 0, len(specs))
	slots := make([]string, 0, len(specs))
	planNodeIDs := make([]string, 0, len(specs))
	var deferred []string

	for i, spec := range specs {
		node, err := e.store.PlanNodes.Get(ctx, spec.PlanNodeID)
		if err != nil {
			return e.failNode(ctx, parent, newStorageError(engineComponent, "failed to load child plan node", err,
				domain.WithNodeExecutionID(parent.ID),
				domain.WithDetail("plan_node_id", spec.PlanNodeID)))
		}

		id := uuid.NewString()
		child := &domain.NodeExecution{
			ID:                 id,
			PlanNodeID:         node.ID,
			StepType:           node.StepType,
			Identifier:         node.Identifier,
			Ambiance:           parent.Ambiance.Descend(levelFor(id, node, now, spec.StrategyMetadata)),
			Status:             domain.StatusQueued,
			ParentID:           parent.ID,
			NotifyID:           id,
			ResolvedParameters: spec.Parameters,
			CreatedAt:          now,
		}
		if maxConcurrency > 0 && i >= maxConcurrency {
			child.Deferred = true
			deferred = append(deferred, id)
		}

		children = append(children, child)
		slots = append(slots, id)
		planNodeIDs = append(planNodeIDs, node.ID)
	}

	if err := e.store.NodeExecutions.SaveAll(ctx, children); err != nil {
		return e.failNode(ctx, parent, newStorageError(engineComponent, "failed to create child executions", err,
			domain.WithNodeExecutionID(parent.ID)))
	}

	updated, err := e.store.NodeExecutions.UpdateIf(ctx, parent.ID, func(n *domain.NodeExecution) bool {
		return n.Status == domain.StatusRunning && n.Children == nil
	}, func(n *domain.NodeExecution) error {
		n.Children = &domain.ChildrenState{
			Slots:          slots,
			Finished:       make(map[string]domain.ChildResult, len(slots)),
			Deferred:       deferred,
			MaxConcurrency: maxConcurrency,
			Completed:      len(slots) == 0,
		}
		n.ExecutableResponses = append(n.ExecutableResponses, domain.ExecutableResponse{
			Kind:           kind,
			MaxConcurrency: maxConcurrency,
			ChildNodeIDs:   planNodeIDs,
			RecordedAt:     now,
		})
		return nil
	})
	if err != nil || updated == nil {
		if _, delErr := e.store.NodeExecutions.DeleteByIDs(ctx, slots); delErr != nil {
			e.logger.Error("failed to discard orphaned children", "node_execution_id", parent.ID, "error", delErr)
		}
		if err != nil {
			return newStorageError(engineComponent, "failed to record children on parent", err,
				domain.WithNodeExecutionID(parent.ID))
		}
		e.logger.Debug("parent left RUNNING before children were attached", "node_execution_id", parent.ID)
		return nil
	}

	e.logger.Debug("spawned children",
		"node_execution_id", parent.ID,
		"children", len(children),
		"deferred", len(deferred),
		"max_concurrency", maxConcurrency)

	if len(children) == 0 {
		return e.runChildrenDone(ctx, updated, nil)
	}

	for _, child := range children {
		if !child.Deferred {
			e.enqueue(child.ID)
		}
	}
	e.recompute(ctx, parent.PlanExecutionID(), "")
	return nil
}

// suspend parks a running node until correlationID is delivered.
func (e *Engine) suspend(ctx context.Context, sc ports.StepContext, correlationID string) error {
	exec := sc.Execution
	if correlationID == "" {
		return e.failNode(ctx, exec, newValidationError(engineComponent, "suspend request requires a correlation id", nil,
			domain.WithNodeExecutionID(exec.ID)))
	}

	now := e.now()
	updated, err := e.store.NodeExecutions.UpdateIf(ctx, exec.ID, func(n *domain.NodeExecution) bool {
		return n.Status == domain.StatusRunning
	}, func(n *domain.NodeExecution) error {
		n.Status = domain.StatusWaiting
		n.CorrelationID = correlationID
		n.ExecutableResponses = append(n.ExecutableResponses, domain.ExecutableResponse{
			Kind:          domain.ResponseAsync,
			CorrelationID: correlationID,
			RecordedAt:    now,
		})
		return nil
	})
	if err != nil {
		return newStorageError(engineComponent, "failed to suspend node execution", err, domain.WithNodeExecutionID(exec.ID))
	}
	if updated == nil {
		return nil
	}
	e.metrics.NodeTransition(string(domain.StatusWaiting))

	if err := e.await(ctx, exec.ID, correlationID); err != nil {
		return e.failNode(ctx, updated, err)
	}
	e.recompute(ctx, exec.PlanExecutionID(), "")
	return nil
}

// await registers the wait and resumes the node when the callback fires.
func (e *Engine) await(ctx context.Context, id, correlationID string) error {
	ch, err := e.waits.Register(ctx, correlationID, id)
	if err != nil {
		return err
	}

	e.track(func() {
		select {
		case result, ok := <-ch:
			if !ok {
				return
			}
			if err := e.Resume(e.ctx, id, result); err != nil {
				e.logger.Error("resume failed",
					append([]any{"node_execution_id", id, "correlation_id", correlationID}, errorLogAttrs(err)...)...)
			}
		case <-e.stopped:
		}
	})
	return nil
}

// Resume hands a delivered result to a WAITING node's step.
func (e *Engine) Resume(ctx context.Context, id string, result domain.NotifyResult) error {
	exec, err := e.store.NodeExecutions.UpdateIf(ctx, id, func(n *domain.NodeExecution) bool {
		return n.Status == domain.StatusWaiting &&
			(result.CorrelationID == "" || n.CorrelationID == result.CorrelationID)
	}, func(n *domain.NodeExecution) error {
		n.Status = domain.StatusRunning
		return nil
	})
	if err != nil {
		return newStorageError(engineComponent, "failed to resume node execution", err, domain.WithNodeExecutionID(id))
	}
	if exec == nil {
		e.logger.Debug("resume ignored, node is not waiting", "node_execution_id", id)
		return nil
	}

	sc, step, err := e.loadContext(ctx, exec)
	if err != nil {
		return e.failNode(ctx, exec, err)
	}

	var out *domain.SyncResult
	err = e.invokeStep(ctx, "resume", sc, func(ctx context.Context) error {
		var resumeErr error
		out, resumeErr = step.OnResume(ctx, sc, result)
		return resumeErr
	})
	if err != nil {
		return e.failNode(ctx, exec, err)
	}
	return e.applyResponse(ctx, sc, out)
}

// OnChildFinalized records that the chain in child's slot has ended. The last
// outstanding slot resolves the parent exactly once; earlier ones release the
// next deferred child.
func (e *Engine) OnChildFinalized(ctx context.Context, parentID string, child *domain.NodeExecution) error {
	slot := child.NotifyID
	if slot == "" {
		slot = child.ID
	}

	var released string
	var completed bool
	parent, err := e.store.NodeExecutions.UpdateIf(ctx, parentID, func(n *domain.NodeExecution) bool {
		if n.Status != domain.StatusRunning || n.Children == nil || n.Children.Completed {
			return false
		}
		if _, done := n.Children.Finished[slot]; done {
			return false
		}
		for _, s := range n.Children.Slots {
			if s == slot {
				return true
			}
		}
		return false
	}, func(n *domain.NodeExecution) error {
		released, completed = "", false
		if n.Children.Finished == nil {
			n.Children.Finished = make(map[string]domain.ChildResult)
		}
		n.Children.Finished[slot] = domain.ChildResult{ExecutionID: child.ID, Status: child.Status}
		if len(n.Children.Deferred) > 0 {
			released = n.Children.Deferred[0]
			n.Children.Deferred = n.Children.Deferred[1:]
		}
		if n.Children.Outstanding() == 0 {
			n.Children.Completed = true
			completed = true
		}
		return nil
	})
	if err != nil {
		return newStorageError(engineComponent, "failed to record child completion", err,
			domain.WithNodeExecutionID(parentID),
			domain.WithDetail("child_node_execution_id", child.ID))
	}
	if parent == nil {
		e.logger.Debug("child completion ignored", "node_execution_id", parentID, "child_node_execution_id", child.ID)
		return nil
	}

	if released != "" {
		e.releaseDeferred(ctx, released)
	}
	if !completed {
		return nil
	}

	finishers := make([]string, 0, len(parent.Children.Slots))
	for _, s := range parent.Children.Slots {
		finishers = append(finishers, parent.Children.Finished[s].ExecutionID)
	}
	children, err := e.store.NodeExecutions.FindByIDs(ctx, finishers)
	if err != nil {
		return e.failNode(ctx, parent, newStorageError(engineComponent, "failed to load finished children", err,
			domain.WithNodeExecutionID(parentID)))
	}
	return e.runChildrenDone(ctx, parent, children)
}

func (e *Engine) releaseDeferred(ctx context.Context, id string) {
	child, err := e.store.NodeExecutions.UpdateIf(ctx, id, func(n *domain.NodeExecution) bool {
		return n.Status == domain.StatusQueued && n.Deferred
	}, func(n *domain.NodeExecution) error {
		n.Deferred = false
		return nil
	})
	if err != nil {
		e.logger.Error("failed to release deferred child", "node_execution_id", id, "error", err)
		return
	}
	if child != nil {
		e.enqueue(child.ID)
	}
}

func (e *Engine) runChildrenDone(ctx context.Context, parent *domain.NodeExecution, children []*domain.NodeExecution) error {
	sc, step, err := e.loadContext(ctx, parent)
	if err != nil {
		return e.failNode(ctx, parent, err)
	}

	var out *domain.SyncResult
	err = e.invokeStep(ctx, "children_done", sc, func(ctx context.Context) error {
		var doneErr error
		out, doneErr = step.OnChildrenDone(ctx, sc, children)
		return doneErr
	})
	if err != nil {
		return e.failNode(ctx, parent, err)
	}
	return e.applyResponse(ctx, sc, out)
}

// finalize moves a node to a terminal status. Only the caller that wins the
// conditional update advises the follow-up; every other caller is a no-op.
func (e *Engine) finalize(ctx context.Context, id string, result *domain.SyncResult) error {
	current, err := e.store.NodeExecutions.Get(ctx, id)
	if err != nil {
		return newStorageError(engineComponent, "failed to load node execution", err, domain.WithNodeExecutionID(id))
	}

	next := result.NextNodeID
	if next == "" && result.Status.IsPositive() {
		if node, err := e.store.PlanNodes.Get(ctx, current.PlanNodeID); err == nil {
			next = node.NextID
		}
	}
	advice := adviseFor(current, result.Status, next)

	now := e.now()
	exec, err := e.store.NodeExecutions.UpdateIf(ctx, id, func(n *domain.NodeExecution) bool {
		return !n.Status.IsFinal()
	}, func(n *domain.NodeExecution) error {
		outputs, err := domain.MergeOutputs(n.Outputs, result.Outputs)
		if err != nil {
			return err
		}
		n.Status = result.Status
		n.Outputs = outputs
		n.FailureInfo = result.Failure
		n.AdviserResponse = advice
		n.Deferred = false
		n.EndTs = now
		return nil
	})
	if err != nil {
		return newStorageError(engineComponent, "failed to finalize node execution", err, domain.WithNodeExecutionID(id))
	}
	if exec == nil {
		e.logger.Debug("node execution already final", "node_execution_id", id)
		return nil
	}

	e.metrics.NodeTransition(string(exec.Status))
	e.logger.Debug("node execution finalized",
		"node_execution_id", exec.ID,
		"status", exec.Status,
		"adviser", advice.Type)

	if exec.CorrelationID != "" {
		if err := e.waits.Cancel(ctx, exec.CorrelationID); err != nil {
			e.logger.Warn("failed to cancel wait", "node_execution_id", exec.ID, "error", err)
		}
	}

	if err := e.advise(ctx, exec); err != nil {
		e.logger.Error("adviser failed", append([]any{"node_execution_id", exec.ID}, errorLogAttrs(err)...)...)
	}
	e.recompute(ctx, exec.PlanExecutionID(), exec.ID)
	return nil
}

func adviseFor(exec *domain.NodeExecution, status domain.Status, next string) *domain.AdviserResponse {
	switch {
	case status.IsPositive() && next != "":
		return &domain.AdviserResponse{Type: domain.AdviserNextStep, NextNodeID: next}
	case exec.ParentID != "":
		return &domain.AdviserResponse{Type: domain.AdviserEndChain}
	default:
		return &domain.AdviserResponse{Type: domain.AdviserEndPlan}
	}
}

func (e *Engine) advise(ctx context.Context, exec *domain.NodeExecution) error {
	if exec.AdviserResponse == nil {
		return nil
	}

	switch exec.AdviserResponse.Type {
	case domain.AdviserNextStep:
		if err := e.spawnNext(ctx, exec, exec.AdviserResponse.NextNodeID); err != nil {
			e.logger.Error("failed to advance chain, ending it",
				append([]any{"node_execution_id", exec.ID}, errorLogAttrs(err)...)...)
			if exec.ParentID != "" {
				return e.OnChildFinalized(ctx, exec.ParentID, exec)
			}
			return e.finishPlan(ctx, exec.PlanExecutionID(), domain.StatusFailed)
		}
		return nil
	case domain.AdviserEndChain:
		return e.OnChildFinalized(ctx, exec.ParentID, exec)
	case domain.AdviserEndPlan:
		return e.finishPlan(ctx, exec.PlanExecutionID(), exec.Status)
	}
	return nil
}

// spawnNext queues the next node of a chain beside exec.
func (e *Engine) spawnNext(ctx context.Context, exec *domain.NodeExecution, nextNodeID string) error {
	node, err := e.store.PlanNodes.Get(ctx, nextNodeID)
	if err != nil {
		return newStorageError(engineComponent, "failed to load next plan node", err,
			domain.WithNodeExecutionID(exec.ID),
			domain.WithDetail("plan_node_id", nextNodeID))
	}

	now := e.now()
	id := uuid.NewString()
	next := &domain.NodeExecution{
		ID:         id,
		PlanNodeID: node.ID,
		StepType:   node.StepType,
		Identifier: node.Identifier,
		Ambiance:   exec.Ambiance.Sibling(levelFor(id, node, now, nil)),
		Status:     domain.StatusQueued,
		ParentID:   exec.ParentID,
		PreviousID: exec.ID,
		NotifyID:   exec.NotifyID,
		CreatedAt:  now,
	}
	if err := e.store.NodeExecutions.Insert(ctx, next); err != nil {
		return newStorageError(engineComponent, "failed to create next node execution", err,
			domain.WithNodeExecutionID(exec.ID))
	}
	e.enqueue(id)
	return nil
}

func (e *Engine) finishPlan(ctx context.Context, planExecutionID string, status domain.Status) error {
	now := e.now()
	plan, err := e.store.PlanExecutions.UpdateIf(ctx, planExecutionID, func(p *domain.PlanExecution) bool {
		return !p.Status.IsFinal()
	}, func(p *domain.PlanExecution) error {
		p.Status = status
		p.EndTs = now
		return nil
	})
	if err != nil {
		return newStorageError(engineComponent, "failed to finish plan execution", err,
			domain.WithPlanExecutionID(planExecutionID))
	}
	if plan != nil {
		e.logger.Info("plan execution finished", "plan_execution_id", planExecutionID, "status", status)
	}
	return nil
}

func (e *Engine) recompute(ctx context.Context, planExecutionID, exclude string) {
	if _, err := e.aggregator.Recompute(ctx, planExecutionID, exclude); err != nil {
		e.logger.Warn("plan status recompute failed",
			append([]any{"plan_execution_id", planExecutionID}, errorLogAttrs(err)...)...)
	}
}
