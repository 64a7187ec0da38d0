package delegate

import (
	"context"

	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/ports"
)

// TaskStep suspends a node on a remote task. Parameters:
//
//	task_type          required
//	payload            object handed to the worker
//	timeout            duration string or seconds
//	async              bool
//	force_execute      bool
//	preferred_workers  list of worker ids
type TaskStep struct {
	dispatcher *Dispatcher
}

func NewTaskStep(dispatcher *Dispatcher) *TaskStep {
	return &TaskStep{dispatcher: dispatcher}
}

func (s *TaskStep) Validate(_ context.Context, node *domain.PlanNode) error {
	if taskType, _ := node.Parameters["task_type"].(string); taskType == "" {
		return newValidationError(stepComponent, "task step requires a task_type parameter", domain.ErrInvalidInput,
			domain.WithDetail("plan_node_id", node.ID))
	}
	if _, err := domain.ParamDuration(node.Parameters["timeout"]); err != nil {
		return newValidationError(stepComponent, "task step timeout is invalid", err,
			domain.WithDetail("plan_node_id", node.ID))
	}
	return nil
}

func (s *TaskStep) Execute(ctx context.Context, sc ports.StepContext) (domain.StepResponse, error) {
	params := sc.Parameters()
	timeout, err := domain.ParamDuration(params["timeout"])
	if err != nil {
		return nil, newValidationError(stepComponent, "task step timeout is invalid", err,
			domain.WithNodeExecutionID(sc.Execution.ID))
	}

	payload, _ := params["payload"].(map[string]any)
	async, _ := params["async"].(bool)
	force, _ := params["force_execute"].(bool)
	taskType, _ := params["task_type"].(string)

	req := TaskRequest{
		PlanExecutionID:  sc.Execution.PlanExecutionID(),
		NodeExecutionID:  sc.Execution.ID,
		AccountID:        sc.Execution.Ambiance.AccountID,
		OrgID:            sc.Execution.Ambiance.OrgID,
		ProjectID:        sc.Execution.Ambiance.ProjectID,
		TaskType:         taskType,
		Payload:          payload,
		Timeout:          timeout,
		Async:            async,
		ForceExecute:     force,
		PreferredWorkers: domain.ParamStrings(params["preferred_workers"]),
	}

	task, err := s.dispatcher.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	return &domain.SuspendRequest{CorrelationID: task.WaitID}, nil
}

func (s *TaskStep) OnChildrenDone(_ context.Context, sc ports.StepContext, _ []*domain.NodeExecution) (*domain.SyncResult, error) {
	return nil, newValidationError(stepComponent, "task step has no children", nil,
		domain.WithNodeExecutionID(sc.Execution.ID))
}

func (s *TaskStep) OnResume(_ context.Context, _ ports.StepContext, result domain.NotifyResult) (*domain.SyncResult, error) {
	switch {
	case result.Succeeded():
		return &domain.SyncResult{Status: domain.StatusSucceeded, Outputs: result.Payload}, nil
	case result.Expired:
		return &domain.SyncResult{
			Status:  domain.StatusExpired,
			Failure: &domain.FailureInfo{Message: result.ErrorMessage, FailureTypes: []domain.FailureType{domain.FailureExpired}},
		}, nil
	default:
		types := result.FailureTypes
		if len(types) == 0 {
			types = []domain.FailureType{domain.FailureApplication}
		}
		return &domain.SyncResult{
			Status:  domain.StatusFailed,
			Outputs: result.Payload,
			Failure: &domain.FailureInfo{Message: result.ErrorMessage, FailureTypes: types},
		}, nil
	}
}

func (s *TaskStep) OnAbort(ctx context.Context, sc ports.StepContext) error {
	if sc.Execution.CorrelationID == "" {
		return nil
	}
	_, err := s.dispatcher.AbortByWaitID(ctx, sc.Execution.CorrelationID)
	return err
}

var (
	_ ports.Step      = (*TaskStep)(nil)
	_ ports.Abortable = (*TaskStep)(nil)
)
