package approval

import (
	"context"

	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/ports"
)

// Step suspends a node on an approval instance. Parameters:
//
//	message        text shown to approvers
//	minimum_count  approvals needed, defaults to the gate default
//	approvers      allowed actors, empty allows anyone
//	timeout        duration string or seconds
type Step struct {
	gate *Gate
}

func NewStep(gate *Gate) *Step {
	return &Step{gate: gate}
}

func (s *Step) Validate(_ context.Context, node *domain.PlanNode) error {
	count, err := domain.ParamInt(node.Parameters["minimum_count"])
	if err != nil || count < 0 {
		return newValidationError(stepComponent, "approval minimum_count must be a non-negative integer", err,
			domain.WithDetail("plan_node_id", node.ID))
	}
	if _, err := domain.ParamDuration(node.Parameters["timeout"]); err != nil {
		return newValidationError(stepComponent, "approval timeout is invalid", err,
			domain.WithDetail("plan_node_id", node.ID))
	}
	return nil
}

func (s *Step) Execute(ctx context.Context, sc ports.StepContext) (domain.StepResponse, error) {
	params := sc.Parameters()
	count, err := domain.ParamInt(params["minimum_count"])
	if err != nil {
		return nil, newValidationError(stepComponent, "approval minimum_count is invalid", err,
			domain.WithNodeExecutionID(sc.Execution.ID))
	}
	timeout, err := domain.ParamDuration(params["timeout"])
	if err != nil {
		return nil, newValidationError(stepComponent, "approval timeout is invalid", err,
			domain.WithNodeExecutionID(sc.Execution.ID))
	}
	message, _ := params["message"].(string)

	instance, err := s.gate.Create(ctx, CreateRequest{
		Execution:    sc.Execution,
		Message:      message,
		MinimumCount: count,
		Approvers:    domain.ParamStrings(params["approvers"]),
		Timeout:      timeout,
	})
	if err != nil {
		return nil, err
	}
	return &domain.SuspendRequest{CorrelationID: instance.ID}, nil
}

func (s *Step) OnChildrenDone(_ context.Context, sc ports.StepContext, _ []*domain.NodeExecution) (*domain.SyncResult, error) {
	return nil, newValidationError(stepComponent, "approval step has no children", nil,
		domain.WithNodeExecutionID(sc.Execution.ID))
}

func (s *Step) OnResume(_ context.Context, _ ports.StepContext, result domain.NotifyResult) (*domain.SyncResult, error) {
	status := resumedStatus(result)
	outputs := map[string]any{
		"approval_instance_id": result.Payload["approval_instance_id"],
		"approval_status":      string(status),
		"activities":           result.Payload["activities"],
	}

	out := &domain.SyncResult{Status: status.NodeStatus(), Outputs: outputs}
	switch status {
	case domain.ApprovalApproved:
	case domain.ApprovalRejected:
		out.Failure = &domain.FailureInfo{
			Message:      failureMessage(result, "Approval rejected"),
			FailureTypes: []domain.FailureType{domain.FailureApprovalRejected},
		}
	case domain.ApprovalExpired:
		out.Failure = &domain.FailureInfo{
			Message:      failureMessage(result, "Approval expired"),
			FailureTypes: []domain.FailureType{domain.FailureExpired},
		}
	default:
		out.Failure = &domain.FailureInfo{Message: failureMessage(result, "Approval aborted")}
	}
	return out, nil
}

func (s *Step) OnAbort(ctx context.Context, sc ports.StepContext) error {
	_, err := s.gate.AbortByNodeExecutionID(ctx, sc.Execution.ID)
	return err
}

func resumedStatus(result domain.NotifyResult) domain.ApprovalStatus {
	if raw, ok := result.Payload["status"].(string); ok {
		if status := domain.ApprovalStatus(raw); status.IsFinal() && status.NodeStatus() != domain.StatusWaiting {
			return status
		}
	}
	switch {
	case result.Expired:
		return domain.ApprovalExpired
	case result.Succeeded():
		return domain.ApprovalApproved
	default:
		return domain.ApprovalRejected
	}
}

func failureMessage(result domain.NotifyResult, fallback string) string {
	if result.ErrorMessage != "" {
		return result.ErrorMessage
	}
	return fallback
}

var (
	_ ports.Step      = (*Step)(nil)
	_ ports.Abortable = (*Step)(nil)
)
