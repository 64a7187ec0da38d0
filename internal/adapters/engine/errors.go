package engine

import "github.com/eleven-am/plexus/internal/domain"

const (
	engineComponent     = "engine.Engine"
	aggregatorComponent = "engine.Aggregator"
	retryComponent      = "engine.RetryManager"
	stepsComponent      = "engine.Steps"
)

func newWorkflowError(component, message string, cause error, opts ...domain.ErrorOption) *domain.DomainError {
	merged := []domain.ErrorOption{domain.WithComponent(component)}
	if len(opts) > 0 {
		merged = append(merged, opts...)
	}
	return domain.NewWorkflowError(message, cause, merged...)
}

func newValidationError(component, message string, cause error, opts ...domain.ErrorOption) *domain.DomainError {
	merged := []domain.ErrorOption{domain.WithComponent(component)}
	if len(opts) > 0 {
		merged = append(merged, opts...)
	}
	return domain.NewValidationError(message, cause, merged...)
}

func newStorageError(component, message string, cause error, opts ...domain.ErrorOption) *domain.DomainError {
	merged := []domain.ErrorOption{domain.WithComponent(component)}
	if len(opts) > 0 {
		merged = append(merged, opts...)
	}
	return domain.NewStorageError(message, cause, merged...)
}

func errorLogAttrs(err error) []any {
	if err == nil {
		return nil
	}

	attrs := []any{
		"error", err,
		"error_category", string(domain.GetErrorCategory(err)),
		"error_severity", string(domain.GetErrorSeverity(err)),
		"error_retryable", domain.IsRetryableError(err),
		"error_user_facing", domain.IsUserFacingError(err),
	}

	if ctx := domain.GetErrorContext(err); ctx != nil {
		if ctx.Component != "" {
			attrs = append(attrs, "error_component", ctx.Component)
		}
		if ctx.Operation != "" {
			attrs = append(attrs, "error_operation", ctx.Operation)
		}
		if ctx.PlanExecutionID != "" {
			attrs = append(attrs, "plan_execution_id", ctx.PlanExecutionID)
		}
		if ctx.NodeExecutionID != "" {
			attrs = append(attrs, "node_execution_id", ctx.NodeExecutionID)
		}
		if len(ctx.Details) > 0 {
			attrs = append(attrs, "error_details", ctx.Details)
		}
	}

	return attrs
}

// failureFromError converts a step error into the failure info stored on the node.
func failureFromError(err error) *domain.FailureInfo {
	var panicErr *domain.PanicError
	switch {
	case asPanic(err, &panicErr):
		return &domain.FailureInfo{
			Message:      panicErr.Error(),
			FailureTypes: []domain.FailureType{domain.FailurePanic},
			Code:         "STEP_PANIC",
		}
	case domain.IsValidationError(err):
		info := &domain.FailureInfo{
			Message:      err.Error(),
			FailureTypes: []domain.FailureType{domain.FailureValidation},
		}
		var de *domain.DomainError
		if asDomain(err, &de) {
			info.Code = de.Code
		}
		return info
	default:
		return &domain.FailureInfo{
			Message:      err.Error(),
			FailureTypes: []domain.FailureType{domain.FailureApplication},
		}
	}
}
