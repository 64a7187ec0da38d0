package domain

import "time"

// InterruptType names an interrupt applied to a node execution.
type InterruptType string

const (
	InterruptAbort  InterruptType = "ABORT"
	InterruptRetry  InterruptType = "RETRY"
	InterruptExpire InterruptType = "EXPIRE"
)

// InterruptEffect records one interrupt that took effect on a node execution.
// RetryID is set for retry interrupts and names the attempt that was superseded.
type InterruptEffect struct {
	InterruptID  string        `json:"interrupt_id"`
	Type         InterruptType `json:"type"`
	TookEffectAt time.Time     `json:"took_effect_at"`
	RetryID      string        `json:"retry_id,omitempty"`
}

// FailureType classifies a failure for the step that observes it.
type FailureType string

const (
	FailureApplication          FailureType = "APPLICATION"
	FailurePanic                FailureType = "PANIC"
	FailureExpired              FailureType = "EXPIRED"
	FailureDelegateProvisioning FailureType = "DELEGATE_PROVISIONING"
	FailureApprovalRejected     FailureType = "APPROVAL_REJECTED"
	FailureValidation           FailureType = "VALIDATION"
	FailureChildren             FailureType = "CHILDREN"
)

type FailureInfo struct {
	Message      string        `json:"message"`
	FailureTypes []FailureType `json:"failure_types,omitempty"`
	Code         string        `json:"code,omitempty"`
}

// AdviserType is the follow-up decided for a finalized node.
type AdviserType string

const (
	AdviserNextStep   AdviserType = "NEXT_STEP"
	AdviserEndChain   AdviserType = "END_CHAIN"
	AdviserEndPlan    AdviserType = "END_PLAN"
	AdviserNoFollowUp AdviserType = "NONE"
)

type AdviserResponse struct {
	Type       AdviserType `json:"type"`
	NextNodeID string      `json:"next_node_id,omitempty"`
}

// ResponseKind distinguishes the executable responses a step can produce.
type ResponseKind string

const (
	ResponseSync     ResponseKind = "SYNC"
	ResponseChild    ResponseKind = "CHILD"
	ResponseChildren ResponseKind = "CHILDREN"
	ResponseAsync    ResponseKind = "ASYNC"
)

// ExecutableResponse is the persisted trace of what a step returned.
type ExecutableResponse struct {
	Kind           ResponseKind `json:"kind"`
	MaxConcurrency int          `json:"max_concurrency,omitempty"`
	ChildNodeIDs   []string     `json:"child_node_ids,omitempty"`
	CorrelationID  string       `json:"correlation_id,omitempty"`
	RecordedAt     time.Time    `json:"recorded_at"`
}

// ChildResult is the terminal outcome of one child slot.
type ChildResult struct {
	ExecutionID string `json:"execution_id"`
	Status      Status `json:"status"`
}

// ChildrenState tracks the outstanding children of a node suspended on a children response.
// Slots are keyed by the notify id shared by every attempt and chain member of a child.
type ChildrenState struct {
	Slots          []string               `json:"slots"`
	Finished       map[string]ChildResult `json:"finished"`
	Deferred       []string               `json:"deferred,omitempty"`
	MaxConcurrency int                    `json:"max_concurrency,omitempty"`
	Completed      bool                   `json:"completed"`
}

func (c *ChildrenState) Outstanding() int {
	return len(c.Slots) - len(c.Finished)
}

// NodeExecution is a mutable runtime record of one attempt to run a plan node.
type NodeExecution struct {
	ID                      string               `json:"id"`
	PlanNodeID              string               `json:"plan_node_id"`
	StepType                string               `json:"step_type"`
	Identifier              string               `json:"identifier"`
	Ambiance                Ambiance             `json:"ambiance"`
	Status                  Status               `json:"status"`
	ParentID                string               `json:"parent_id,omitempty"`
	PreviousID              string               `json:"previous_id,omitempty"`
	NotifyID                string               `json:"notify_id,omitempty"`
	RetryIDs                []string             `json:"retry_ids,omitempty"`
	OldRetry                bool                 `json:"old_retry"`
	OriginalNodeExecutionID string               `json:"original_node_execution_id,omitempty"`
	Deferred                bool                 `json:"deferred,omitempty"`
	CorrelationID           string               `json:"correlation_id,omitempty"`
	CreatedAt               time.Time            `json:"created_at"`
	StartTs                 time.Time            `json:"start_ts,omitempty"`
	EndTs                   time.Time            `json:"end_ts,omitempty"`
	AdviserResponse         *AdviserResponse     `json:"adviser_response,omitempty"`
	FailureInfo             *FailureInfo         `json:"failure_info,omitempty"`
	InterruptHistory        []InterruptEffect    `json:"interrupt_history,omitempty"`
	ResolvedParameters      map[string]any       `json:"resolved_parameters,omitempty"`
	Outputs                 map[string]any       `json:"outputs,omitempty"`
	ExecutableResponses     []ExecutableResponse `json:"executable_responses,omitempty"`
	Children                *ChildrenState       `json:"children,omitempty"`
	Version                 int64                `json:"version"`
}

func (n *NodeExecution) PlanExecutionID() string {
	return n.Ambiance.PlanExecutionID
}

// LastResponse returns the most recently recorded executable response.
func (n *NodeExecution) LastResponse() (ExecutableResponse, bool) {
	if len(n.ExecutableResponses) == 0 {
		return ExecutableResponse{}, false
	}
	return n.ExecutableResponses[len(n.ExecutableResponses)-1], true
}

// RetryInterrupts returns the interrupt effects that carry a retry correlation id.
func (n *NodeExecution) RetryInterrupts() []InterruptEffect {
	var out []InterruptEffect
	for _, effect := range n.InterruptHistory {
		if effect.Type == InterruptRetry && effect.RetryID != "" {
			out = append(out, effect)
		}
	}
	return out
}
