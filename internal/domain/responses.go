package domain

// StepResponse is what a step returns from Execute. The concrete types are
// *SyncResult, *ChildRequest, *ChildrenRequest and *SuspendRequest.
type StepResponse interface {
	Kind() ResponseKind
}

// SyncResult finalizes a node immediately.
type SyncResult struct {
	Status  Status
	Outputs map[string]any
	Failure *FailureInfo
	// NextNodeID overrides the plan node's NextID when the node succeeds.
	NextNodeID string
}

func (*SyncResult) Kind() ResponseKind { return ResponseSync }

// ChildSpec describes one child execution to create.
type ChildSpec struct {
	PlanNodeID       string
	Parameters       map[string]any
	StrategyMetadata *StrategyMetadata
}

// ChildRequest runs a single child chain and resumes the parent when the chain ends.
type ChildRequest struct {
	Child ChildSpec
}

func (*ChildRequest) Kind() ResponseKind { return ResponseChild }

// ChildrenRequest fans out to every child. MaxConcurrency of 0 means unlimited.
type ChildrenRequest struct {
	Children       []ChildSpec
	MaxConcurrency int
}

func (*ChildrenRequest) Kind() ResponseKind { return ResponseChildren }

// SuspendRequest parks the node until CorrelationID is delivered.
type SuspendRequest struct {
	CorrelationID string
}

func (*SuspendRequest) Kind() ResponseKind { return ResponseAsync }
