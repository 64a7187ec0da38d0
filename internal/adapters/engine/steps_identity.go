package engine

import (
	"context"
	"sort"

	"github.com/eleven-am/plexus/internal/adapters/storage"
	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/ports"
	"github.com/google/uuid"
)

var identityNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("plexus/identity"))

// IdentityPlanNodeID is the id of the identity plan node replaying originalExecutionID.
// It is derived from the original id, so synthesizing it twice yields one node.
func IdentityPlanNodeID(originalExecutionID string) string {
	return uuid.NewSHA1(identityNamespace, []byte(originalExecutionID)).String()
}

// IdentityStep replays a finished execution: it copies the original status and
// outputs and clones its retry history instead of running the work again.
type IdentityStep struct {
	store   *storage.Store
	retries *RetryManager
}

func NewIdentityStep(store *storage.Store, retries *RetryManager) *IdentityStep {
	return &IdentityStep{store: store, retries: retries}
}

func (s *IdentityStep) Validate(_ context.Context, node *domain.PlanNode) error {
	return validateIdentityNode(node)
}

func (s *IdentityStep) Execute(ctx context.Context, sc ports.StepContext) (domain.StepResponse, error) {
	original, err := loadOriginal(ctx, s.store, sc)
	if err != nil {
		return nil, err
	}
	if !original.Status.IsFinal() {
		return nil, newValidationError(stepsComponent, "original node execution is not final", nil,
			domain.WithNodeExecutionID(sc.Execution.ID),
			domain.WithDetail("original_node_execution_id", original.ID))
	}

	if _, _, err := s.retries.CopyRetriedNodes(ctx, sc.Execution, original); err != nil {
		return nil, err
	}

	next, err := successorNode(ctx, s.store, sc.Plan, original)
	if err != nil {
		return nil, err
	}

	return &domain.SyncResult{
		Status:     original.Status,
		Outputs:    domain.CloneMap(original.Outputs),
		Failure:    original.FailureInfo,
		NextNodeID: next,
	}, nil
}

func (s *IdentityStep) OnChildrenDone(_ context.Context, sc ports.StepContext, _ []*domain.NodeExecution) (*domain.SyncResult, error) {
	return nil, newValidationError(stepsComponent, "identity step has no children", nil,
		domain.WithNodeExecutionID(sc.Execution.ID))
}

func (s *IdentityStep) OnResume(_ context.Context, sc ports.StepContext, _ domain.NotifyResult) (*domain.SyncResult, error) {
	return nil, newValidationError(stepsComponent, "identity step does not suspend", nil,
		domain.WithNodeExecutionID(sc.Execution.ID))
}

// IdentityStrategyStep replays a node that fanned out. Each original child is
// replaced by exactly one child reference, reusing or synthesizing identity
// nodes, and the children outcome is rolled up again.
type IdentityStrategyStep struct {
	store *storage.Store
}

func NewIdentityStrategyStep(store *storage.Store) *IdentityStrategyStep {
	return &IdentityStrategyStep{store: store}
}

func (s *IdentityStrategyStep) Validate(_ context.Context, node *domain.PlanNode) error {
	return validateIdentityNode(node)
}

func (s *IdentityStrategyStep) Execute(ctx context.Context, sc ports.StepContext) (domain.StepResponse, error) {
	original, err := loadOriginal(ctx, s.store, sc)
	if err != nil {
		return nil, err
	}

	children, err := liveChildren(ctx, s.store, original.ID)
	if err != nil {
		return nil, err
	}

	if lastFanOutKind(original) == domain.ResponseChild {
		if len(children) == 0 {
			return replayedResult(original), nil
		}
		head := children[0]
		nodeID, err := replayPlanNode(ctx, s.store, sc.Plan, head)
		if err != nil {
			return nil, err
		}
		return &domain.ChildRequest{Child: domain.ChildSpec{
			PlanNodeID: nodeID,
			Parameters: domain.CloneMap(head.ResolvedParameters),
		}}, nil
	}

	specs := make([]domain.ChildSpec, 0, len(children))
	seen := make(map[string]struct{}, len(children))
	for _, child := range children {
		if child.PreviousID != "" {
			continue
		}
		if _, dup := seen[child.ID]; dup {
			continue
		}
		seen[child.ID] = struct{}{}

		nodeID, err := replayPlanNode(ctx, s.store, sc.Plan, child)
		if err != nil {
			return nil, err
		}
		spec := domain.ChildSpec{
			PlanNodeID: nodeID,
			Parameters: domain.CloneMap(child.ResolvedParameters),
		}
		if level, ok := child.Ambiance.CurrentLevel(); ok && level.StrategyMetadata != nil {
			metadata := *level.StrategyMetadata
			spec.StrategyMetadata = &metadata
		}
		specs = append(specs, spec)
	}

	return &domain.ChildrenRequest{
		Children:       specs,
		MaxConcurrency: ReplayMaxConcurrency(append([]*domain.NodeExecution{original}, children...)),
	}, nil
}

func (s *IdentityStrategyStep) OnChildrenDone(ctx context.Context, sc ports.StepContext, children []*domain.NodeExecution) (*domain.SyncResult, error) {
	original, err := loadOriginal(ctx, s.store, sc)
	if err != nil {
		return nil, err
	}

	result := replayedResult(original)
	if len(children) > 0 {
		result = RollUp(children)
		result.Outputs = domain.CloneMap(original.Outputs)
	}

	next, err := successorNode(ctx, s.store, sc.Plan, original)
	if err != nil {
		return nil, err
	}
	result.NextNodeID = next
	return result, nil
}

func (s *IdentityStrategyStep) OnResume(_ context.Context, sc ports.StepContext, _ domain.NotifyResult) (*domain.SyncResult, error) {
	return nil, newValidationError(stepsComponent, "identity strategy step does not suspend", nil,
		domain.WithNodeExecutionID(sc.Execution.ID))
}

// ReplayMaxConcurrency returns the concurrency cap of the most recently recorded
// CHILDREN response with a positive cap across records, in order. Zero means unlimited.
func ReplayMaxConcurrency(records []*domain.NodeExecution) int {
	maxConcurrency := 0
	for _, record := range records {
		for _, resp := range record.ExecutableResponses {
			if resp.Kind == domain.ResponseChildren && resp.MaxConcurrency > 0 {
				maxConcurrency = resp.MaxConcurrency
			}
		}
	}
	return maxConcurrency
}

func validateIdentityNode(node *domain.PlanNode) error {
	if !node.IsIdentity() || node.OriginalNodeExecutionID == "" {
		return newValidationError(stepsComponent, "identity node requires an original node execution", nil,
			domain.WithDetail("plan_node_id", node.ID))
	}
	return nil
}

func loadOriginal(ctx context.Context, store *storage.Store, sc ports.StepContext) (*domain.NodeExecution, error) {
	original, err := store.NodeExecutions.Get(ctx, sc.PlanNode.OriginalNodeExecutionID)
	if err != nil {
		return nil, newStorageError(stepsComponent, "failed to load original node execution", err,
			domain.WithNodeExecutionID(sc.Execution.ID),
			domain.WithDetail("original_node_execution_id", sc.PlanNode.OriginalNodeExecutionID))
	}
	return original, nil
}

func replayedResult(original *domain.NodeExecution) *domain.SyncResult {
	return &domain.SyncResult{
		Status:  original.Status,
		Outputs: domain.CloneMap(original.Outputs),
		Failure: original.FailureInfo,
	}
}

// liveChildren returns the non-superseded children of parentID, oldest first.
func liveChildren(ctx context.Context, store *storage.Store, parentID string) ([]*domain.NodeExecution, error) {
	all, err := store.NodeExecutions.FindBy(ctx, domain.IndexParent, parentID)
	if err != nil {
		return nil, newStorageError(stepsComponent, "failed to load original children", err,
			domain.WithNodeExecutionID(parentID))
	}
	children := make([]*domain.NodeExecution, 0, len(all))
	for _, child := range all {
		if !child.OldRetry {
			children = append(children, child)
		}
	}
	sort.SliceStable(children, func(i, j int) bool {
		return children[i].CreatedAt.Before(children[j].CreatedAt)
	})
	return children, nil
}

func lastFanOutKind(exec *domain.NodeExecution) domain.ResponseKind {
	for i := len(exec.ExecutableResponses) - 1; i >= 0; i-- {
		kind := exec.ExecutableResponses[i].Kind
		if kind == domain.ResponseChild || kind == domain.ResponseChildren {
			return kind
		}
	}
	return ""
}

// replayPlanNode picks the plan node a replay runs in place of original: the
// real node when it was selected for rerun or did not end positively, an
// existing identity node as-is, or a synthesized identity node otherwise.
func replayPlanNode(ctx context.Context, store *storage.Store, plan *domain.PlanExecution, original *domain.NodeExecution) (string, error) {
	node, err := store.PlanNodes.Get(ctx, original.PlanNodeID)
	if err != nil {
		return "", newStorageError(stepsComponent, "failed to load original plan node", err,
			domain.WithNodeExecutionID(original.ID),
			domain.WithDetail("plan_node_id", original.PlanNodeID))
	}

	switch {
	case plan != nil && plan.ShouldRerun(node.LogicalID()):
		return node.RealID(), nil
	case node.IsIdentity():
		return node.ID, nil
	case lastFanOutKind(original) != "":
		return ensureIdentityNode(ctx, store, original, node, domain.StepTypeIdentityStrategy)
	case original.Status.IsPositive():
		return ensureIdentityNode(ctx, store, original, node, domain.StepTypeIdentity)
	default:
		return node.RealID(), nil
	}
}

func ensureIdentityNode(ctx context.Context, store *storage.Store, original *domain.NodeExecution, source *domain.PlanNode, stepType string) (string, error) {
	id := IdentityPlanNodeID(original.ID)
	_, err := store.PlanNodes.Upsert(ctx, id, func(current *domain.PlanNode) (*domain.PlanNode, error) {
		if current != nil {
			return nil, nil
		}
		return &domain.PlanNode{
			ID:                      id,
			PlanID:                  source.PlanID,
			Kind:                    domain.PlanNodeKindIdentity,
			StepType:                stepType,
			Identifier:              source.Identifier,
			Name:                    source.Name,
			SkipGraphType:           source.SkipGraphType,
			TemplateID:              source.TemplateID,
			OriginalNodeExecutionID: original.ID,
			SourcePlanNodeID:        source.ID,
		}, nil
	})
	if err != nil {
		return "", newStorageError(stepsComponent, "failed to save identity plan node", err,
			domain.WithNodeExecutionID(original.ID))
	}
	return id, nil
}

// successorNode resolves where a replayed chain continues after original.
func successorNode(ctx context.Context, store *storage.Store, plan *domain.PlanExecution, original *domain.NodeExecution) (string, error) {
	candidates, err := store.NodeExecutions.FindBy(ctx, domain.IndexPrevious, original.ID)
	if err != nil {
		return "", newStorageError(stepsComponent, "failed to load chain successor", err,
			domain.WithNodeExecutionID(original.ID))
	}

	var next *domain.NodeExecution
	for _, candidate := range candidates {
		if candidate.OldRetry {
			continue
		}
		if next == nil || candidate.CreatedAt.Before(next.CreatedAt) {
			next = candidate
		}
	}
	if next == nil {
		return "", nil
	}
	return replayPlanNode(ctx, store, plan, next)
}
