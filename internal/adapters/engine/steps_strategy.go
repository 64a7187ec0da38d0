package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/eleven-am/plexus/internal/adapters/storage"
	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/ports"
	"github.com/google/uuid"
)

var strategyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("plexus/strategy-iteration"))

// StrategyStep fans one plan node out into an iteration per matrix combination,
// repeat index or item.
type StrategyStep struct {
	store *storage.Store
}

func NewStrategyStep(store *storage.Store) *StrategyStep {
	return &StrategyStep{store: store}
}

func (s *StrategyStep) Validate(_ context.Context, node *domain.PlanNode) error {
	cfg := node.Strategy
	if cfg == nil {
		return newValidationError(stepsComponent, "strategy configuration is required", nil,
			domain.WithDetail("plan_node_id", node.ID))
	}
	if cfg.ChildNodeID == "" {
		return newValidationError(stepsComponent, "strategy child node is required", nil,
			domain.WithDetail("plan_node_id", node.ID))
	}

	modes := 0
	if len(cfg.Matrix) > 0 {
		modes++
	}
	if cfg.Repeat > 0 {
		modes++
	}
	if len(cfg.Items) > 0 {
		modes++
	}
	if modes > 1 {
		return newValidationError(stepsComponent, "strategy must use one of matrix, repeat or items", nil,
			domain.WithDetail("plan_node_id", node.ID))
	}
	if cfg.MaxConcurrency < 0 {
		return newValidationError(stepsComponent, "strategy max concurrency must not be negative", nil,
			domain.WithDetail("plan_node_id", node.ID))
	}
	return nil
}

func (s *StrategyStep) Execute(ctx context.Context, sc ports.StepContext) (domain.StepResponse, error) {
	cfg := sc.PlanNode.Strategy
	if cfg == nil {
		return nil, newValidationError(stepsComponent, "strategy configuration is required", nil,
			domain.WithNodeExecutionID(sc.Execution.ID))
	}

	template, err := s.store.PlanNodes.Get(ctx, cfg.ChildNodeID)
	if err != nil {
		return nil, newStorageError(stepsComponent, "failed to load strategy child node", err,
			domain.WithNodeExecutionID(sc.Execution.ID),
			domain.WithDetail("plan_node_id", cfg.ChildNodeID))
	}

	combos := Iterations(cfg)
	instances := make([]*domain.PlanNode, 0, len(combos))
	specs := make([]domain.ChildSpec, 0, len(combos))

	for i, combo := range combos {
		params, err := domain.MergeOutputs(template.Parameters, combo)
		if err != nil {
			return nil, newValidationError(stepsComponent, "failed to merge iteration parameters", err,
				domain.WithNodeExecutionID(sc.Execution.ID))
		}

		instance := *template
		instance.ID = uuid.NewSHA1(strategyNamespace, []byte(fmt.Sprintf("%s/%d", sc.Execution.ID, i))).String()
		instance.TemplateID = template.ID
		instance.Parameters = params
		instances = append(instances, &instance)

		specs = append(specs, domain.ChildSpec{
			PlanNodeID: instance.ID,
			Parameters: params,
			StrategyMetadata: &domain.StrategyMetadata{
				Iteration:  i,
				TotalCount: len(combos),
				Values:     combo,
			},
		})
	}

	if len(instances) > 0 {
		if err := s.store.PlanNodes.SaveAll(ctx, instances); err != nil {
			return nil, newStorageError(stepsComponent, "failed to save iteration plan nodes", err,
				domain.WithNodeExecutionID(sc.Execution.ID))
		}
	}

	return &domain.ChildrenRequest{Children: specs, MaxConcurrency: cfg.MaxConcurrency}, nil
}

func (s *StrategyStep) OnChildrenDone(_ context.Context, _ ports.StepContext, children []*domain.NodeExecution) (*domain.SyncResult, error) {
	return RollUp(children), nil
}

func (s *StrategyStep) OnResume(_ context.Context, sc ports.StepContext, _ domain.NotifyResult) (*domain.SyncResult, error) {
	return nil, newValidationError(stepsComponent, "strategy step does not suspend", nil,
		domain.WithNodeExecutionID(sc.Execution.ID))
}

// Iterations expands a strategy into one parameter set per iteration. Matrix
// keys are walked in sorted order so the expansion is deterministic.
func Iterations(cfg *domain.StrategyConfig) []map[string]any {
	switch {
	case len(cfg.Matrix) > 0:
		keys := make([]string, 0, len(cfg.Matrix))
		for key := range cfg.Matrix {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		combos := []map[string]any{{}}
		for _, key := range keys {
			var expanded []map[string]any
			for _, combo := range combos {
				for _, value := range cfg.Matrix[key] {
					next := make(map[string]any, len(combo)+1)
					for k, v := range combo {
						next[k] = v
					}
					next[key] = value
					expanded = append(expanded, next)
				}
			}
			combos = expanded
		}
		return combos
	case cfg.Repeat > 0:
		combos := make([]map[string]any, 0, cfg.Repeat)
		for i := 0; i < cfg.Repeat; i++ {
			combos = append(combos, map[string]any{"iteration": i})
		}
		return combos
	case len(cfg.Items) > 0:
		combos := make([]map[string]any, 0, len(cfg.Items))
		for i, item := range cfg.Items {
			combos = append(combos, map[string]any{"item": item, "index": i})
		}
		return combos
	default:
		return nil
	}
}

// SectionStep runs its first child plan node as a chain and rolls up the outcome.
type SectionStep struct{}

func NewSectionStep() *SectionStep {
	return &SectionStep{}
}

func (s *SectionStep) Validate(context.Context, *domain.PlanNode) error {
	return nil
}

func (s *SectionStep) Execute(_ context.Context, sc ports.StepContext) (domain.StepResponse, error) {
	if len(sc.PlanNode.ChildIDs) == 0 {
		return &domain.SyncResult{Status: domain.StatusSucceeded}, nil
	}
	return &domain.ChildRequest{Child: domain.ChildSpec{PlanNodeID: sc.PlanNode.ChildIDs[0]}}, nil
}

func (s *SectionStep) OnChildrenDone(_ context.Context, _ ports.StepContext, children []*domain.NodeExecution) (*domain.SyncResult, error) {
	return RollUp(children), nil
}

func (s *SectionStep) OnResume(_ context.Context, sc ports.StepContext, _ domain.NotifyResult) (*domain.SyncResult, error) {
	return nil, newValidationError(stepsComponent, "section step does not suspend", nil,
		domain.WithNodeExecutionID(sc.Execution.ID))
}

// RollUp is the default children policy: the parent succeeds only when every
// child ended positively, otherwise it takes the worst child outcome.
func RollUp(children []*domain.NodeExecution) *domain.SyncResult {
	statuses := make([]domain.Status, 0, len(children))
	failed := 0
	for _, child := range children {
		statuses = append(statuses, child.Status)
		if !child.Status.IsPositive() {
			failed++
		}
	}

	status := Aggregate(statuses)
	if len(children) == 0 {
		status = domain.StatusSucceeded
	}
	if !status.IsFinal() {
		status = domain.StatusFailed
	}

	result := &domain.SyncResult{Status: status}
	if failed > 0 {
		result.Failure = &domain.FailureInfo{
			Message:      fmt.Sprintf("%d of %d children did not succeed", failed, len(children)),
			FailureTypes: []domain.FailureType{domain.FailureChildren},
		}
	}
	return result
}
