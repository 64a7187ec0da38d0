package engine

import (
	"context"
	"testing"

	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/ports"
	"github.com/eleven-am/plexus/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIterationsMatrixIsDeterministic(t *testing.T) {
	cfg := &domain.StrategyConfig{Matrix: map[string][]any{
		"region": {"eu", "us"},
		"arch":   {"amd64", "arm64"},
	}}

	combos := Iterations(cfg)
	require.Len(t, combos, 4)
	assert.Equal(t, map[string]any{"arch": "amd64", "region": "eu"}, combos[0])
	assert.Equal(t, map[string]any{"arch": "amd64", "region": "us"}, combos[1])
	assert.Equal(t, map[string]any{"arch": "arm64", "region": "eu"}, combos[2])
	assert.Equal(t, map[string]any{"arch": "arm64", "region": "us"}, combos[3])
	assert.Equal(t, combos, Iterations(cfg))
}

func TestIterationsRepeatAndItems(t *testing.T) {
	assert.Len(t, Iterations(&domain.StrategyConfig{Repeat: 3}), 3)

	items := Iterations(&domain.StrategyConfig{Items: []any{"a", "b"}})
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[1]["item"])
	assert.Equal(t, 1, items[1]["index"])

	assert.Empty(t, Iterations(&domain.StrategyConfig{}))
}

func TestStrategyValidate(t *testing.T) {
	step := NewStrategyStep(nil)
	ctx := context.Background()

	assert.Error(t, step.Validate(ctx, &domain.PlanNode{ID: "s"}))
	assert.Error(t, step.Validate(ctx, &domain.PlanNode{ID: "s", Strategy: &domain.StrategyConfig{Repeat: 2}}))
	assert.Error(t, step.Validate(ctx, &domain.PlanNode{ID: "s", Strategy: &domain.StrategyConfig{
		Repeat: 2, Items: []any{1}, ChildNodeID: "c",
	}}))
	assert.NoError(t, step.Validate(ctx, &domain.PlanNode{ID: "s", Strategy: &domain.StrategyConfig{
		Matrix: map[string][]any{"a": {1}}, ChildNodeID: "c",
	}}))
}

func TestStrategyExecuteCreatesIterationNodes(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	require.NoError(t, store.PlanNodes.Save(ctx, &domain.PlanNode{
		ID:         "deploy",
		StepType:   "task",
		Parameters: map[string]any{"replicas": 2, "region": "default"},
	}))

	step := NewStrategyStep(store)
	sc := ports.StepContext{
		Execution: &domain.NodeExecution{ID: "exec-1"},
		PlanNode: &domain.PlanNode{ID: "matrix", Strategy: &domain.StrategyConfig{
			Matrix:         map[string][]any{"region": {"eu", "us"}},
			MaxConcurrency: 1,
			ChildNodeID:    "deploy",
		}},
	}

	resp, err := step.Execute(ctx, sc)
	require.NoError(t, err)
	req, ok := resp.(*domain.ChildrenRequest)
	require.True(t, ok)
	assert.Equal(t, 1, req.MaxConcurrency)
	require.Len(t, req.Children, 2)

	first, err := store.PlanNodes.Get(ctx, req.Children[0].PlanNodeID)
	require.NoError(t, err)
	assert.Equal(t, "deploy", first.TemplateID)
	assert.Equal(t, "deploy", first.LogicalID())
	assert.Equal(t, "eu", first.Parameters["region"])
	assert.EqualValues(t, 2, first.Parameters["replicas"])
	assert.Equal(t, 2, req.Children[0].StrategyMetadata.TotalCount)

	again, err := step.Execute(ctx, sc)
	require.NoError(t, err)
	assert.Equal(t, req.Children[1].PlanNodeID, again.(*domain.ChildrenRequest).Children[1].PlanNodeID)
}

func TestRollUp(t *testing.T) {
	ok := &domain.NodeExecution{Status: domain.StatusSucceeded}
	skipped := &domain.NodeExecution{Status: domain.StatusSkipped}
	failed := &domain.NodeExecution{Status: domain.StatusFailed}
	expired := &domain.NodeExecution{Status: domain.StatusExpired}

	assert.Equal(t, domain.StatusSucceeded, RollUp(nil).Status)
	assert.Equal(t, domain.StatusSucceeded, RollUp([]*domain.NodeExecution{ok, skipped}).Status)

	result := RollUp([]*domain.NodeExecution{ok, expired, failed})
	assert.Equal(t, domain.StatusFailed, result.Status)
	require.NotNil(t, result.Failure)
	assert.Equal(t, "2 of 3 children did not succeed", result.Failure.Message)
}
