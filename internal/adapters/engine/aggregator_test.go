package engine

import (
	"context"
	"testing"

	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		statuses []domain.Status
		want     domain.Status
	}{
		{"empty", nil, domain.StatusRunning},
		{"queued wins", []domain.Status{domain.StatusFailed, domain.StatusQueued}, domain.StatusRunning},
		{"running wins over waiting", []domain.Status{domain.StatusWaiting, domain.StatusRunning}, domain.StatusRunning},
		{"waiting", []domain.Status{domain.StatusSucceeded, domain.StatusWaiting}, domain.StatusWaiting},
		{"aborted over failed", []domain.Status{domain.StatusFailed, domain.StatusAborted}, domain.StatusAborted},
		{"failed over expired", []domain.Status{domain.StatusExpired, domain.StatusFailed}, domain.StatusFailed},
		{"expired", []domain.Status{domain.StatusSucceeded, domain.StatusExpired}, domain.StatusExpired},
		{"skipped counts as success", []domain.Status{domain.StatusSucceeded, domain.StatusSkipped}, domain.StatusSucceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Aggregate(tt.statuses))
		})
	}
}

func seedPlan(t *testing.T, agg *Aggregator, status domain.Status, nodes map[string]domain.Status) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, agg.store.PlanExecutions.Save(ctx, &domain.PlanExecution{ID: "pe", Status: status}))
	for id, nodeStatus := range nodes {
		require.NoError(t, agg.store.NodeExecutions.Save(ctx, &domain.NodeExecution{
			ID:       id,
			Status:   nodeStatus,
			Ambiance: domain.Ambiance{PlanExecutionID: "pe"},
		}))
	}
}

func TestRecomputeExcludesFinalizedNode(t *testing.T) {
	agg := NewAggregator(testutil.NewStore(t), testutil.Logger())
	ctx := context.Background()
	seedPlan(t, agg, domain.StatusRunning, map[string]domain.Status{
		"approval": domain.StatusRunning,
		"other":    domain.StatusWaiting,
	})

	status, err := agg.Recompute(ctx, "pe", "approval")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaiting, status)

	plan, err := agg.store.PlanExecutions.Get(ctx, "pe")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaiting, plan.Status)
}

func TestRecomputeIgnoresSupersededAttempts(t *testing.T) {
	agg := NewAggregator(testutil.NewStore(t), testutil.Logger())
	ctx := context.Background()
	seedPlan(t, agg, domain.StatusRunning, map[string]domain.Status{"live": domain.StatusSucceeded})
	require.NoError(t, agg.store.NodeExecutions.Save(ctx, &domain.NodeExecution{
		ID:       "old",
		Status:   domain.StatusFailed,
		OldRetry: true,
		Ambiance: domain.Ambiance{PlanExecutionID: "pe"},
	}))

	status, err := agg.Compute(ctx, "pe", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, status)
}

func TestRecomputeNeverTouchesFinalPlan(t *testing.T) {
	agg := NewAggregator(testutil.NewStore(t), testutil.Logger())
	ctx := context.Background()
	seedPlan(t, agg, domain.StatusSucceeded, map[string]domain.Status{"n": domain.StatusRunning})

	status, err := agg.Recompute(ctx, "pe", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, status)

	plan, err := agg.store.PlanExecutions.Get(ctx, "pe")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, plan.Status)
}

func TestRecomputeLeavesFinalResultToAdviser(t *testing.T) {
	agg := NewAggregator(testutil.NewStore(t), testutil.Logger())
	ctx := context.Background()
	seedPlan(t, agg, domain.StatusRunning, map[string]domain.Status{"n": domain.StatusFailed})

	status, err := agg.Recompute(ctx, "pe", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, status)

	plan, err := agg.store.PlanExecutions.Get(ctx, "pe")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, plan.Status)
	assert.Equal(t, int64(1), plan.Version)
}
