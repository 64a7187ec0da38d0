package engine

import (
	"context"
	"testing"
	"time"

	"github.com/eleven-am/plexus/internal/adapters/metrics"
	"github.com/eleven-am/plexus/internal/adapters/storage"
	"github.com/eleven-am/plexus/internal/adapters/waitnotify"
	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/ports"
	"github.com/eleven-am/plexus/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type testStep struct {
	execute  func(ctx context.Context, sc ports.StepContext) (domain.StepResponse, error)
	children func(ctx context.Context, sc ports.StepContext, children []*domain.NodeExecution) (*domain.SyncResult, error)
	resume   func(ctx context.Context, sc ports.StepContext, result domain.NotifyResult) (*domain.SyncResult, error)
	abort    func(ctx context.Context, sc ports.StepContext) error
}

func (s *testStep) Validate(context.Context, *domain.PlanNode) error { return nil }

func (s *testStep) Execute(ctx context.Context, sc ports.StepContext) (domain.StepResponse, error) {
	if s.execute == nil {
		return &domain.SyncResult{Status: domain.StatusSucceeded}, nil
	}
	return s.execute(ctx, sc)
}

func (s *testStep) OnChildrenDone(ctx context.Context, sc ports.StepContext, children []*domain.NodeExecution) (*domain.SyncResult, error) {
	if s.children == nil {
		return RollUp(children), nil
	}
	return s.children(ctx, sc, children)
}

func (s *testStep) OnResume(ctx context.Context, sc ports.StepContext, result domain.NotifyResult) (*domain.SyncResult, error) {
	if s.resume == nil {
		if result.Succeeded() {
			return &domain.SyncResult{Status: domain.StatusSucceeded, Outputs: result.Payload}, nil
		}
		return &domain.SyncResult{Status: domain.StatusFailed, Failure: &domain.FailureInfo{Message: result.ErrorMessage}}, nil
	}
	return s.resume(ctx, sc, result)
}

func (s *testStep) OnAbort(ctx context.Context, sc ports.StepContext) error {
	if s.abort == nil {
		return nil
	}
	return s.abort(ctx, sc)
}

func succeedWith(outputs map[string]any) *testStep {
	return &testStep{execute: func(context.Context, ports.StepContext) (domain.StepResponse, error) {
		return &domain.SyncResult{Status: domain.StatusSucceeded, Outputs: outputs}, nil
	}}
}

func failWith(message string) *testStep {
	return &testStep{execute: func(context.Context, ports.StepContext) (domain.StepResponse, error) {
		return &domain.SyncResult{Status: domain.StatusFailed, Failure: &domain.FailureInfo{Message: message}}, nil
	}}
}

type harness struct {
	store   *storage.Store
	waits   *waitnotify.Registry
	steps   *Registry
	engine  *Engine
	metrics *metrics.Collectors
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	logger := testutil.Logger()
	store := testutil.NewStore(t)
	waits := waitnotify.NewRegistry(store, logger)
	steps := NewRegistry()
	collectors := metrics.New(prometheus.NewRegistry(), "test")

	eng, err := NewEngine(domain.EngineConfig{
		WorkerCount:     4,
		QueueSize:       64,
		ShutdownTimeout: 5 * time.Second,
	}, store, steps, waits, logger, append([]Option{WithMetrics(collectors)}, opts...)...)
	require.NoError(t, err)

	return &harness{store: store, waits: waits, steps: steps, engine: eng, metrics: collectors}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.Start(context.Background()))
	t.Cleanup(func() { _ = h.engine.Stop() })
}

func (h *harness) register(t *testing.T, stepType string, step ports.Step) {
	t.Helper()
	require.NoError(t, h.steps.Register(stepType, step))
}

// waitForPlan blocks until the plan execution reaches a final status.
func (h *harness) waitForPlan(t *testing.T, id string) *domain.PlanExecution {
	t.Helper()
	var plan *domain.PlanExecution
	require.Eventually(t, func() bool {
		got, err := h.store.PlanExecutions.Get(context.Background(), id)
		if err != nil {
			return false
		}
		plan = got
		return got.Status.IsFinal()
	}, 5*time.Second, 10*time.Millisecond)
	return plan
}

// waitForNode blocks until a live execution of planNodeID reaches one of statuses.
func (h *harness) waitForNode(t *testing.T, planExecutionID, planNodeID string, statuses ...domain.Status) *domain.NodeExecution {
	t.Helper()
	var found *domain.NodeExecution
	require.Eventually(t, func() bool {
		found = h.findNode(t, planExecutionID, planNodeID)
		if found == nil {
			return false
		}
		for _, status := range statuses {
			if found.Status == status {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return found
}

func (h *harness) findNode(t *testing.T, planExecutionID, planNodeID string) *domain.NodeExecution {
	t.Helper()
	executions, err := h.engine.NodeExecutions(context.Background(), planExecutionID)
	require.NoError(t, err)
	for _, exec := range executions {
		if exec.PlanNodeID == planNodeID && !exec.OldRetry {
			return exec
		}
	}
	return nil
}

func node(id, stepType string, children ...string) *domain.PlanNode {
	return &domain.PlanNode{ID: id, StepType: stepType, Identifier: id, ChildIDs: children}
}

// waitForSlot blocks until the parent has recorded child as its slot's finisher.
func (h *harness) waitForSlot(t *testing.T, child *domain.NodeExecution) {
	t.Helper()
	require.Eventually(t, func() bool {
		parent, err := h.store.NodeExecutions.Get(context.Background(), child.ParentID)
		if err != nil || parent.Children == nil {
			return false
		}
		finished, ok := parent.Children.Finished[child.NotifyID]
		return ok && finished.ExecutionID == child.ID
	}, 5*time.Second, 10*time.Millisecond)
}
