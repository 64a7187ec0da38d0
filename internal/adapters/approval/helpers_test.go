package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/plexus/internal/adapters/storage"
	"github.com/eleven-am/plexus/internal/adapters/waitnotify"
	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/testutil"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockUpdater struct {
	mock.Mock
}

func (m *mockUpdater) Recompute(ctx context.Context, planExecutionID, exclude string) (domain.Status, error) {
	args := m.Called(ctx, planExecutionID, exclude)
	return args.Get(0).(domain.Status), args.Error(1)
}

type recordingLogs struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingLogs) Append(_ context.Context, _, _, line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	return nil
}

func (r *recordingLogs) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

type fixture struct {
	store   *storage.Store
	waits   *waitnotify.Registry
	clock   *testutil.Clock
	updater *mockUpdater
	logs    *recordingLogs
	gate    *Gate
}

func testConfig() domain.ApprovalConfig {
	return domain.ApprovalConfig{
		SweepInterval:   time.Second,
		DefaultTimeout:  time.Hour,
		UpdateRetries:   3,
		DefaultMinCount: 1,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testutil.Logger()
	store := testutil.NewStore(t)
	clock := testutil.NewClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	waits := waitnotify.NewRegistry(store, logger)
	updater := &mockUpdater{}
	updater.On("Recompute", mock.Anything, mock.Anything, mock.Anything).Return(domain.StatusRunning, nil).Maybe()
	logs := &recordingLogs{}

	gate := NewGate(testConfig(), store, waits, updater, logger, WithClock(clock.Now), WithLogStream(logs))
	return &fixture{store: store, waits: waits, clock: clock, updater: updater, logs: logs, gate: gate}
}

func execution(id string) *domain.NodeExecution {
	return &domain.NodeExecution{
		ID:         id,
		StepType:   domain.StepTypeApproval,
		Identifier: "approve",
		Ambiance: domain.Ambiance{
			PlanExecutionID: "pe-1",
			Levels:          []domain.Level{{RuntimeID: id, Identifier: "approve", StepType: domain.StepTypeApproval}},
		},
	}
}

func (f *fixture) create(t *testing.T, req CreateRequest) (*domain.ApprovalInstance, <-chan domain.NotifyResult) {
	t.Helper()
	if req.Execution == nil {
		req.Execution = execution("ne-1")
	}
	instance, err := f.gate.Create(context.Background(), req)
	require.NoError(t, err)
	ch, err := f.waits.Register(context.Background(), instance.ID, req.Execution.ID)
	require.NoError(t, err)
	return instance, ch
}

func receive(t *testing.T, ch <-chan domain.NotifyResult) domain.NotifyResult {
	t.Helper()
	select {
	case result, ok := <-ch:
		require.True(t, ok, "wait closed without a result")
		return result
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return domain.NotifyResult{}
}

func approve(comments string) domain.ApprovalRequest {
	return domain.ApprovalRequest{Action: domain.ActionApprove, Comments: comments}
}

func reject(comments string) domain.ApprovalRequest {
	return domain.ApprovalRequest{Action: domain.ActionReject, Comments: comments}
}
