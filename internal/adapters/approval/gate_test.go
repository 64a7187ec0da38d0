package approval

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCreateAppliesDefaults(t *testing.T) {
	f := newFixture(t)

	instance, _ := f.create(t, CreateRequest{Message: "ship?"})

	assert.Equal(t, domain.ApprovalWaiting, instance.Status)
	assert.Equal(t, 1, instance.MinimumCount)
	assert.Equal(t, "pe-1", instance.PlanExecutionID)
	assert.Equal(t, "ne-1", instance.NodeExecutionID)
	assert.True(t, instance.Deadline.Equal(f.clock.Now().Add(time.Hour)))

	stored, err := f.gate.Get(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, "ship?", stored.Message)
	assert.Equal(t, int64(1), stored.Version)
}

func TestCreateRejectsNegativeMinimum(t *testing.T) {
	f := newFixture(t)

	_, err := f.gate.Create(context.Background(), CreateRequest{Execution: execution("ne-1"), MinimumCount: -1})
	require.Error(t, err)
	assert.True(t, domain.IsValidationError(err))
}

func TestApprovalReachesQuorum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	instance, ch := f.create(t, CreateRequest{MinimumCount: 2})

	got, err := f.gate.RecordActivity(ctx, instance.ID, "alice", approve("lgtm"))
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalWaiting, got.Status)
	f.updater.AssertNotCalled(t, "Recompute", mock.Anything, mock.Anything, mock.Anything)

	got, err = f.gate.RecordActivity(ctx, instance.ID, "bob", approve(""))
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, got.Status)
	assert.Len(t, got.Activities, 2)

	result := receive(t, ch)
	assert.True(t, result.Succeeded())
	assert.Equal(t, string(domain.ApprovalApproved), result.Payload["status"])
	assert.Equal(t, instance.ID, result.Payload["approval_instance_id"])
	f.updater.AssertCalled(t, "Recompute", mock.Anything, "pe-1", "ne-1")
}

func TestRejectionFinalizesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	instance, ch := f.create(t, CreateRequest{MinimumCount: 3})

	got, err := f.gate.RecordActivity(ctx, instance.ID, "alice", reject("not today"))
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalRejected, got.Status)

	result := receive(t, ch)
	assert.False(t, result.Succeeded())
	assert.False(t, result.Expired)
	assert.Equal(t, string(domain.ApprovalRejected), result.Payload["status"])
}

func TestRecordActivityRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	instance, _ := f.create(t, CreateRequest{MinimumCount: 2, Approvers: []string{"alice", "bob"}})

	_, err := f.gate.RecordActivity(ctx, instance.ID, "mallory", approve(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an approver")

	_, err = f.gate.RecordActivity(ctx, instance.ID, "alice", approve(""))
	require.NoError(t, err)

	_, err = f.gate.RecordActivity(ctx, instance.ID, "alice", approve(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already acted")

	_, err = f.gate.RecordActivity(ctx, instance.ID, "", approve(""))
	require.Error(t, err)

	_, err = f.gate.RecordActivity(ctx, instance.ID, "bob", domain.ApprovalRequest{Action: "MAYBE"})
	require.Error(t, err)

	stored, err := f.gate.Get(ctx, instance.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Activities, 1)
	assert.Equal(t, domain.ApprovalWaiting, stored.Status)
}

func TestRecordActivityOnCompletedInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	instance, _ := f.create(t, CreateRequest{})

	_, err := f.gate.RecordActivity(ctx, instance.ID, "alice", approve(""))
	require.NoError(t, err)

	_, err = f.gate.RecordActivity(ctx, instance.ID, "bob", approve(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Approval instance has already completed. Status: APPROVED")
	assert.True(t, errors.Is(err, domain.ErrAlreadyFinal))
}

func TestRecordActivityUnknownInstance(t *testing.T) {
	f := newFixture(t)

	_, err := f.gate.RecordActivity(context.Background(), "missing", "alice", approve(""))
	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err))
}

func TestExpiredApprovalRejectsLateActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	instance, ch := f.create(t, CreateRequest{Deadline: f.clock.Now().Add(-time.Minute)})

	_, err := f.gate.RecordActivity(ctx, instance.ID, "alice", approve(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Approval instance has already expired")

	count, err := f.gate.MarkExpiredInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stored, err := f.gate.Get(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalExpired, stored.Status)
	assert.Empty(t, stored.Activities)

	result := receive(t, ch)
	assert.True(t, result.Expired)
	assert.Equal(t, string(domain.ApprovalExpired), result.Payload["status"])

	_, err = f.gate.RecordActivity(ctx, instance.ID, "alice", approve(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Approval instance has already expired")

	count, err = f.gate.MarkExpiredInstances(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMarkExpiredSkipsLiveAndFinalInstances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	live, _ := f.create(t, CreateRequest{Execution: execution("ne-live")})
	done, _ := f.create(t, CreateRequest{Execution: execution("ne-done"), Timeout: time.Minute})
	_, err := f.gate.RecordActivity(ctx, done.ID, "alice", approve(""))
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	count, err := f.gate.MarkExpiredInstances(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	stored, err := f.gate.Get(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalWaiting, stored.Status)
}

func TestAuditLineFormat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	instance, _ := f.create(t, CreateRequest{MinimumCount: 2})

	_, err := f.gate.RecordActivity(ctx, instance.ID, "alice", domain.ApprovalRequest{
		Action:   domain.ActionApprove,
		Comments: "ship it",
		Inputs:   map[string]string{"region": "eu", "env": "prod"},
	})
	require.NoError(t, err)
	_, err = f.gate.RecordActivity(ctx, instance.ID, "bob", reject("no"))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Request to approve this approval received by alice with comments:{ship it} and inputs:[( env : prod), ( region : eu)]",
		"Request to reject this approval received by bob with comments:{no} and inputs:[]",
	}, f.logs.Lines())
}

func TestFinalizeStatusOnlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	instance, ch := f.create(t, CreateRequest{})

	got, err := f.gate.FinalizeStatus(ctx, instance.ID, domain.ApprovalAborted, "cancelled by operator")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalAborted, got.Status)
	assert.Equal(t, "cancelled by operator", receive(t, ch).ErrorMessage)

	_, err = f.gate.FinalizeStatus(ctx, instance.ID, domain.ApprovalApproved, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Status: ABORTED")

	_, err = f.gate.FinalizeStatus(ctx, instance.ID, domain.ApprovalWaiting, "")
	require.Error(t, err)

	_, err = f.gate.FinalizeStatus(ctx, "missing", domain.ApprovalAborted, "")
	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err))
}

func TestAbortAndExpireByNodeExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _ := f.create(t, CreateRequest{Execution: execution("ne-a")})
	second, _ := f.create(t, CreateRequest{Execution: execution("ne-a")})
	other, _ := f.create(t, CreateRequest{Execution: execution("ne-b")})
	_, err := f.gate.RecordActivity(ctx, second.ID, "alice", approve(""))
	require.NoError(t, err)

	count, err := f.gate.AbortByNodeExecutionID(ctx, "ne-a")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stored, err := f.gate.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalAborted, stored.Status)
	stored, err = f.gate.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, stored.Status)

	count, err = f.gate.ExpireByNodeExecutionID(ctx, "ne-b")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	stored, err = f.gate.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalExpired, stored.Status)

	count, err = f.gate.AbortByNodeExecutionID(ctx, "ne-none")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestFormatInputs(t *testing.T) {
	assert.Equal(t, "[]", FormatInputs(nil))
	assert.Equal(t, "[( a : 1)]", FormatInputs(map[string]string{"a": "1"}))
}

func TestQuorumProperty(t *testing.T) {
	logger := testutil.Logger()
	store := testutil.NewStore(t)
	updater := &mockUpdater{}
	updater.On("Recompute", mock.Anything, mock.Anything, mock.Anything).Return(domain.StatusRunning, nil).Maybe()
	clock := testutil.NewClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	gate := NewGate(testConfig(), store, nopWaits{}, updater, logger, WithClock(clock.Now))
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		minimum := rapid.IntRange(1, 5).Draw(rt, "minimum")
		approvals := rapid.IntRange(0, 7).Draw(rt, "approvals")

		instance, err := gate.Create(ctx, CreateRequest{Execution: execution("ne-q"), MinimumCount: minimum})
		require.NoError(rt, err)

		accepted := 0
		for i := 0; i < approvals; i++ {
			got, err := gate.RecordActivity(ctx, instance.ID, fmt.Sprintf("actor-%d", i), approve(""))
			if accepted >= minimum {
				require.Error(rt, err)
				continue
			}
			require.NoError(rt, err)
			accepted++
			if accepted >= minimum {
				require.Equal(rt, domain.ApprovalApproved, got.Status)
			} else {
				require.Equal(rt, domain.ApprovalWaiting, got.Status)
			}
		}

		stored, err := gate.Get(ctx, instance.ID)
		require.NoError(rt, err)
		require.Equal(rt, approvals >= minimum, stored.Status == domain.ApprovalApproved)
		require.Equal(rt, min(approvals, minimum), stored.ApprovalCount())
	})
}

type nopWaits struct{}

func (nopWaits) Register(context.Context, string, string) (<-chan domain.NotifyResult, error) {
	return nil, nil
}

func (nopWaits) Deliver(context.Context, string, domain.NotifyResult) (bool, error) {
	return true, nil
}

func (nopWaits) Cancel(context.Context, string) error {
	return nil
}
