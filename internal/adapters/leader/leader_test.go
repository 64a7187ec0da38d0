package leader

import (
	"context"
	"testing"
	"time"

	"github.com/eleven-am/plexus/internal/adapters/storage"
	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	ctx := context.Background()
	assert.True(t, NewStatic(false).IsLeader(ctx))
	assert.False(t, NewStatic(true).IsLeader(ctx))
}

func TestNewSelectsMode(t *testing.T) {
	store := testutil.NewStore(t)
	logger := testutil.Logger()

	e, err := New(domain.LeaderConfig{Mode: domain.LeaderModeStatic}, "n1", store, logger)
	require.NoError(t, err)
	assert.IsType(t, &Static{}, e)

	e, err = New(domain.LeaderConfig{Mode: domain.LeaderModeLease, LeaseKey: "sweeper", LeaseTTL: time.Second}, "n1", store, logger)
	require.NoError(t, err)
	assert.IsType(t, &Lease{}, e)

	e, err = New(domain.LeaderConfig{Mode: domain.LeaderModeRaft}, "n1", store, logger)
	require.NoError(t, err)
	assert.IsType(t, &Raft{}, e)

	_, err = New(domain.LeaderConfig{Mode: "paxos"}, "n1", store, logger)
	require.Error(t, err)
}

func TestLeaseSingleHolder(t *testing.T) {
	store := testutil.NewStore(t)
	logger := testutil.Logger()
	leases := storage.NewLeaseManager(store, logger)
	ctx := context.Background()

	a := NewLease(leases, "sweeper", "node-a", time.Minute, logger)
	b := NewLease(leases, "sweeper", "node-b", time.Minute, logger)

	assert.True(t, a.IsLeader(ctx))
	assert.False(t, b.IsLeader(ctx))
	assert.True(t, a.IsLeader(ctx))

	require.NoError(t, a.Stop())
	assert.True(t, b.IsLeader(ctx))
	assert.False(t, a.IsLeader(ctx))
}

func TestLeaseTakenOverAfterExpiry(t *testing.T) {
	store := testutil.NewStore(t)
	logger := testutil.Logger()
	leases := storage.NewLeaseManager(store, logger)
	ctx := context.Background()

	a := NewLease(leases, "sweeper", "node-a", 100*time.Millisecond, logger)
	b := NewLease(leases, "sweeper", "node-b", time.Minute, logger)

	require.True(t, a.IsLeader(ctx))
	time.Sleep(150 * time.Millisecond)

	assert.True(t, b.IsLeader(ctx))
	assert.False(t, a.IsLeader(ctx))
}

func TestLeaseBackgroundRenewal(t *testing.T) {
	store := testutil.NewStore(t)
	logger := testutil.Logger()
	leases := storage.NewLeaseManager(store, logger)
	ctx := context.Background()

	a := NewLease(leases, "sweeper", "node-a", 150*time.Millisecond, logger)
	b := NewLease(leases, "sweeper", "node-b", time.Minute, logger)

	require.True(t, a.IsLeader(ctx))
	require.NoError(t, a.Start(ctx))

	time.Sleep(400 * time.Millisecond)
	assert.False(t, b.IsLeader(ctx))

	require.NoError(t, a.Stop())
	lease, exists, err := leases.Get(ctx, leases.Key("leader", "sweeper"))
	require.NoError(t, err)
	assert.False(t, exists, "stopped holder releases the lease, found %v", lease)
}

func TestRaftSingleNodeBecomesLeader(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a raft node")
	}
	r := NewRaft(domain.RaftConfig{
		BindAddr:         "127.0.0.1:0",
		DataDir:          t.TempDir(),
		Bootstrap:        true,
		HeartbeatTimeout: 50 * time.Millisecond,
		ElectionTimeout:  50 * time.Millisecond,
	}, "node-1", testutil.Logger())
	ctx := context.Background()

	assert.False(t, r.IsLeader(ctx))
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() { _ = r.Stop() })
	assert.NotEmpty(t, r.Addr())

	require.Eventually(t, func() bool { return r.IsLeader(ctx) }, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, "Leader", r.State())

	require.NoError(t, r.Stop())
	assert.False(t, r.IsLeader(ctx))
	assert.Equal(t, "Shutdown", r.State())
}

func TestRaftRequiresAddress(t *testing.T) {
	r := NewRaft(domain.RaftConfig{}, "node-1", testutil.Logger())
	require.Error(t, r.Start(context.Background()))
}
