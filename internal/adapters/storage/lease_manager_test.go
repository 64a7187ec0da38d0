package storage

import (
	"context"
	"testing"
	"time"

	"github.com/eleven-am/plexus/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestLeaseManagerTryAcquire(t *testing.T) {
	manager := NewLeaseManager(newTestStore(t), nil)

	key := manager.Key("test", "resource")
	record, acquired, err := manager.TryAcquire(context.Background(), key, "node-a", time.Minute, map[string]string{"zone": "a"})
	require.NoError(t, err)
	require.True(t, acquired)
	require.Equal(t, "node-a", record.Owner)
	require.Equal(t, "a", record.Metadata["zone"])
}

func TestLeaseManagerAcquireRespectsExistingOwner(t *testing.T) {
	ctx := context.Background()
	manager := NewLeaseManager(newTestStore(t), nil)
	key := manager.Key("test", "resource")

	_, _, err := manager.TryAcquire(ctx, key, "node-a", time.Minute, nil)
	require.NoError(t, err)

	holder, acquired, err := manager.TryAcquire(ctx, key, "node-b", time.Minute, nil)
	require.NoError(t, err)
	require.False(t, acquired)
	require.Equal(t, "node-a", holder.Owner)
}

func TestLeaseManagerAcquireAfterExpiry(t *testing.T) {
	ctx := context.Background()
	manager := NewLeaseManager(newTestStore(t), nil)
	key := manager.Key("test", "resource")

	_, _, err := manager.TryAcquire(ctx, key, "node-a", 10*time.Millisecond, nil)
	require.NoError(t, err)

	time.Sleep(15 * time.Millisecond)

	record, acquired, err := manager.TryAcquire(ctx, key, "node-b", time.Minute, nil)
	require.NoError(t, err)
	require.True(t, acquired)
	require.Equal(t, "node-b", record.Owner)
	require.Equal(t, int64(2), record.Generation)
}

func TestLeaseManagerRenewAndRelease(t *testing.T) {
	ctx := context.Background()
	manager := NewLeaseManager(newTestStore(t), nil)
	key := manager.Key("test", "resource")

	initial, acquired, err := manager.TryAcquire(ctx, key, "node-a", 20*time.Millisecond, nil)
	require.NoError(t, err)
	require.True(t, acquired)

	time.Sleep(10 * time.Millisecond)

	renewed, err := manager.Renew(ctx, key, "node-a", time.Minute)
	require.NoError(t, err)
	require.True(t, renewed.ExpiresAt.After(initial.ExpiresAt))

	err = manager.Release(ctx, key, "node-a")
	require.NoError(t, err)

	_, exists, err := manager.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestLeaseManagerRenewWrongOwner(t *testing.T) {
	ctx := context.Background()
	manager := NewLeaseManager(newTestStore(t), nil)
	key := manager.Key("test", "resource")

	_, _, err := manager.TryAcquire(ctx, key, "node-a", time.Minute, nil)
	require.NoError(t, err)

	_, err = manager.Renew(ctx, key, "node-b", time.Minute)
	require.Error(t, err)
	require.True(t, domain.IsLeaseOwnedByOther(err))

	_, err = manager.Renew(ctx, manager.Key("test", "missing"), "node-a", time.Minute)
	require.ErrorIs(t, err, domain.ErrLeaseNotFound)
}

func TestLeaseManagerReleaseWrongOwner(t *testing.T) {
	ctx := context.Background()
	manager := NewLeaseManager(newTestStore(t), nil)
	key := manager.Key("test", "resource")

	_, _, err := manager.TryAcquire(ctx, key, "node-a", time.Minute, nil)
	require.NoError(t, err)

	err = manager.Release(ctx, key, "node-b")
	require.Error(t, err)
	require.True(t, domain.IsLeaseOwnedByOther(err))
}

func TestLeaseManagerForceRelease(t *testing.T) {
	ctx := context.Background()
	manager := NewLeaseManager(newTestStore(t), nil)
	key := manager.Key("test", "resource")

	_, _, err := manager.TryAcquire(ctx, key, "node-a", time.Minute, nil)
	require.NoError(t, err)

	err = manager.ForceRelease(ctx, key)
	require.NoError(t, err)

	_, exists, err := manager.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)
}
