package waitnotify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/eleven-am/plexus/internal/adapters/storage"
	"github.com/eleven-am/plexus/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(storage.NewStore(db, 64, logger), logger)
}

func receive(t *testing.T, ch <-chan domain.NotifyResult) (domain.NotifyResult, bool) {
	t.Helper()
	select {
	case result, ok := <-ch:
		return result, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return domain.NotifyResult{}, false
	}
}

func TestRegisterThenDeliver(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	ch, err := registry.Register(ctx, "corr-1", "exec-1")
	require.NoError(t, err)

	delivered, err := registry.Deliver(ctx, "corr-1", domain.NotifyResult{Status: domain.ResultSuccess, Payload: map[string]any{"k": "v"}})
	require.NoError(t, err)
	assert.True(t, delivered)

	result, ok := receive(t, ch)
	require.True(t, ok)
	assert.Equal(t, "corr-1", result.CorrelationID)
	assert.Equal(t, "v", result.Payload["k"])

	_, open := <-ch
	assert.False(t, open)
}

func TestDeliverBeforeRegister(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	delivered, err := registry.Deliver(ctx, "corr-early", domain.NotifyResult{Status: domain.ResultFailure, ErrorMessage: "too fast"})
	require.NoError(t, err)
	require.True(t, delivered)

	ch, err := registry.Register(ctx, "corr-early", "exec-1")
	require.NoError(t, err)

	result, ok := receive(t, ch)
	require.True(t, ok)
	assert.Equal(t, "too fast", result.ErrorMessage)
}

func TestDeliverAfterCancelIsNoop(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	ch, err := registry.Register(ctx, "corr-2", "exec-2")
	require.NoError(t, err)
	require.NoError(t, registry.Cancel(ctx, "corr-2"))

	_, ok := receive(t, ch)
	assert.False(t, ok)

	delivered, err := registry.Deliver(ctx, "corr-2", domain.NotifyResult{Status: domain.ResultSuccess})
	require.NoError(t, err)
	assert.False(t, delivered)

	pending, err := registry.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRegisterRequiresCorrelationID(t *testing.T) {
	_, err := newTestRegistry(t).Register(context.Background(), "", "exec")
	require.Error(t, err)
	assert.True(t, domain.IsValidationError(err))
}

func TestPendingAndPurge(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	_, err := registry.Register(ctx, "a", "exec-a")
	require.NoError(t, err)
	_, err = registry.Register(ctx, "b", "exec-b")
	require.NoError(t, err)
	_, err = registry.Deliver(ctx, "b", domain.NotifyResult{Status: domain.ResultSuccess})
	require.NoError(t, err)

	pending, err := registry.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "exec-a", pending[0].WaiterID)

	purged, err := registry.Purge(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
}

func TestConcurrentDeliveriesHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	ch, err := registry.Register(ctx, "race", "exec")
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := registry.Deliver(ctx, "race", domain.NotifyResult{Status: domain.ResultSuccess, Expired: i%2 == 0})
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	received := 0
	for range ch {
		received++
	}
	assert.Equal(t, 1, received)
}

func TestExactlyOnceDeliveryProperty(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()
	run := 0

	rapid.Check(t, func(rt *rapid.T) {
		run++
		id := fmt.Sprintf("corr-%d", run)
		deliveries := rapid.IntRange(1, 8).Draw(rt, "deliveries")
		registerFirst := rapid.Bool().Draw(rt, "registerFirst")

		var ch <-chan domain.NotifyResult
		var err error
		if registerFirst {
			if ch, err = registry.Register(ctx, id, "exec"); err != nil {
				rt.Fatalf("register: %v", err)
			}
		}

		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < deliveries; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if ok, _ := registry.Deliver(ctx, id, domain.NotifyResult{Status: domain.ResultSuccess}); ok {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()

		if !registerFirst {
			if ch, err = registry.Register(ctx, id, "exec"); err != nil {
				rt.Fatalf("register: %v", err)
			}
		}

		if wins != 1 {
			rt.Fatalf("expected one winning delivery, got %d", wins)
		}
		received := 0
		for range ch {
			received++
		}
		if received != 1 {
			rt.Fatalf("expected one observed callback, got %d", received)
		}
	})
}
