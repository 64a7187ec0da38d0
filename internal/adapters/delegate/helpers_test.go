package delegate

import (
	"context"
	"testing"
	"time"

	"github.com/eleven-am/plexus/internal/adapters/storage"
	"github.com/eleven-am/plexus/internal/adapters/waitnotify"
	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/testutil"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, msg domain.DispatchMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

type fixture struct {
	store      *storage.Store
	waits      *waitnotify.Registry
	workers    *WorkerRegistry
	clock      *testutil.Clock
	dispatcher *Dispatcher
}

func testConfig() domain.DispatcherConfig {
	return domain.DispatcherConfig{
		DefaultTimeout:    time.Minute,
		GracePeriod:       time.Second,
		ValidationTimeout: 2 * time.Minute,
		SweepInterval:     time.Second,
		BatchSize:         100,
		HeartbeatTTL:      30 * time.Second,
	}
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger := testutil.Logger()
	store := testutil.NewStore(t)
	clock := testutil.NewClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	waits := waitnotify.NewRegistry(store, logger)
	workers := NewWorkerRegistry(testConfig().HeartbeatTTL, logger, clock.Now)

	dispatcher := NewDispatcher(testConfig(), store, waits, workers, logger,
		append([]Option{WithClock(clock.Now)}, opts...)...)

	return &fixture{
		store:      store,
		waits:      waits,
		workers:    workers,
		clock:      clock,
		dispatcher: dispatcher,
	}
}

func (f *fixture) await(t *testing.T, waitID string) <-chan domain.NotifyResult {
	t.Helper()
	ch, err := f.waits.Register(context.Background(), waitID, "node")
	require.NoError(t, err)
	return ch
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
