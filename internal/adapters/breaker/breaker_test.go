package breaker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/plexus/internal/adapters/metrics"
	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyPublisher struct {
	mu    sync.Mutex
	err   error
	delay time.Duration
	calls int
}

func (f *flakyPublisher) Publish(ctx context.Context, _ domain.DispatchMessage) error {
	f.mu.Lock()
	f.calls++
	err, delay := f.err, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *flakyPublisher) set(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *flakyPublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func config() domain.BreakerConfig {
	return domain.BreakerConfig{
		Enabled:          true,
		FailureThreshold: 3,
		SuccessThreshold: 2,
		HalfOpenRequests: 2,
		OpenInterval:     time.Minute,
	}
}

func publish(p *Publisher) error {
	return p.Publish(context.Background(), domain.DispatchMessage{TaskID: "t-1", TaskType: "build"})
}

func TestPublisherOpensAfterConsecutiveFailures(t *testing.T) {
	next := &flakyPublisher{err: errors.New("transport down")}
	clock := testutil.NewClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	registry := prometheus.NewRegistry()
	collectors := metrics.New(registry, "test")
	p := NewPublisher(next, config(), testutil.Logger(), WithClock(clock.Now), WithMetrics(collectors))

	for i := 0; i < 3; i++ {
		require.Error(t, publish(p))
	}
	assert.Equal(t, StateOpen, p.State())

	err := publish(p)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, domain.CategoryResource, domain.GetErrorCategory(err))
	assert.Equal(t, 3, next.count())

	expected := `
# HELP test_dispatcher_publisher_breaker_state Task publisher circuit state: 0 closed, 1 half-open, 2 open.
# TYPE test_dispatcher_publisher_breaker_state gauge
test_dispatcher_publisher_breaker_state 2
# HELP test_dispatcher_publishes_rejected_total Task publishes rejected while the publisher circuit was open.
# TYPE test_dispatcher_publishes_rejected_total counter
test_dispatcher_publishes_rejected_total 1
`
	require.NoError(t, promtestutil.GatherAndCompare(registry, strings.NewReader(expected),
		"test_dispatcher_publisher_breaker_state", "test_dispatcher_publishes_rejected_total"))
}

func TestPublisherSuccessResetsFailureRun(t *testing.T) {
	next := &flakyPublisher{err: errors.New("blip")}
	p := NewPublisher(next, config(), testutil.Logger())

	require.Error(t, publish(p))
	require.Error(t, publish(p))
	next.set(nil)
	require.NoError(t, publish(p))
	next.set(errors.New("blip"))
	require.Error(t, publish(p))
	require.Error(t, publish(p))

	assert.Equal(t, StateClosed, p.State())
}

func TestPublisherHalfOpenRecovery(t *testing.T) {
	next := &flakyPublisher{err: errors.New("down")}
	clock := testutil.NewClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	p := NewPublisher(next, config(), testutil.Logger(), WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		require.Error(t, publish(p))
	}
	require.Equal(t, StateOpen, p.State())

	clock.Advance(time.Minute)
	next.set(nil)
	require.NoError(t, publish(p))
	assert.Equal(t, StateHalfOpen, p.State())
	require.NoError(t, publish(p))
	assert.Equal(t, StateClosed, p.State())
}

func TestPublisherHalfOpenFailureReopens(t *testing.T) {
	next := &flakyPublisher{err: errors.New("down")}
	clock := testutil.NewClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	p := NewPublisher(next, config(), testutil.Logger(), WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		require.Error(t, publish(p))
	}
	clock.Advance(time.Minute)

	require.Error(t, publish(p))
	assert.Equal(t, StateOpen, p.State())
	assert.ErrorIs(t, publish(p), ErrOpen)
}

func TestPublisherHalfOpenLimitsTrials(t *testing.T) {
	next := &flakyPublisher{err: errors.New("down")}
	clock := testutil.NewClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	cfg := config()
	cfg.HalfOpenRequests = 1
	cfg.SuccessThreshold = 5
	p := NewPublisher(next, cfg, testutil.Logger(), WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		require.Error(t, publish(p))
	}
	clock.Advance(time.Minute)
	next.set(nil)

	require.NoError(t, publish(p))
	assert.ErrorIs(t, publish(p), ErrTooManyRequests)
}

func TestPublisherTimeoutCountsAsFailure(t *testing.T) {
	next := &flakyPublisher{delay: time.Second}
	cfg := config()
	cfg.FailureThreshold = 1
	cfg.PublishTimeout = 20 * time.Millisecond
	p := NewPublisher(next, cfg, testutil.Logger())

	assert.ErrorIs(t, publish(p), ErrPublishTimeout)
	assert.Equal(t, StateOpen, p.State())
}

func TestPublisherReset(t *testing.T) {
	next := &flakyPublisher{err: errors.New("down")}
	p := NewPublisher(next, config(), testutil.Logger())
	for i := 0; i < 3; i++ {
		require.Error(t, publish(p))
	}
	p.Reset()
	assert.Equal(t, StateClosed, p.State())
	assert.Equal(t, "closed", p.State().String())
}
