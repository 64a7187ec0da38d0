package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eleven-am/plexus/internal/adapters/metrics"
	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type switchLeader struct {
	leader atomic.Bool
}

func (s *switchLeader) IsLeader(context.Context) bool {
	return s.leader.Load()
}

func counting(calls *atomic.Int32, result int, err error) func(context.Context) (int, error) {
	return func(context.Context) (int, error) {
		calls.Add(1)
		return result, err
	}
}

func TestSweepsRunOnlyOnLeader(t *testing.T) {
	registry := prometheus.NewRegistry()
	leader := &switchLeader{}
	s := NewScheduler(leader, testutil.Logger(), WithMetrics(metrics.New(registry, "test")))

	var calls atomic.Int32
	require.NoError(t, s.Add(Sweep{Name: "expire", Interval: 10 * time.Millisecond, Run: counting(&calls, 1, nil)}))
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, calls.Load())

	count, err := promtest.GatherAndCount(registry, "test_scheduler_sweeps_skipped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	leader.leader.Store(true)
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	stopped := calls.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, stopped, calls.Load())
}

func TestRunOnce(t *testing.T) {
	leader := &switchLeader{}
	leader.leader.Store(true)
	s := NewScheduler(leader, testutil.Logger())
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, s.Add(Sweep{Name: "prune", Interval: time.Hour, Run: counting(&calls, 3, nil)}))

	count, ran, err := s.RunOnce(ctx, "prune")
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 3, count)

	leader.leader.Store(false)
	_, ran, err = s.RunOnce(ctx, "prune")
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, int32(1), calls.Load())

	_, _, err = s.RunOnce(ctx, "missing")
	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err))
}

func TestLocalSweepRunsOnStandby(t *testing.T) {
	registry := prometheus.NewRegistry()
	s := NewScheduler(&switchLeader{}, testutil.Logger(), WithMetrics(metrics.New(registry, "test")))

	var local, shared atomic.Int32
	require.NoError(t, s.Add(Sweep{Name: "prune", Interval: 10 * time.Millisecond, Local: true, Run: counting(&local, 1, nil)}))
	require.NoError(t, s.Add(Sweep{Name: "expire", Interval: time.Hour, Run: counting(&shared, 1, nil)}))

	count, ran, err := s.RunOnce(context.Background(), "prune")
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, count)

	_, ran, err = s.RunOnce(context.Background(), "expire")
	require.NoError(t, err)
	assert.False(t, ran)

	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	require.Eventually(t, func() bool { return local.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, shared.Load())
}

func TestRunOnceReportsSweepError(t *testing.T) {
	s := NewScheduler(nil, testutil.Logger())
	var calls atomic.Int32
	boom := errors.New("store unavailable")
	require.NoError(t, s.Add(Sweep{Name: "expire", Interval: time.Minute, Run: counting(&calls, 0, boom)}))

	_, ran, err := s.RunOnce(context.Background(), "expire")
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
}

func TestAddValidates(t *testing.T) {
	s := NewScheduler(nil, nil)
	run := func(context.Context) (int, error) { return 0, nil }

	assert.Error(t, s.Add(Sweep{Interval: time.Second, Run: run}))
	assert.Error(t, s.Add(Sweep{Name: "x", Interval: time.Second}))
	err := s.Add(Sweep{Name: "x", Run: run})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "interval"))
	assert.NoError(t, s.Add(Sweep{Name: "x", Interval: time.Second, Run: run}))
}
