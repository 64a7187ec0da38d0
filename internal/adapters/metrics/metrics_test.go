package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRecord(t *testing.T) {
	registry := prometheus.NewRegistry()
	c := New(registry, "test")

	c.NodeTransition("SUCCEEDED")
	c.NodeTransition("SUCCEEDED")
	c.NodeTransition("FAILED")
	c.TasksExpired(3)
	c.ApprovalFinalized("APPROVED")
	c.ObserveSweep("task-expiry", 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.nodeTransitions.WithLabelValues("SUCCEEDED")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.tasksExpired))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.approvalsFinalized.WithLabelValues("APPROVED")))

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilCollectorsAreSafe(t *testing.T) {
	var c *Collectors
	assert.NotPanics(t, func() {
		c.NodeTransition("FAILED")
		c.StepPanic()
		c.ObserveStep("task", "execute", time.Second)
		c.SetQueueDepth(3)
		c.TaskDispatched()
		c.TaskCompleted("SUCCESS")
		c.TasksExpired(1)
		c.TaskValidationFailed()
		c.UndecodableTask()
		c.ApprovalFinalized("EXPIRED")
		c.ObserveSweep("x", time.Second)
		c.SweepSkipped("x")
	})
	assert.NotNil(t, c.Gatherer())
}
