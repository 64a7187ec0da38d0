// Package metrics exposes prometheus collectors for the engine, the task
// dispatcher and the approval gate. A nil *Collectors records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collectors struct {
	registry prometheus.Gatherer

	nodeTransitions *prometheus.CounterVec
	stepPanics      prometheus.Counter
	stepLatency     *prometheus.HistogramVec
	queueDepth      prometheus.Gauge

	tasksDispatched        prometheus.Counter
	tasksCompleted         *prometheus.CounterVec
	tasksExpired           prometheus.Counter
	tasksValidationFailed  prometheus.Counter
	undecodableTasks       prometheus.Counter
	approvalsFinalized     *prometheus.CounterVec
	sweepDuration          *prometheus.HistogramVec
	sweepsSkippedNotLeader *prometheus.CounterVec
	breakerState           prometheus.Gauge
	publishesRejected      prometheus.Counter
}

// New registers every collector on registry under namespace.
func New(registry *prometheus.Registry, namespace string) *Collectors {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "plexus"
	}
	factory := promauto.With(registry)

	return &Collectors{
		registry: registry,
		nodeTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "node_transitions_total",
			Help:      "Node execution status transitions by target status.",
		}, []string{"status"}),
		stepPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "step_panics_total",
			Help:      "Step invocations that panicked.",
		}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "step_latency_seconds",
			Help:      "Step callback duration by step type and phase.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		}, []string{"step_type", "phase"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "queue_depth",
			Help:      "Node executions waiting for a worker.",
		}),
		tasksDispatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "tasks_dispatched_total",
			Help:      "Remote tasks dispatched.",
		}),
		tasksCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "tasks_completed_total",
			Help:      "Remote task responses handled by completion status.",
		}, []string{"status"}),
		tasksExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "tasks_expired_total",
			Help:      "Remote tasks ended by the expiry sweep.",
		}),
		tasksValidationFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "tasks_validation_failed_total",
			Help:      "Remote tasks failed because no worker accepted them.",
		}),
		undecodableTasks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "tasks_undecodable_total",
			Help:      "Task records whose correlation id could not be recovered.",
		}),
		approvalsFinalized: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approval",
			Name:      "finalized_total",
			Help:      "Approval instances finalized by status.",
		}, []string{"status"}),
		sweepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of periodic sweeps.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sweep"}),
		sweepsSkippedNotLeader: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "sweeps_skipped_total",
			Help:      "Sweep ticks skipped because this instance is not the primary.",
		}, []string{"sweep"}),
		breakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "publisher_breaker_state",
			Help:      "Task publisher circuit state: 0 closed, 1 half-open, 2 open.",
		}),
		publishesRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "publishes_rejected_total",
			Help:      "Task publishes rejected while the publisher circuit was open.",
		}),
	}
}

// Gatherer returns the registry the collectors were registered on.
func (c *Collectors) Gatherer() prometheus.Gatherer {
	if c == nil {
		return prometheus.NewRegistry()
	}
	return c.registry
}

func (c *Collectors) NodeTransition(status string) {
	if c == nil {
		return
	}
	c.nodeTransitions.WithLabelValues(status).Inc()
}

func (c *Collectors) StepPanic() {
	if c == nil {
		return
	}
	c.stepPanics.Inc()
}

func (c *Collectors) ObserveStep(stepType, phase string, d time.Duration) {
	if c == nil {
		return
	}
	c.stepLatency.WithLabelValues(stepType, phase).Observe(d.Seconds())
}

func (c *Collectors) SetQueueDepth(depth int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(depth))
}

func (c *Collectors) TaskDispatched() {
	if c == nil {
		return
	}
	c.tasksDispatched.Inc()
}

func (c *Collectors) TaskCompleted(status string) {
	if c == nil {
		return
	}
	c.tasksCompleted.WithLabelValues(status).Inc()
}

func (c *Collectors) TasksExpired(n int) {
	if c == nil {
		return
	}
	c.tasksExpired.Add(float64(n))
}

func (c *Collectors) TaskValidationFailed() {
	if c == nil {
		return
	}
	c.tasksValidationFailed.Inc()
}

func (c *Collectors) UndecodableTask() {
	if c == nil {
		return
	}
	c.undecodableTasks.Inc()
}

func (c *Collectors) ApprovalFinalized(status string) {
	if c == nil {
		return
	}
	c.approvalsFinalized.WithLabelValues(status).Inc()
}

func (c *Collectors) ObserveSweep(name string, d time.Duration) {
	if c == nil {
		return
	}
	c.sweepDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (c *Collectors) SweepSkipped(name string) {
	if c == nil {
		return
	}
	c.sweepsSkippedNotLeader.WithLabelValues(name).Inc()
}

func (c *Collectors) SetBreakerState(state int) {
	if c == nil {
		return
	}
	c.breakerState.Set(float64(state))
}

func (c *Collectors) PublishRejected() {
	if c == nil {
		return
	}
	c.publishesRejected.Inc()
}
