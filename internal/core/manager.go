package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/plexus/internal/adapters/approval"
	"github.com/eleven-am/plexus/internal/adapters/breaker"
	"github.com/eleven-am/plexus/internal/adapters/delegate"
	"github.com/eleven-am/plexus/internal/adapters/engine"
	"github.com/eleven-am/plexus/internal/adapters/leader"
	"github.com/eleven-am/plexus/internal/adapters/logstream"
	"github.com/eleven-am/plexus/internal/adapters/metrics"
	"github.com/eleven-am/plexus/internal/adapters/observability"
	"github.com/eleven-am/plexus/internal/adapters/scheduler"
	"github.com/eleven-am/plexus/internal/adapters/storage"
	"github.com/eleven-am/plexus/internal/adapters/tracing"
	"github.com/eleven-am/plexus/internal/adapters/waitnotify"
	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/ports"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

const managerComponent = "core.Manager"

// Sweep names registered on the scheduler.
const (
	SweepExpireTasks     = "expire_tasks"
	SweepFailValidation  = "fail_validation"
	SweepExpireApprovals = "expire_approvals"
	SweepPruneWorkers    = "prune_workers"
	SweepPurgeWaits      = "purge_waits"
)

// waitRetention is how long finished waits are kept before the purge sweep drops them.
const waitRetention = 24 * time.Hour

// Manager owns one plexus node: the record store, the engine and every
// component that feeds it, plus the primary-only sweep loops.
type Manager struct {
	config *domain.Config
	logger *slog.Logger
	clock  ports.Clock

	store      *storage.Store
	registry   *prometheus.Registry
	metrics    *metrics.Collectors
	tracer     *tracing.Tracer
	waits      *waitnotify.Registry
	steps      *engine.Registry
	engine     *engine.Engine
	workers    *delegate.WorkerRegistry
	dispatcher *delegate.Dispatcher
	gate       *approval.Gate
	logs       *logstream.Stream
	elector    leader.Elector
	scheduler  *scheduler.Scheduler
	server     *observability.Server

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	served  chan error
}

type Option func(*options)

type options struct {
	clock     ports.Clock
	publisher ports.TaskPublisher
	provider  trace.TracerProvider
	registry  *prometheus.Registry
}

// WithClock replaces the wall clock for every time-dependent component.
func WithClock(clock ports.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithPublisher hands dispatched tasks to the worker transport.
func WithPublisher(publisher ports.TaskPublisher) Option {
	return func(o *options) {
		o.publisher = publisher
	}
}

func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(o *options) {
		o.provider = provider
	}
}

// WithRegistry registers the collectors on registry instead of a private one.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// NewManager opens the store described by config and wires every component.
// Nothing runs until Start.
func NewManager(config *domain.Config, opts ...Option) (*Manager, error) {
	if config == nil {
		config = domain.DefaultConfig()
	}
	if err := config.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	o := &options{clock: wallClock{}}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("node_id", config.NodeID)

	store, err := storage.Open(config.Storage, logger)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		config:   config,
		logger:   logger.With("component", "manager"),
		clock:    o.clock,
		store:    store,
		registry: o.registry,
		metrics:  metrics.New(o.registry, config.Observability.Namespace),
		tracer:   tracing.New(o.provider),
		steps:    engine.NewRegistry(),
	}
	if err := m.wire(o); err != nil {
		_ = store.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) wire(o *options) error {
	logger := m.logger
	now := m.clock.Now

	m.waits = waitnotify.NewRegistry(m.store, logger)
	m.logs = logstream.New(m.store, logger)

	eng, err := engine.NewEngine(m.config.Engine, m.store, m.steps, m.waits, logger,
		engine.WithMetrics(m.metrics),
		engine.WithTracer(m.tracer),
		engine.WithClock(now))
	if err != nil {
		return err
	}
	m.engine = eng

	m.workers = delegate.NewWorkerRegistry(m.config.Dispatcher.HeartbeatTTL, logger, now)
	dispatcherOpts := []delegate.Option{
		delegate.WithLogStream(m.logs),
		delegate.WithMetrics(m.metrics),
		delegate.WithClock(now),
	}
	if publisher := m.publisher(o.publisher); publisher != nil {
		dispatcherOpts = append(dispatcherOpts, delegate.WithPublisher(publisher))
	}
	m.dispatcher = delegate.NewDispatcher(m.config.Dispatcher, m.store, m.waits, m.workers, logger, dispatcherOpts...)

	m.gate = approval.NewGate(m.config.Approval, m.store, m.waits, eng.Aggregator(), logger,
		approval.WithLogStream(m.logs),
		approval.WithMetrics(m.metrics),
		approval.WithClock(now))

	if err := m.steps.Register(domain.StepTypeTask, delegate.NewTaskStep(m.dispatcher)); err != nil {
		return err
	}
	if err := m.steps.Register(domain.StepTypeApproval, approval.NewStep(m.gate)); err != nil {
		return err
	}

	elector, err := leader.New(m.config.Leader, m.config.NodeID, m.store, logger)
	if err != nil {
		return err
	}
	m.elector = elector

	m.scheduler = scheduler.NewScheduler(elector, logger,
		scheduler.WithMetrics(m.metrics),
		scheduler.WithTracer(m.tracer))
	for _, sweep := range m.sweeps() {
		if err := m.scheduler.Add(sweep); err != nil {
			return err
		}
	}

	if m.config.Observability.Enabled {
		m.server = observability.NewServer(m.config.Observability.Port, m, m.metrics.Gatherer(), logger)
	}
	return nil
}

// publisher wraps the transport in a circuit breaker when one is configured.
func (m *Manager) publisher(next ports.TaskPublisher) ports.TaskPublisher {
	if next == nil || !m.config.Dispatcher.Breaker.Enabled {
		return next
	}
	return breaker.NewPublisher(next, m.config.Dispatcher.Breaker, m.logger,
		breaker.WithMetrics(m.metrics),
		breaker.WithClock(m.clock.Now))
}

func (m *Manager) sweeps() []scheduler.Sweep {
	dispatch := m.config.Dispatcher.SweepInterval
	return []scheduler.Sweep{
		{Name: SweepExpireTasks, Interval: dispatch, Run: m.dispatcher.ExpireTasks},
		{Name: SweepFailValidation, Interval: dispatch, Run: m.dispatcher.FailValidationCompletedTasks},
		{Name: SweepExpireApprovals, Interval: m.config.Approval.SweepInterval, Run: m.gate.MarkExpiredInstances},
		{Name: SweepPruneWorkers, Interval: dispatch, Local: true, Run: func(context.Context) (int, error) {
			return len(m.workers.Prune()), nil
		}},
		{Name: SweepPurgeWaits, Interval: time.Hour, Run: func(ctx context.Context) (int, error) {
			return m.waits.Purge(ctx, m.clock.Now().Add(-waitRetention))
		}},
	}
}

// Start runs the engine, the leader elector, the sweep loops and, when
// enabled, the observability server.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return domain.NewWorkflowError("manager already started", nil,
			domain.WithComponent(managerComponent),
			domain.WithOperation("start"))
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := m.engine.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if err := m.elector.Start(runCtx); err != nil {
		cancel()
		_ = m.engine.Stop()
		return err
	}
	if err := m.scheduler.Start(); err != nil {
		cancel()
		_ = m.elector.Stop()
		_ = m.engine.Stop()
		return err
	}

	if m.server != nil {
		m.served = make(chan error, 1)
		go func() {
			m.served <- m.server.Start(runCtx)
		}()
	}

	m.cancel = cancel
	m.running = true
	m.logger.Info("manager started",
		"leader_mode", m.config.Leader.Mode,
		"step_types", m.steps.Types())
	return nil
}

// Stop shuts components down in reverse start order and closes the store.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return m.store.Close()
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(m.scheduler.Stop())
	cancel()
	if m.served != nil {
		record(<-m.served)
	}
	record(m.elector.Stop())
	record(m.engine.Stop())
	record(m.store.Close())

	m.logger.Info("manager stopped")
	return firstErr
}

// Health implements observability.HealthProvider.
func (m *Manager) Health(ctx context.Context) observability.HealthStatus {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	status := observability.HealthStatus{
		Healthy: running,
		Details: map[string]interface{}{
			"node_id":           m.config.NodeID,
			"leader":            m.elector.IsLeader(ctx),
			"connected_workers": len(m.workers.Workers()),
		},
	}
	if !running {
		status.Error = "manager is not running"
		return status
	}

	pending, err := m.waits.Pending(ctx)
	if err != nil {
		status.Healthy = false
		status.Error = "wait registry unavailable: " + err.Error()
		return status
	}
	status.Details["pending_waits"] = len(pending)
	return status
}

func (m *Manager) IsLeader(ctx context.Context) bool {
	return m.elector.IsLeader(ctx)
}

// RegisterStep adds a step implementation for stepType.
func (m *Manager) RegisterStep(stepType string, step ports.Step) error {
	return m.steps.Register(stepType, step)
}

func (m *Manager) StartPlan(ctx context.Context, plan *domain.Plan, opts engine.StartOptions) (*domain.PlanExecution, error) {
	return m.engine.StartPlan(ctx, plan, opts)
}

func (m *Manager) GetPlanExecution(ctx context.Context, id string) (*domain.PlanExecution, error) {
	return m.engine.GetPlanExecution(ctx, id)
}

func (m *Manager) GetNodeExecution(ctx context.Context, id string) (*domain.NodeExecution, error) {
	return m.engine.GetNodeExecution(ctx, id)
}

func (m *Manager) NodeExecutions(ctx context.Context, planExecutionID string) ([]*domain.NodeExecution, error) {
	return m.engine.NodeExecutions(ctx, planExecutionID)
}

func (m *Manager) AbortNode(ctx context.Context, id string) error {
	return m.engine.AbortNode(ctx, id)
}

func (m *Manager) AbortPlan(ctx context.Context, planExecutionID string) error {
	return m.engine.AbortPlan(ctx, planExecutionID)
}

func (m *Manager) RetryNode(ctx context.Context, id string) (*domain.NodeExecution, error) {
	return m.engine.RetryNode(ctx, id)
}

func (m *Manager) ReplayPlan(ctx context.Context, originalID string, rerun ...string) (*domain.PlanExecution, error) {
	return m.engine.ReplayPlan(ctx, originalID, rerun...)
}

// LogLines returns the audit lines written for a plan execution, oldest first.
func (m *Manager) LogLines(ctx context.Context, planExecutionID string) ([]string, error) {
	return m.logs.Lines(ctx, planExecutionID)
}

// RunSweep runs one named sweep now. ran is false when this node is not the primary.
func (m *Manager) RunSweep(ctx context.Context, name string) (count int, ran bool, err error) {
	return m.scheduler.RunOnce(ctx, name)
}

func (m *Manager) Dispatcher() *delegate.Dispatcher { return m.dispatcher }

func (m *Manager) Gate() *approval.Gate { return m.gate }

func (m *Manager) Workers() *delegate.WorkerRegistry { return m.workers }

func (m *Manager) Gatherer() prometheus.Gatherer { return m.metrics.Gatherer() }

// Addr is the observability server's listen address, or empty when it is disabled or not yet listening.
func (m *Manager) Addr() string {
	if m.server == nil {
		return ""
	}
	return m.server.Addr()
}
