package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/plexus/internal/adapters/metrics"
	"github.com/eleven-am/plexus/internal/adapters/storage"
	"github.com/eleven-am/plexus/internal/adapters/tracing"
	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/ports"
	"github.com/google/uuid"
)

// Engine drives node executions through their lifecycle. Work items are node
// execution ids; any worker may pick any id, and every status change goes
// through a conditional update on the record store.
type Engine struct {
	config     domain.EngineConfig
	store      *storage.Store
	steps      ports.StepRegistry
	waits      ports.WaitNotify
	aggregator *Aggregator
	retries    *RetryManager
	metrics    *metrics.Collectors
	tracer     *tracing.Tracer
	logger     *slog.Logger
	now        func() time.Time

	queue   chan string
	stopped chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
}

type Option func(*Engine)

func WithMetrics(collectors *metrics.Collectors) Option {
	return func(e *Engine) {
		e.metrics = collectors
	}
}

func WithTracer(tracer *tracing.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
			e.retries.now = clock
		}
	}
}

// NewEngine builds an engine and registers the built-in strategy, section and
// identity steps on steps.
func NewEngine(config domain.EngineConfig, store *storage.Store, steps ports.StepRegistry, waits ports.WaitNotify, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = domain.DefaultEngineConfig().WorkerCount
	}
	if config.QueueSize <= 0 {
		config.QueueSize = domain.DefaultEngineConfig().QueueSize
	}

	e := &Engine{
		config:     config,
		store:      store,
		steps:      steps,
		waits:      waits,
		aggregator: NewAggregator(store, logger),
		retries:    NewRetryManager(store, logger),
		tracer:     tracing.New(nil),
		logger:     logger.With("component", "engine"),
		now:        time.Now,
		queue:      make(chan string, config.QueueSize),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.registerBuiltins(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) registerBuiltins() error {
	builtins := map[string]ports.Step{
		domain.StepTypeStrategy:         NewStrategyStep(e.store),
		domain.StepTypeSection:          NewSectionStep(),
		domain.StepTypeIdentity:         NewIdentityStep(e.store, e.retries),
		domain.StepTypeIdentityStrategy: NewIdentityStrategyStep(e.store),
	}
	for stepType, step := range builtins {
		if _, exists := e.steps.Get(stepType); exists {
			continue
		}
		if err := e.steps.Register(stepType, step); err != nil {
			return err
		}
	}
	return nil
}

// Aggregator exposes the plan status aggregator shared with the gate.
func (e *Engine) Aggregator() *Aggregator {
	return e.aggregator
}

func (e *Engine) RetryManager() *RetryManager {
	return e.retries
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return newWorkflowError(engineComponent, "engine already started", nil, domain.WithOperation("start"))
	}

	e.logger.Info("starting engine", "worker_count", e.config.WorkerCount, "queue_size", e.config.QueueSize)
	e.ctx, e.cancel = context.WithCancel(ctx)

	for i := 0; i < e.config.WorkerCount; i++ {
		e.wg.Add(1)
		go e.processWork()
	}
	e.running = true

	if err := e.Recover(e.ctx); err != nil {
		e.logger.Warn("recovery after start failed", errorLogAttrs(err)...)
	}
	return nil
}

func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	e.logger.Debug("stopping engine")
	close(e.stopped)
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	timeout := e.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case <-done:
		e.logger.Debug("engine stopped")
		return nil
	case <-time.After(timeout):
		return domain.NewTimeoutError("timed out waiting for engine workers", nil,
			domain.WithComponent(engineComponent),
			domain.WithOperation("stop"))
	}
}

func (e *Engine) processWork() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case id := <-e.queue:
			e.metrics.SetQueueDepth(len(e.queue))
			if err := e.startNode(e.ctx, id); err != nil {
				e.logger.Error("node execution start failed",
					append([]any{"node_execution_id", id}, errorLogAttrs(err)...)...)
			}
		}
	}
}

// enqueue hands a queued node execution to the worker pool. A full queue never
// blocks the caller.
func (e *Engine) enqueue(id string) {
	select {
	case e.queue <- id:
		e.metrics.SetQueueDepth(len(e.queue))
	default:
		go func() {
			select {
			case e.queue <- id:
			case <-e.stopped:
			}
		}()
	}
}

// track runs fn in a goroutine that Stop waits for.
func (e *Engine) track(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Recover re-enqueues queued executions and re-registers waits for suspended
// ones, so a restarted engine resumes where the previous process stopped.
func (e *Engine) Recover(ctx context.Context) error {
	queued, err := e.store.NodeExecutions.Find(ctx, func(n *domain.NodeExecution) bool {
		return !n.OldRetry && (n.Status == domain.StatusQueued && !n.Deferred || n.Status == domain.StatusWaiting)
	})
	if err != nil {
		return newStorageError(engineComponent, "failed to scan node executions", err, domain.WithOperation("recover"))
	}

	requeued, rewaited := 0, 0
	for _, exec := range queued {
		switch exec.Status {
		case domain.StatusQueued:
			e.enqueue(exec.ID)
			requeued++
		case domain.StatusWaiting:
			if exec.CorrelationID == "" {
				continue
			}
			if err := e.await(ctx, exec.ID, exec.CorrelationID); err != nil {
				e.logger.Warn("failed to re-register wait",
					append([]any{"node_execution_id", exec.ID}, errorLogAttrs(err)...)...)
				continue
			}
			rewaited++
		}
	}

	if requeued > 0 || rewaited > 0 {
		e.logger.Info("recovered node executions", "requeued", requeued, "waiting", rewaited)
	}
	return nil
}

// StartOptions scopes a new plan execution.
type StartOptions struct {
	AccountID string
	OrgID     string
	ProjectID string
	Inputs    map[string]any
}

// StartPlan persists the plan graph, creates the plan execution and queues its root.
func (e *Engine) StartPlan(ctx context.Context, plan *domain.Plan, opts StartOptions) (*domain.PlanExecution, error) {
	if plan == nil || plan.ID == "" {
		return nil, newValidationError(engineComponent, "plan id is required", nil, domain.WithOperation("start_plan"))
	}

	nodes := make(map[string]*domain.PlanNode, len(plan.Nodes))
	for _, node := range plan.Nodes {
		if node == nil || node.ID == "" {
			return nil, newValidationError(engineComponent, "plan node id is required", nil, domain.WithOperation("start_plan"))
		}
		if _, dup := nodes[node.ID]; dup {
			return nil, newValidationError(engineComponent, "duplicate plan node id", nil,
				domain.WithOperation("start_plan"),
				domain.WithDetail("plan_node_id", node.ID))
		}
		if node.PlanID == "" {
			node.PlanID = plan.ID
		}
		if node.Kind == "" {
			node.Kind = domain.PlanNodeKindPlan
		}
		step, ok := e.steps.Get(node.StepType)
		if !ok {
			return nil, newValidationError(engineComponent, "no step registered for step type", nil,
				domain.WithOperation("start_plan"),
				domain.WithDetail("step_type", node.StepType),
				domain.WithDetail("plan_node_id", node.ID))
		}
		if err := step.Validate(ctx, node); err != nil {
			return nil, newValidationError(engineComponent, "plan node failed validation", err,
				domain.WithOperation("start_plan"),
				domain.WithDetail("plan_node_id", node.ID))
		}
		nodes[node.ID] = node
	}

	root, ok := nodes[plan.RootNodeID]
	if !ok {
		return nil, newValidationError(engineComponent, "root node is not part of the plan", nil,
			domain.WithOperation("start_plan"),
			domain.WithDetail("root_node_id", plan.RootNodeID))
	}

	if err := e.store.PlanNodes.SaveAll(ctx, plan.Nodes); err != nil {
		return nil, newStorageError(engineComponent, "failed to save plan nodes", err, domain.WithOperation("start_plan"))
	}

	now := e.now()
	planExec := &domain.PlanExecution{
		ID:         uuid.NewString(),
		PlanID:     plan.ID,
		RootNodeID: root.ID,
		Status:     domain.StatusRunning,
		AccountID:  opts.AccountID,
		OrgID:      opts.OrgID,
		ProjectID:  opts.ProjectID,
		Inputs:     opts.Inputs,
		CreatedAt:  now,
		StartTs:    now,
	}
	if err := e.launch(ctx, planExec, root); err != nil {
		return nil, err
	}
	return planExec, nil
}

// launch saves planExec and queues a root execution of rootNode.
func (e *Engine) launch(ctx context.Context, planExec *domain.PlanExecution, rootNode *domain.PlanNode) error {
	if err := e.store.PlanExecutions.Insert(ctx, planExec); err != nil {
		return newStorageError(engineComponent, "failed to create plan execution", err,
			domain.WithPlanExecutionID(planExec.ID))
	}

	now := e.now()
	id := uuid.NewString()
	rootExec := &domain.NodeExecution{
		ID:         id,
		PlanNodeID: rootNode.ID,
		StepType:   rootNode.StepType,
		Identifier: rootNode.Identifier,
		Ambiance: domain.Ambiance{
			PlanExecutionID: planExec.ID,
			PlanID:          planExec.PlanID,
			AccountID:       planExec.AccountID,
			OrgID:           planExec.OrgID,
			ProjectID:       planExec.ProjectID,
			Levels:          []domain.Level{levelFor(id, rootNode, now, nil)},
		},
		Status:    domain.StatusQueued,
		CreatedAt: now,
	}
	if err := e.store.NodeExecutions.Insert(ctx, rootExec); err != nil {
		return newStorageError(engineComponent, "failed to create root node execution", err,
			domain.WithPlanExecutionID(planExec.ID))
	}

	e.logger.Info("plan execution started",
		"plan_execution_id", planExec.ID,
		"plan_id", planExec.PlanID,
		"root_node_execution_id", id,
		"replay_of", planExec.ReplayOf)

	e.enqueue(id)
	return nil
}

func levelFor(runtimeID string, node *domain.PlanNode, now time.Time, metadata *domain.StrategyMetadata) domain.Level {
	return domain.Level{
		RuntimeID:        runtimeID,
		SetupID:          node.ID,
		Identifier:       node.Identifier,
		StepType:         node.StepType,
		StartTs:          now,
		StrategyMetadata: metadata,
	}
}

// GetNodeExecution returns one node execution record.
func (e *Engine) GetNodeExecution(ctx context.Context, id string) (*domain.NodeExecution, error) {
	return e.store.NodeExecutions.Get(ctx, id)
}

func (e *Engine) GetPlanExecution(ctx context.Context, id string) (*domain.PlanExecution, error) {
	return e.store.PlanExecutions.Get(ctx, id)
}

// NodeExecutions lists every node execution of a plan execution, superseded attempts included.
func (e *Engine) NodeExecutions(ctx context.Context, planExecutionID string) ([]*domain.NodeExecution, error) {
	return e.store.NodeExecutions.FindBy(ctx, domain.IndexPlanExecution, planExecutionID)
}
