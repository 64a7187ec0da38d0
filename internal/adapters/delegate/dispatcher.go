// Package delegate dispatches remote tasks to external workers and tracks them
// until a worker responds, the task expires or no worker can validate it.
package delegate

import (
	"context"
	"log/slog"
	"time"

	"github.com/eleven-am/plexus/internal/adapters/metrics"
	"github.com/eleven-am/plexus/internal/adapters/storage"
	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/ports"
	"github.com/google/uuid"
)

var (
	acknowledgeable = []domain.TaskStatus{domain.TaskQueued, domain.TaskParked}
	abortable       = []domain.TaskStatus{domain.TaskQueued, domain.TaskParked, domain.TaskAborted}
)

// TaskRequest describes remote work requested by a node execution.
type TaskRequest struct {
	AccountID        string
	OrgID            string
	ProjectID        string
	PlanExecutionID  string
	NodeExecutionID  string
	TaskType         string
	Payload          map[string]any
	Timeout          time.Duration
	Async            bool
	ForceExecute     bool
	PreferredWorkers []string
}

type Dispatcher struct {
	config    domain.DispatcherConfig
	store     *storage.Store
	waits     ports.WaitNotify
	workers   ports.WorkerDirectory
	publisher ports.TaskPublisher
	logs      ports.LogStream
	metrics   *metrics.Collectors
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Dispatcher)

func WithPublisher(publisher ports.TaskPublisher) Option {
	return func(d *Dispatcher) {
		d.publisher = publisher
	}
}

func WithLogStream(logs ports.LogStream) Option {
	return func(d *Dispatcher) {
		d.logs = logs
	}
}

func WithMetrics(collectors *metrics.Collectors) Option {
	return func(d *Dispatcher) {
		d.metrics = collectors
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func NewDispatcher(config domain.DispatcherConfig, store *storage.Store, waits ports.WaitNotify, workers ports.WorkerDirectory, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		config:  config,
		store:   store,
		waits:   waits,
		workers: workers,
		logger:  logger.With("component", "dispatcher"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch persists a QUEUED task and hands it to the worker transport. The
// returned task's WaitID is the correlation id the caller suspends on.
func (d *Dispatcher) Dispatch(ctx context.Context, req TaskRequest) (*domain.Task, error) {
	if req.TaskType == "" {
		return nil, newValidationError(dispatcherComponent, "task type is required", domain.ErrInvalidInput,
			domain.WithOperation("dispatch"),
			domain.WithNodeExecutionID(req.NodeExecutionID))
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.config.DefaultTimeout
	}

	var eligible []string
	if d.workers != nil {
		eligible = d.workers.Eligible(req.TaskType)
	}

	now := d.now()
	task := &domain.Task{
		ID:               uuid.NewString(),
		AccountID:        req.AccountID,
		OrgID:            req.OrgID,
		ProjectID:        req.ProjectID,
		PlanExecutionID:  req.PlanExecutionID,
		NodeExecutionID:  req.NodeExecutionID,
		WaitID:           uuid.NewString(),
		TaskType:         req.TaskType,
		Payload:          domain.CloneMap(req.Payload),
		Status:           domain.TaskQueued,
		Async:            req.Async,
		ForceExecute:     req.ForceExecute,
		EligibleWorkers:  eligible,
		PreferredWorkers: req.PreferredWorkers,
		CreatedAt:        now,
		Expiry:           now.Add(timeout),
	}

	if err := d.store.Tasks.Insert(ctx, task); err != nil {
		return nil, newStorageError(dispatcherComponent, "failed to persist task", err,
			domain.WithOperation("dispatch"),
			domain.WithNodeExecutionID(req.NodeExecutionID))
	}

	if d.publisher != nil {
		msg := domain.DispatchMessage{
			TaskID:       task.ID,
			TaskType:     task.TaskType,
			Payload:      task.Payload,
			AccountID:    task.AccountID,
			OrgID:        task.OrgID,
			ProjectID:    task.ProjectID,
			Expiry:       task.Expiry,
			ForceExecute: task.ForceExecute,
			Workers:      eligible,
		}
		if err := d.publisher.Publish(ctx, msg); err != nil {
			if _, delErr := d.store.Tasks.DeleteByIDs(ctx, []string{task.ID}); delErr != nil {
				d.logger.Error("failed to remove unpublished task", "task_id", task.ID, "error", delErr)
			}
			return nil, newResourceError(dispatcherComponent, "failed to publish task", err,
				domain.WithOperation("dispatch"),
				domain.WithNodeExecutionID(req.NodeExecutionID),
				domain.WithDetail("task_id", task.ID))
		}
	}

	d.metrics.TaskDispatched()
	d.logger.Info("task dispatched",
		"task_id", task.ID,
		"task_type", task.TaskType,
		"wait_id", task.WaitID,
		"node_execution_id", task.NodeExecutionID,
		"eligible_workers", len(eligible),
		"expiry", task.Expiry)
	return task, nil
}

func (d *Dispatcher) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	return d.store.Tasks.Get(ctx, taskID)
}

// Acknowledge records that workerID acquired the task.
func (d *Dispatcher) Acknowledge(ctx context.Context, taskID, workerID string) (*domain.Task, error) {
	task, err := storage.UpdateIfStatusIn(ctx, d.store.Tasks, taskID, acknowledgeable, func(t *domain.Task) error {
		t.Status = domain.TaskStarted
		t.WorkerID = workerID
		return nil
	})
	if err != nil {
		return nil, newStorageError(dispatcherComponent, "failed to acknowledge task", err,
			domain.WithOperation("acknowledge"),
			domain.WithDetail("task_id", taskID))
	}
	if task == nil {
		return nil, d.rejected(ctx, taskID, "acknowledge", "task cannot be acquired")
	}
	d.logger.Debug("task acquired", "task_id", taskID, "worker_id", workerID)
	return task, nil
}

// Park moves a queued task aside until a worker capable of running it appears.
func (d *Dispatcher) Park(ctx context.Context, taskID string) (*domain.Task, error) {
	task, err := storage.UpdateIfStatusIn(ctx, d.store.Tasks, taskID, []domain.TaskStatus{domain.TaskQueued}, func(t *domain.Task) error {
		t.Status = domain.TaskParked
		return nil
	})
	if err != nil {
		return nil, newStorageError(dispatcherComponent, "failed to park task", err,
			domain.WithOperation("park"),
			domain.WithDetail("task_id", taskID))
	}
	if task == nil {
		return nil, d.rejected(ctx, taskID, "park", "only queued tasks can be parked")
	}
	return task, nil
}

// RecordValidation notes that workerID finished validating a queued task
// without acquiring it. The first call starts the validation clock.
func (d *Dispatcher) RecordValidation(ctx context.Context, taskID, workerID string) (*domain.Task, error) {
	now := d.now()
	task, err := storage.UpdateIfStatusIn(ctx, d.store.Tasks, taskID, []domain.TaskStatus{domain.TaskQueued}, func(t *domain.Task) error {
		if t.ValidationStartedAt.IsZero() {
			t.ValidationStartedAt = now
		}
		for _, id := range t.ValidationCompleteWorkers {
			if id == workerID {
				return nil
			}
		}
		t.ValidationCompleteWorkers = append(t.ValidationCompleteWorkers, workerID)
		return nil
	})
	if err != nil {
		return nil, newStorageError(dispatcherComponent, "failed to record validation", err,
			domain.WithOperation("record_validation"),
			domain.WithDetail("task_id", taskID))
	}
	if task == nil {
		return nil, d.rejected(ctx, taskID, "record_validation", "only queued tasks can be validated")
	}
	return task, nil
}

// HandleResponse completes a task from a worker's completion message. Only the
// caller that removes the task record delivers; later responses return false.
func (d *Dispatcher) HandleResponse(ctx context.Context, msg domain.CompletionMessage) (bool, error) {
	task, err := d.store.Tasks.Get(ctx, msg.TaskID)
	if err != nil {
		if domain.IsNotFound(err) {
			return false, newValidationError(dispatcherComponent, "task is unknown or already finished", domain.ErrNotFound,
				domain.WithOperation("handle_response"),
				domain.WithDetail("task_id", msg.TaskID))
		}
		return false, newStorageError(dispatcherComponent, "failed to load task", err,
			domain.WithOperation("handle_response"),
			domain.WithDetail("task_id", msg.TaskID))
	}

	result := domain.NotifyResult{
		Status:       resultStatus(msg.Status),
		Payload:      msg.Payload,
		ErrorMessage: msg.ErrorMessage,
	}
	if result.Status != domain.ResultSuccess {
		result.FailureTypes = []domain.FailureType{domain.FailureApplication}
	}

	delivered, err := d.finish(ctx, task.ID, task.WaitID, result)
	if err != nil {
		return false, err
	}
	if delivered {
		d.metrics.TaskCompleted(string(msg.Status))
		d.logger.Info("task completed",
			"task_id", task.ID,
			"worker_id", msg.WorkerID,
			"status", msg.Status)
	}
	return delivered, nil
}

// Abort marks a task ABORTED when no worker has started it yet. Force-executed
// and started tasks keep running; the expiry sweep removes aborted tasks.
func (d *Dispatcher) Abort(ctx context.Context, taskID string) (bool, error) {
	task, err := d.store.Tasks.UpdateIf(ctx, taskID, func(t *domain.Task) bool {
		if t.ForceExecute {
			return false
		}
		for _, status := range abortable {
			if t.Status == status {
				return true
			}
		}
		return false
	}, func(t *domain.Task) error {
		t.Status = domain.TaskAborted
		return nil
	})
	if err != nil {
		return false, newStorageError(dispatcherComponent, "failed to abort task", err,
			domain.WithOperation("abort"),
			domain.WithDetail("task_id", taskID))
	}
	if task == nil {
		d.logger.Debug("task not abortable", "task_id", taskID)
		return false, nil
	}
	d.logger.Info("task aborted", "task_id", taskID, "node_execution_id", task.NodeExecutionID)
	return true, nil
}

// AbortByWaitID aborts every task a node suspended on.
func (d *Dispatcher) AbortByWaitID(ctx context.Context, waitID string) (int, error) {
	ids, err := d.store.Tasks.IDsBy(ctx, domain.IndexWaitID, waitID)
	if err != nil {
		return 0, newStorageError(dispatcherComponent, "failed to find tasks by wait id", err,
			domain.WithOperation("abort"),
			domain.WithDetail("wait_id", waitID))
	}
	aborted := 0
	for _, id := range ids {
		ok, err := d.Abort(ctx, id)
		if err != nil {
			return aborted, err
		}
		if ok {
			aborted++
		}
	}
	return aborted, nil
}

// finish removes the task record and, when this call removed it, delivers
// result to waitID.
func (d *Dispatcher) finish(ctx context.Context, taskID, waitID string, result domain.NotifyResult) (bool, error) {
	deleted, err := d.store.Tasks.DeleteByIDs(ctx, []string{taskID})
	if err != nil {
		return false, newStorageError(dispatcherComponent, "failed to remove finished task", err,
			domain.WithDetail("task_id", taskID))
	}
	if len(deleted) == 0 || waitID == "" {
		return false, nil
	}
	return d.deliver(ctx, taskID, waitID, result)
}

func (d *Dispatcher) deliver(ctx context.Context, taskID, waitID string, result domain.NotifyResult) (bool, error) {
	delivered, err := d.waits.Deliver(ctx, waitID, result)
	if err != nil {
		return false, newStorageError(dispatcherComponent, "failed to deliver task result", err,
			domain.WithDetail("task_id", taskID),
			domain.WithDetail("wait_id", waitID))
	}
	if !delivered {
		d.logger.Debug("task result already delivered", "task_id", taskID, "wait_id", waitID)
	}
	return delivered, nil
}

func (d *Dispatcher) rejected(ctx context.Context, taskID, operation, message string) error {
	exists, err := d.store.Tasks.Exists(ctx, taskID)
	if err == nil && !exists {
		return newValidationError(dispatcherComponent, "task is unknown or already finished", domain.ErrNotFound,
			domain.WithOperation(operation),
			domain.WithDetail("task_id", taskID))
	}
	return newValidationError(dispatcherComponent, message, nil,
		domain.WithOperation(operation),
		domain.WithDetail("task_id", taskID))
}

func resultStatus(status domain.CompletionStatus) domain.ResultStatus {
	switch status {
	case domain.CompletionSuccess:
		return domain.ResultSuccess
	case domain.CompletionFailure:
		return domain.ResultFailure
	default:
		return domain.ResultError
	}
}
