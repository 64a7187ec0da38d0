package delegate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eleven-am/plexus/internal/domain"
	json "github.com/goccy/go-json"
)

const undecodableTaskMessage = "Unable to determine proper error as task could not be deserialized"

var errBatchFull = errors.New("batch full")

// ExpireTasks ends every task past its expiry that is older than the grace
// window. Force-executed tasks are never expired. It returns the number of
// task records removed.
func (d *Dispatcher) ExpireTasks(ctx context.Context) (int, error) {
	started := time.Now()
	defer func() { d.metrics.ObserveSweep("task_expiry", time.Since(started)) }()

	now := d.now()
	cutoff := now.Add(-d.config.GracePeriod)

	var candidates []string
	err := d.store.Tasks.ScanRaw(ctx, func(id string, raw []byte) error {
		var header domain.TaskHeader
		if err := json.Unmarshal(raw, &header); err != nil {
			d.metrics.UndecodableTask()
			d.logger.Warn("skipping task with unreadable header", "task_id", id, "error", err)
			return nil
		}
		if header.ForceExecute || !header.CreatedAt.Before(cutoff) || !header.Expiry.Before(now) {
			return nil
		}
		switch header.Status {
		case domain.TaskStarted:
			d.logger.Info("marking timed out task as failed", "task_id", id)
		case domain.TaskQueued, domain.TaskParked, domain.TaskAborted:
			d.logger.Info("marking long queued task as failed", "task_id", id, "status", header.Status)
		default:
			return nil
		}
		candidates = append(candidates, id)
		if d.config.BatchSize > 0 && len(candidates) >= d.config.BatchSize {
			return errBatchFull
		}
		return nil
	})
	if err != nil && !errors.Is(err, errBatchFull) {
		return 0, newStorageError(sweepComponent, "failed to scan tasks", err, domain.WithOperation("expire"))
	}
	if len(candidates) == 0 {
		return 0, nil
	}
	return d.endTasks(ctx, candidates)
}

// endTasks deletes taskIDs and reports expiry to their waits. When the batch
// cannot be decoded, tasks are read one at a time, and a task that still
// cannot be decoded is read for its wait id alone.
func (d *Dispatcher) endTasks(ctx context.Context, taskIDs []string) (int, error) {
	tasks := make(map[string]*domain.Task, len(taskIDs))
	waitIDs := make(map[string]string, len(taskIDs))
	var expire []string

	batch, err := d.store.Tasks.FindByIDs(ctx, taskIDs)
	if err == nil {
		for _, task := range batch {
			if task.ForceExecute {
				continue
			}
			expire = append(expire, task.ID)
			tasks[task.ID] = task
			if task.WaitID != "" {
				waitIDs[task.ID] = task.WaitID
			}
		}
	} else {
		d.logger.Error("failed to decode task batch, trying individually", "tasks", len(taskIDs), "error", err)
		for _, id := range taskIDs {
			task, err := d.store.Tasks.Get(ctx, id)
			if err == nil {
				if task.ForceExecute {
					continue
				}
				expire = append(expire, id)
				tasks[id] = task
				if task.WaitID != "" {
					waitIDs[id] = task.WaitID
				}
				continue
			}
			if domain.IsNotFound(err) {
				continue
			}

			d.metrics.UndecodableTask()
			d.logger.Error("could not decode task, retrying with wait id only", "task_id", id, "error", err)
			expire = append(expire, id)
			waitID, err := d.readWaitID(ctx, id)
			if err != nil {
				d.logger.Error("could not read wait id, task will be deleted without notifying", "task_id", id, "error", err)
				continue
			}
			if waitID != "" {
				waitIDs[id] = waitID
			}
		}
	}

	if len(expire) == 0 {
		return 0, nil
	}
	deleted, err := d.store.Tasks.DeleteByIDs(ctx, expire)
	if err != nil {
		return 0, newStorageError(sweepComponent, "failed to delete expired tasks", err,
			domain.WithOperation("expire"),
			domain.WithDetail("tasks", len(expire)))
	}
	d.metrics.TasksExpired(len(deleted))

	for _, id := range deleted {
		waitID, ok := waitIDs[id]
		if !ok {
			continue
		}
		message := undecodableTaskMessage
		if task, ok := tasks[id]; ok {
			message = expiryMessage(task)
		}
		d.logger.Info("marking task as failed", "task_id", id, "reason", message)

		if _, err := d.deliver(ctx, id, waitID, domain.NotifyResult{
			Status:       domain.ResultError,
			ErrorMessage: message,
			Expired:      true,
			FailureTypes: []domain.FailureType{domain.FailureExpired},
		}); err != nil {
			d.logger.Error("failed to notify expired task", "task_id", id, "wait_id", waitID, "error", err)
		}
	}
	return len(deleted), nil
}

func (d *Dispatcher) readWaitID(ctx context.Context, taskID string) (string, error) {
	raw, err := d.store.Tasks.GetRaw(ctx, taskID)
	if err != nil {
		return "", err
	}
	var projection struct {
		WaitID string `json:"wait_id"`
	}
	if err := json.Unmarshal(raw, &projection); err != nil {
		return "", err
	}
	return projection.WaitID, nil
}

// FailValidationCompletedTasks fails queued tasks whose validation ran past the
// validation timeout with every eligible worker done and none acquiring them.
// A task with a connected preferred worker is left for that worker.
func (d *Dispatcher) FailValidationCompletedTasks(ctx context.Context) (int, error) {
	started := time.Now()
	defer func() { d.metrics.ObserveSweep("task_validation", time.Since(started)) }()

	deadline := d.now().Add(-d.config.ValidationTimeout)
	exhausted := func(t *domain.Task) bool {
		return t.Status == domain.TaskQueued &&
			!t.ValidationStartedAt.IsZero() &&
			t.ValidationStartedAt.Before(deadline) &&
			t.ValidationExhausted()
	}
	candidates, err := d.store.Tasks.Find(ctx, exhausted)
	if err != nil {
		return 0, newStorageError(sweepComponent, "failed to find validated tasks", err, domain.WithOperation("validation"))
	}

	failed := 0
	for _, task := range candidates {
		if connected := d.connectedPreferred(task); len(connected) > 0 {
			d.logger.Info("waiting for task to be acquired by a preferred worker",
				"task_id", task.ID,
				"workers", connected)
			continue
		}

		removed, err := d.store.Tasks.DeleteIf(ctx, task.ID, exhausted)
		if err != nil {
			d.logger.Error("failed to fail validated task", "task_id", task.ID, "error", err)
			continue
		}
		if removed == nil {
			d.logger.Debug("task changed before validation failure", "task_id", task.ID)
			continue
		}
		task = removed

		message := validationMessage(task)
		d.logger.Info("failing task due to validation error", "task_id", task.ID, "reason", message)
		if d.logs != nil && task.PlanExecutionID != "" {
			if err := d.logs.Append(ctx, task.PlanExecutionID, task.NodeExecutionID, message); err != nil {
				d.logger.Warn("failed to write validation failure to log stream", "task_id", task.ID, "error", err)
			}
		}

		result := domain.NotifyResult{Status: domain.ResultError, ErrorMessage: message}
		if task.Async {
			result.FailureTypes = []domain.FailureType{domain.FailureDelegateProvisioning}
		}
		if task.WaitID == "" {
			continue
		}
		delivered, err := d.deliver(ctx, task.ID, task.WaitID, result)
		if err != nil {
			d.logger.Error("failed to notify validated task", "task_id", task.ID, "error", err)
			continue
		}
		if delivered {
			d.metrics.TaskValidationFailed()
			failed++
		}
	}
	return failed, nil
}

func (d *Dispatcher) connectedPreferred(task *domain.Task) []string {
	if d.workers == nil {
		return nil
	}
	var connected []string
	for _, id := range task.PreferredWorkers {
		if d.workers.IsConnected(id) {
			connected = append(connected, id)
		}
	}
	return connected
}

func expiryMessage(task *domain.Task) string {
	switch {
	case task.Status == domain.TaskStarted && task.WorkerID != "":
		return fmt.Sprintf("Task was acquired by worker %s but did not complete before it expired at %s",
			task.WorkerID, task.Expiry.UTC().Format(time.RFC3339))
	case task.Status == domain.TaskAborted:
		return "Task was aborted before any worker acquired it"
	case len(task.EligibleWorkers) == 0:
		return fmt.Sprintf("Task of type %s expired: no eligible worker was connected", task.TaskType)
	default:
		return fmt.Sprintf("Task of type %s expired before any of the eligible workers [%s] acquired it",
			task.TaskType, strings.Join(task.EligibleWorkers, ", "))
	}
}

func validationMessage(task *domain.Task) string {
	if len(task.EligibleWorkers) == 0 {
		return fmt.Sprintf("No delegate could execute this task of type %s: no eligible worker was found", task.TaskType)
	}
	return fmt.Sprintf("No delegate could execute this task of type %s: workers [%s] completed validation without acquiring it",
		task.TaskType, strings.Join(task.EligibleWorkers, ", "))
}
