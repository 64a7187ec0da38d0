package domain

import "time"

// TaskStatus is the live status of a remote task. Finished tasks are deleted.
type TaskStatus string

const (
	TaskQueued  TaskStatus = "QUEUED"
	TaskStarted TaskStatus = "STARTED"
	TaskParked  TaskStatus = "PARKED"
	TaskAborted TaskStatus = "ABORTED"
)

// Task is a unit of work dispatched to an external worker pool.
type Task struct {
	ID                        string         `json:"id"`
	AccountID                 string         `json:"account_id,omitempty"`
	OrgID                     string         `json:"org_id,omitempty"`
	ProjectID                 string         `json:"project_id,omitempty"`
	PlanExecutionID           string         `json:"plan_execution_id,omitempty"`
	NodeExecutionID           string         `json:"node_execution_id,omitempty"`
	WaitID                    string         `json:"wait_id"`
	TaskType                  string         `json:"task_type"`
	Payload                   map[string]any `json:"payload,omitempty"`
	Status                    TaskStatus     `json:"status"`
	Async                     bool           `json:"async"`
	ForceExecute              bool           `json:"force_execute"`
	WorkerID                  string         `json:"worker_id,omitempty"`
	EligibleWorkers           []string       `json:"eligible_workers,omitempty"`
	PreferredWorkers          []string       `json:"preferred_workers,omitempty"`
	ValidationCompleteWorkers []string       `json:"validation_complete_workers,omitempty"`
	ValidationStartedAt       time.Time      `json:"validation_started_at,omitempty"`
	CreatedAt                 time.Time      `json:"created_at"`
	Expiry                    time.Time      `json:"expiry"`
	Version                   int64          `json:"version"`
}

// TaskHeader is the subset of a task read by the sweeps before the full record.
type TaskHeader struct {
	ID                  string     `json:"id"`
	Status              TaskStatus `json:"status"`
	ForceExecute        bool       `json:"force_execute"`
	CreatedAt           time.Time  `json:"created_at"`
	Expiry              time.Time  `json:"expiry"`
	ValidationStartedAt time.Time  `json:"validation_started_at,omitempty"`
}

// ValidationExhausted reports whether every eligible worker finished validating the task.
func (t *Task) ValidationExhausted() bool {
	done := make(map[string]struct{}, len(t.ValidationCompleteWorkers))
	for _, id := range t.ValidationCompleteWorkers {
		done[id] = struct{}{}
	}
	for _, id := range t.EligibleWorkers {
		if _, ok := done[id]; !ok {
			return false
		}
	}
	return true
}

// DispatchMessage is sent to the worker pool when a task is dispatched.
type DispatchMessage struct {
	TaskID       string         `json:"task_id"`
	TaskType     string         `json:"task_type"`
	Payload      map[string]any `json:"payload,omitempty"`
	AccountID    string         `json:"account_id,omitempty"`
	OrgID        string         `json:"org_id,omitempty"`
	ProjectID    string         `json:"project_id,omitempty"`
	Expiry       time.Time      `json:"expiry"`
	ForceExecute bool           `json:"force_execute"`
	Workers      []string       `json:"workers,omitempty"`
}

// CompletionStatus is reported by a worker when it finishes a task.
type CompletionStatus string

const (
	CompletionSuccess CompletionStatus = "SUCCESS"
	CompletionFailure CompletionStatus = "FAILURE"
	CompletionError   CompletionStatus = "FAILED_WITH_ERROR"
)

// CompletionMessage is received from a worker when a task finishes.
type CompletionMessage struct {
	TaskID       string           `json:"task_id"`
	WorkerID     string           `json:"worker_id,omitempty"`
	Status       CompletionStatus `json:"status"`
	Payload      map[string]any   `json:"payload,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

// Worker describes a connected worker process.
type Worker struct {
	ID            string    `json:"id"`
	TaskTypes     []string  `json:"task_types,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	ConnectedAt   time.Time `json:"connected_at"`
}

// Supports reports whether the worker accepts taskType. An empty list accepts everything.
func (w Worker) Supports(taskType string) bool {
	if len(w.TaskTypes) == 0 {
		return true
	}
	for _, t := range w.TaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}
