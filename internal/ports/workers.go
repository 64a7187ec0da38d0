package ports

import (
	"context"

	"github.com/eleven-am/plexus/internal/domain"
)

// WorkerDirectory knows which remote workers are currently connected.
type WorkerDirectory interface {
	IsConnected(workerID string) bool
	Eligible(taskType string) []string
}

// TaskPublisher hands a dispatched task to the worker transport.
type TaskPublisher interface {
	Publish(ctx context.Context, msg domain.DispatchMessage) error
}

// LogStream receives audit lines for a plan execution.
type LogStream interface {
	Append(ctx context.Context, planExecutionID, nodeExecutionID, line string) error
}
