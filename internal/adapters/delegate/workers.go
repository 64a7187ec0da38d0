package delegate

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/ports"
)

// WorkerRegistry tracks connected workers by heartbeat. A worker whose last
// heartbeat is older than the TTL counts as disconnected.
type WorkerRegistry struct {
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	workers map[string]domain.Worker
}

func NewWorkerRegistry(ttl time.Duration, logger *slog.Logger, now func() time.Time) *WorkerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &WorkerRegistry{
		ttl:     ttl,
		logger:  logger.With("component", "worker-registry"),
		now:     now,
		workers: make(map[string]domain.Worker),
	}
}

func (r *WorkerRegistry) Connect(id string, taskTypes ...string) error {
	if id == "" {
		return newValidationError(dispatcherComponent, "worker id cannot be empty", domain.ErrInvalidInput,
			domain.WithOperation("connect"))
	}

	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, exists := r.workers[id]
	if !exists {
		worker = domain.Worker{ID: id, ConnectedAt: now}
	}
	worker.TaskTypes = append([]string(nil), taskTypes...)
	worker.LastHeartbeat = now
	r.workers[id] = worker

	r.logger.Debug("worker connected", "worker_id", id, "task_types", taskTypes, "reconnected", exists)
	return nil
}

// Heartbeat refreshes a connected worker. It returns false for an unknown worker.
func (r *WorkerRegistry) Heartbeat(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, exists := r.workers[id]
	if !exists {
		return false
	}
	worker.LastHeartbeat = r.now()
	r.workers[id] = worker
	return true
}

func (r *WorkerRegistry) Disconnect(id string) {
	r.mu.Lock()
	delete(r.workers, id)
	r.mu.Unlock()
	r.logger.Debug("worker disconnected", "worker_id", id)
}

func (r *WorkerRegistry) IsConnected(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	worker, exists := r.workers[id]
	return exists && r.alive(worker)
}

// Eligible returns the sorted ids of live workers that accept taskType.
func (r *WorkerRegistry) Eligible(taskType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, worker := range r.workers {
		if r.alive(worker) && worker.Supports(taskType) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *WorkerRegistry) Workers() []domain.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Worker, 0, len(r.workers))
	for _, worker := range r.workers {
		out = append(out, worker)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Prune drops workers whose heartbeat lapsed and returns their ids.
func (r *WorkerRegistry) Prune() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pruned []string
	for id, worker := range r.workers {
		if !r.alive(worker) {
			delete(r.workers, id)
			pruned = append(pruned, id)
		}
	}
	sort.Strings(pruned)
	if len(pruned) > 0 {
		r.logger.Info("pruned stale workers", "workers", pruned)
	}
	return pruned
}

func (r *WorkerRegistry) alive(worker domain.Worker) bool {
	if r.ttl <= 0 {
		return true
	}
	return r.now().Sub(worker.LastHeartbeat) <= r.ttl
}

var _ ports.WorkerDirectory = (*WorkerRegistry)(nil)
