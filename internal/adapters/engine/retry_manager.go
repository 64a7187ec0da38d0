package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/eleven-am/plexus/internal/adapters/storage"
	"github.com/eleven-am/plexus/internal/domain"
	"github.com/google/uuid"
)

// RetryManager copies the prior attempts of a node execution into fresh
// records so the history of a replayed or retried node stays inspectable.
type RetryManager struct {
	store  *storage.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewRetryManager(store *storage.Store, logger *slog.Logger) *RetryManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryManager{
		store:  store,
		logger: logger.With("component", "retry-manager"),
		now:    time.Now,
	}
}

// CopyRetriedNodes clones every prior attempt listed in source.RetryIDs next to
// live, then rewrites the retry ids and retry interrupts of the clones and of
// live to point at the clones. Ids without a clone are dropped. When source is
// nil, live's own retry chain is copied.
func (m *RetryManager) CopyRetriedNodes(ctx context.Context, live, source *domain.NodeExecution) (*domain.NodeExecution, []*domain.NodeExecution, error) {
	if live == nil {
		return nil, nil, newValidationError(retryComponent, "live node execution is required", nil)
	}
	if source == nil {
		source = live
	}

	now := m.now()
	mapping := make(map[string]string, len(source.RetryIDs))
	clones := make([]*domain.NodeExecution, 0, len(source.RetryIDs))

	if len(source.RetryIDs) > 0 {
		prior, err := m.store.NodeExecutions.FindByIDs(ctx, source.RetryIDs)
		if err != nil {
			return nil, nil, newStorageError(retryComponent, "failed to load retried node executions", err,
				domain.WithNodeExecutionID(source.ID))
		}
		for _, original := range prior {
			clone := m.cloneAttempt(live, original, now)
			mapping[original.ID] = clone.ID
			clones = append(clones, clone)
		}
	}

	for _, clone := range clones {
		clone.RetryIDs = remapRetryIDs(clone.RetryIDs, mapping)
		clone.InterruptHistory = remapInterrupts(clone.InterruptHistory, mapping)
	}

	if len(clones) > 0 {
		if err := m.store.NodeExecutions.SaveAll(ctx, clones); err != nil {
			return nil, nil, newStorageError(retryComponent, "failed to save retry clones", err,
				domain.WithNodeExecutionID(live.ID))
		}
	}

	retryIDs := remapRetryIDs(source.RetryIDs, mapping)
	history := remapInterrupts(source.InterruptHistory, mapping)
	if source.ID != live.ID {
		history = append(nonRetryInterrupts(live.InterruptHistory), history...)
	}

	updated, err := m.store.NodeExecutions.UpdateIf(ctx, live.ID, nil, func(n *domain.NodeExecution) error {
		n.RetryIDs = retryIDs
		n.InterruptHistory = history
		n.StartTs = now
		return nil
	})
	if err != nil || updated == nil {
		m.discard(ctx, live.ID, clones)
		if err != nil {
			return nil, nil, newStorageError(retryComponent, "failed to update live node execution", err,
				domain.WithNodeExecutionID(live.ID))
		}
		return nil, nil, newValidationError(retryComponent, "live node execution not found", domain.ErrNotFound,
			domain.WithNodeExecutionID(live.ID))
	}

	m.logger.Debug("copied retried node executions",
		"node_execution_id", live.ID,
		"source_node_execution_id", source.ID,
		"clones", len(clones))

	return updated, clones, nil
}

func (m *RetryManager) discard(ctx context.Context, liveID string, clones []*domain.NodeExecution) {
	if len(clones) == 0 {
		return
	}
	ids := make([]string, 0, len(clones))
	for _, clone := range clones {
		ids = append(ids, clone.ID)
	}
	if _, err := m.store.NodeExecutions.DeleteByIDs(ctx, ids); err != nil {
		m.logger.Warn("failed to remove orphaned retry clones", "node_execution_id", liveID, "error", err)
	}
}

func (m *RetryManager) cloneAttempt(live, original *domain.NodeExecution, now time.Time) *domain.NodeExecution {
	id := uuid.NewString()

	level, ok := original.Ambiance.CurrentLevel()
	if !ok {
		level = domain.Level{SetupID: original.PlanNodeID, Identifier: original.Identifier, StepType: original.StepType}
	}
	level.RuntimeID = id
	level.StartTs = now

	clone := *original
	clone.ID = id
	clone.Ambiance = live.Ambiance.Sibling(level)
	clone.ParentID = live.ParentID
	clone.PreviousID = live.PreviousID
	clone.NotifyID = live.NotifyID
	clone.OldRetry = true
	clone.OriginalNodeExecutionID = original.ID
	clone.RetryIDs = append([]string(nil), original.RetryIDs...)
	clone.InterruptHistory = append([]domain.InterruptEffect(nil), original.InterruptHistory...)
	clone.Outputs = domain.CloneMap(original.Outputs)
	clone.ResolvedParameters = domain.CloneMap(original.ResolvedParameters)
	clone.CorrelationID = ""
	clone.Children = nil
	clone.Deferred = false
	clone.CreatedAt = now
	clone.StartTs = now
	clone.EndTs = now
	clone.Version = 0
	return &clone
}

func remapRetryIDs(ids []string, mapping map[string]string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if mapped, ok := mapping[id]; ok {
			out = append(out, mapped)
		}
	}
	return out
}

func remapInterrupts(history []domain.InterruptEffect, mapping map[string]string) []domain.InterruptEffect {
	out := make([]domain.InterruptEffect, 0, len(history))
	for _, effect := range history {
		if effect.RetryID != "" {
			mapped, ok := mapping[effect.RetryID]
			if !ok {
				continue
			}
			effect.RetryID = mapped
		}
		out = append(out, effect)
	}
	return out
}

func nonRetryInterrupts(history []domain.InterruptEffect) []domain.InterruptEffect {
	out := make([]domain.InterruptEffect, 0, len(history))
	for _, effect := range history {
		if effect.RetryID == "" {
			out = append(out, effect)
		}
	}
	return out
}
