// Package logstream persists the per plan execution audit lines written by
// the dispatcher and the approval gate.
package logstream

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/eleven-am/plexus/internal/adapters/storage"
	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/ports"
	"github.com/google/uuid"
)

type Stream struct {
	store  *storage.Store
	logger *slog.Logger
	now    func() time.Time
}

func New(store *storage.Store, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		store:  store,
		logger: logger.With("component", "log-stream"),
		now:    time.Now,
	}
}

func (s *Stream) Append(ctx context.Context, planExecutionID, nodeExecutionID, line string) error {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	entry := &domain.LogEntry{
		ID:              id.String(),
		PlanExecutionID: planExecutionID,
		NodeExecutionID: nodeExecutionID,
		Line:            line,
		Timestamp:       s.now(),
	}
	if err := s.store.Logs.Insert(ctx, entry); err != nil {
		return domain.NewStorageError("failed to append log line", err,
			domain.WithComponent("logstream.Stream"),
			domain.WithPlanExecutionID(planExecutionID),
			domain.WithNodeExecutionID(nodeExecutionID))
	}
	s.logger.Debug("log line appended", "plan_execution_id", planExecutionID, "node_execution_id", nodeExecutionID)
	return nil
}

// Entries returns the lines of a plan execution in the order they were written.
// A non-empty nodeExecutionID narrows them to one node.
func (s *Stream) Entries(ctx context.Context, planExecutionID, nodeExecutionID string) ([]*domain.LogEntry, error) {
	all, err := s.store.Logs.FindBy(ctx, domain.IndexPlanExecution, planExecutionID)
	if err != nil {
		return nil, domain.NewStorageError("failed to read log lines", err,
			domain.WithComponent("logstream.Stream"),
			domain.WithPlanExecutionID(planExecutionID))
	}
	entries := all[:0]
	for _, entry := range all {
		if nodeExecutionID == "" || entry.NodeExecutionID == nodeExecutionID {
			entries = append(entries, entry)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

func (s *Stream) Lines(ctx context.Context, planExecutionID string) ([]string, error) {
	entries, err := s.Entries(ctx, planExecutionID, "")
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		lines = append(lines, entry.Line)
	}
	return lines, nil
}

var _ ports.LogStream = (*Stream)(nil)
