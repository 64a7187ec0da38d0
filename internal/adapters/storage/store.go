package storage

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v3"
	"github.com/eleven-am/plexus/internal/domain"
)

// Store groups the collections that make up the execution record store.
type Store struct {
	db     *badger.DB
	owned  bool
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error

	NodeExecutions *Collection[domain.NodeExecution]
	PlanNodes      *Collection[domain.PlanNode]
	PlanExecutions *Collection[domain.PlanExecution]
	Tasks          *Collection[domain.Task]
	Approvals      *Collection[domain.ApprovalInstance]
	Waits          *Collection[domain.WaitRecord]
	Leases         *Collection[domain.Lease]
	Logs           *Collection[domain.LogEntry]
}

// Open opens the badger database described by cfg and builds a Store that owns it.
func Open(cfg domain.StorageConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.DataDir == "" {
			return nil, newStorageError("data directory is required", nil)
		}
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, newStorageError("failed to create data directory", err, domain.WithDetail("data_dir", cfg.DataDir))
		}
		opts = badger.DefaultOptions(cfg.DataDir)
	}
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = &badgerAdapter{logger: logger.With("component", "storage.badger")}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, newStorageError("failed to open badger", err, domain.WithDetail("data_dir", cfg.DataDir))
	}

	store := NewStore(db, cfg.ConflictRetries, logger)
	store.owned = true
	return store, nil
}

// NewStore wraps an already opened database. The caller keeps ownership of db.
func NewStore(db *badger.DB, retries int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		db:     db,
		logger: logger.With("component", "storage"),
		NodeExecutions: NewCollection(db, Schema[domain.NodeExecution]{
			Name:    domain.CollectionNodeExecutions,
			ID:      func(n *domain.NodeExecution) string { return n.ID },
			Status:  func(n *domain.NodeExecution) string { return string(n.Status) },
			Version: func(n *domain.NodeExecution) *int64 { return &n.Version },
			Indexes: map[string]func(*domain.NodeExecution) []string{
				domain.IndexParent:        func(n *domain.NodeExecution) []string { return []string{n.ParentID} },
				domain.IndexPlanExecution: func(n *domain.NodeExecution) []string { return []string{n.Ambiance.PlanExecutionID} },
				domain.IndexPrevious:      func(n *domain.NodeExecution) []string { return []string{n.PreviousID} },
			},
		}, retries, logger),
		PlanNodes: NewCollection(db, Schema[domain.PlanNode]{
			Name: domain.CollectionPlanNodes,
			ID:   func(p *domain.PlanNode) string { return p.ID },
		}, retries, logger),
		PlanExecutions: NewCollection(db, Schema[domain.PlanExecution]{
			Name:    domain.CollectionPlanExecutions,
			ID:      func(p *domain.PlanExecution) string { return p.ID },
			Status:  func(p *domain.PlanExecution) string { return string(p.Status) },
			Version: func(p *domain.PlanExecution) *int64 { return &p.Version },
		}, retries, logger),
		Tasks: NewCollection(db, Schema[domain.Task]{
			Name:    domain.CollectionTasks,
			ID:      func(t *domain.Task) string { return t.ID },
			Status:  func(t *domain.Task) string { return string(t.Status) },
			Version: func(t *domain.Task) *int64 { return &t.Version },
			Indexes: map[string]func(*domain.Task) []string{
				domain.IndexWaitID: func(t *domain.Task) []string { return []string{t.WaitID} },
			},
		}, retries, logger),
		Approvals: NewCollection(db, Schema[domain.ApprovalInstance]{
			Name:    domain.CollectionApprovals,
			ID:      func(a *domain.ApprovalInstance) string { return a.ID },
			Status:  func(a *domain.ApprovalInstance) string { return string(a.Status) },
			Version: func(a *domain.ApprovalInstance) *int64 { return &a.Version },
			Indexes: map[string]func(*domain.ApprovalInstance) []string{
				domain.IndexNodeExecution: func(a *domain.ApprovalInstance) []string { return []string{a.NodeExecutionID} },
				domain.IndexStatus:        func(a *domain.ApprovalInstance) []string { return []string{string(a.Status)} },
			},
		}, retries, logger),
		Waits: NewCollection(db, Schema[domain.WaitRecord]{
			Name:    domain.CollectionWaits,
			ID:      func(w *domain.WaitRecord) string { return w.CorrelationID },
			Version: func(w *domain.WaitRecord) *int64 { return &w.Version },
		}, retries, logger),
		Leases: NewCollection(db, Schema[domain.Lease]{
			Name:    domain.CollectionLeases,
			ID:      func(l *domain.Lease) string { return l.Key },
			Version: func(l *domain.Lease) *int64 { return &l.Generation },
		}, retries, logger),
		Logs: NewCollection(db, Schema[domain.LogEntry]{
			Name: domain.CollectionLogs,
			ID:   func(e *domain.LogEntry) string { return e.ID },
			Indexes: map[string]func(*domain.LogEntry) []string{
				domain.IndexPlanExecution: func(e *domain.LogEntry) []string { return []string{e.PlanExecutionID} },
			},
		}, retries, logger),
	}
}

func (s *Store) DB() *badger.DB {
	return s.db
}

// Close closes the database when the store opened it.
// Close closes an owned database once; later calls return the first result.
func (s *Store) Close() error {
	if !s.owned || s.db == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		if err := s.db.Close(); err != nil {
			s.closeErr = newStorageError("failed to close badger", err)
		}
	})
	return s.closeErr
}

type badgerAdapter struct {
	logger *slog.Logger
}

func (b *badgerAdapter) Errorf(format string, args ...interface{}) {
	b.logger.Error(fmt.Sprintf(format, args...))
}

func (b *badgerAdapter) Warningf(format string, args ...interface{}) {
	b.logger.Warn(fmt.Sprintf(format, args...))
}

func (b *badgerAdapter) Infof(format string, args ...interface{}) {
}

func (b *badgerAdapter) Debugf(format string, args ...interface{}) {
}
