// Package leader decides whether this instance is the primary allowed to run
// the background sweeps.
package leader

import (
	"context"
	"log/slog"

	"github.com/eleven-am/plexus/internal/adapters/storage"
	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/ports"
)

const component = "adapters.leader"

// Elector is a LeaderChecker with a lifecycle.
type Elector interface {
	ports.LeaderChecker
	Start(ctx context.Context) error
	Stop() error
}

// New builds the elector selected by cfg.Mode.
func New(cfg domain.LeaderConfig, nodeID string, store *storage.Store, logger *slog.Logger) (Elector, error) {
	switch cfg.Mode {
	case domain.LeaderModeStatic, "":
		return NewStatic(cfg.Standby), nil
	case domain.LeaderModeLease:
		return NewLease(storage.NewLeaseManager(store, logger), cfg.LeaseKey, nodeID, cfg.LeaseTTL, logger), nil
	case domain.LeaderModeRaft:
		return NewRaft(cfg.Raft, nodeID, logger), nil
	default:
		return nil, domain.NewConfigurationError("unknown leader mode", nil,
			domain.WithComponent(component),
			domain.WithDetail("mode", cfg.Mode))
	}
}

// Static is primary unless it was configured as a standby.
type Static struct {
	standby bool
}

func NewStatic(standby bool) *Static {
	return &Static{standby: standby}
}

func (s *Static) IsLeader(context.Context) bool {
	return !s.standby
}

func (s *Static) Start(context.Context) error { return nil }

func (s *Static) Stop() error { return nil }
