package leader

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/plexus/internal/adapters/storage"
	"github.com/eleven-am/plexus/internal/domain"
)

// Lease holds primacy through a renewable lease record in the shared store.
// IsLeader refreshes the lease once a third of its TTL has elapsed.
type Lease struct {
	leases *storage.LeaseManager
	key    string
	owner  string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	held      bool
	renewedAt time.Time
	stop      chan struct{}
	done      chan struct{}
}

func NewLease(leases *storage.LeaseManager, key, owner string, ttl time.Duration, logger *slog.Logger) *Lease {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &Lease{
		leases: leases,
		key:    leases.Key("leader", key),
		owner:  owner,
		ttl:    ttl,
		logger: logger.With("component", "lease-leader", "owner", owner),
		now:    time.Now,
	}
}

func (l *Lease) IsLeader(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held && l.now().Sub(l.renewedAt) < l.ttl/3 {
		return true
	}
	return l.refresh(ctx)
}

// refresh renews a held lease or tries to take a free one. Callers hold mu.
func (l *Lease) refresh(ctx context.Context) bool {
	if l.held {
		if _, err := l.leases.Renew(ctx, l.key, l.owner, l.ttl); err == nil {
			l.renewedAt = l.now()
			return true
		} else if !domain.IsLeaseOwnedByOther(err) && !errors.Is(err, domain.ErrLeaseNotFound) {
			l.logger.Warn("lease renewal failed", "error", err)
			return false
		}
	}

	lease, acquired, err := l.leases.TryAcquire(ctx, l.key, l.owner, l.ttl, nil)
	if err != nil {
		l.logger.Warn("lease acquisition failed", "error", err)
		l.held = false
		return false
	}
	if !acquired {
		if l.held {
			l.logger.Info("lost primary lease", "holder", lease.Owner)
		}
		l.held = false
		return false
	}
	if !l.held {
		l.logger.Info("acquired primary lease", "expires_at", lease.ExpiresAt)
	}
	l.held = true
	l.renewedAt = l.now()
	return true
}

// Start keeps the lease warm in the background so a primary does not lapse
// between sweeps.
func (l *Lease) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.stop != nil {
		l.mu.Unlock()
		return nil
	}
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	stop, done := l.stop, l.done
	l.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.IsLeader(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop ends the renewal loop and releases the lease when held.
func (l *Lease) Stop() error {
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	l.mu.Lock()
	held := l.held
	l.held = false
	l.mu.Unlock()
	if !held {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.leases.Release(ctx, l.key, l.owner); err != nil && !domain.IsLeaseOwnedByOther(err) {
		return err
	}
	return nil
}
