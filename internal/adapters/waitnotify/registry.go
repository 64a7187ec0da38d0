// Package waitnotify implements the correlation-id callback registry that
// resumes suspended node executions.
package waitnotify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/plexus/internal/adapters/storage"
	"github.com/eleven-am/plexus/internal/domain"
)

const registryComponent = "waitnotify.Registry"

type subscriber struct {
	ch   chan domain.NotifyResult
	once sync.Once
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan domain.NotifyResult, 1)}
}

func (s *subscriber) send(result domain.NotifyResult) {
	s.once.Do(func() {
		s.ch <- result
		close(s.ch)
	})
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.ch)
	})
}

// Registry persists waits in the record store so a delivery that races ahead of
// its registration is not lost, and so each correlation id is delivered once.
type Registry struct {
	waits  *storage.Collection[domain.WaitRecord]
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	subs map[string][]*subscriber
}

func NewRegistry(store *storage.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		waits:  store.Waits,
		logger: logger.With("component", "wait-notify"),
		now:    time.Now,
		subs:   make(map[string][]*subscriber),
	}
}

// Register returns a channel that yields the result for correlationID exactly
// once and is then closed. A cancelled wait closes the channel without a value.
func (r *Registry) Register(ctx context.Context, correlationID, waiterID string) (<-chan domain.NotifyResult, error) {
	if correlationID == "" {
		return nil, domain.NewValidationError("correlation id is required", nil, domain.WithComponent(registryComponent))
	}

	sub := newSubscriber()
	r.mu.Lock()
	r.subs[correlationID] = append(r.subs[correlationID], sub)
	r.mu.Unlock()

	record, err := r.waits.Upsert(ctx, correlationID, func(current *domain.WaitRecord) (*domain.WaitRecord, error) {
		if current == nil {
			return &domain.WaitRecord{
				CorrelationID: correlationID,
				WaiterID:      waiterID,
				CreatedAt:     r.now(),
			}, nil
		}
		if current.Done() {
			return nil, nil
		}
		current.WaiterID = waiterID
		return current, nil
	})
	if err != nil {
		r.removeSubscriber(correlationID, sub)
		return nil, err
	}

	if record == nil {
		existing, err := r.waits.Get(ctx, correlationID)
		if err != nil {
			r.removeSubscriber(correlationID, sub)
			return nil, err
		}
		r.removeSubscriber(correlationID, sub)
		if existing.Delivered && existing.Result != nil {
			sub.send(*existing.Result)
		} else {
			sub.close()
		}
	}

	r.logger.Debug("wait registered", "correlation_id", correlationID, "waiter_id", waiterID)
	return sub.ch, nil
}

// Deliver records result for correlationID. It returns false when the id was
// already delivered or cancelled, in which case nothing is sent.
func (r *Registry) Deliver(ctx context.Context, correlationID string, result domain.NotifyResult) (bool, error) {
	result.CorrelationID = correlationID
	if result.DeliveredAt.IsZero() {
		result.DeliveredAt = r.now()
	}

	record, err := r.waits.Upsert(ctx, correlationID, func(current *domain.WaitRecord) (*domain.WaitRecord, error) {
		if current == nil {
			current = &domain.WaitRecord{CorrelationID: correlationID, CreatedAt: r.now()}
		}
		if current.Done() {
			return nil, nil
		}
		current.Delivered = true
		current.Result = &result
		return current, nil
	})
	if err != nil {
		return false, err
	}
	if record == nil {
		r.logger.Debug("duplicate delivery ignored", "correlation_id", correlationID)
		return false, nil
	}

	for _, sub := range r.takeSubscribers(correlationID) {
		sub.send(result)
	}

	r.logger.Debug("wait delivered", "correlation_id", correlationID, "status", result.Status, "expired", result.Expired)
	return true, nil
}

// Cancel makes later deliveries for correlationID no-ops and releases its waiters.
func (r *Registry) Cancel(ctx context.Context, correlationID string) error {
	record, err := r.waits.Upsert(ctx, correlationID, func(current *domain.WaitRecord) (*domain.WaitRecord, error) {
		if current == nil {
			current = &domain.WaitRecord{CorrelationID: correlationID, CreatedAt: r.now()}
		}
		if current.Done() {
			return nil, nil
		}
		current.Cancelled = true
		return current, nil
	})
	if err != nil {
		return err
	}
	if record != nil {
		for _, sub := range r.takeSubscribers(correlationID) {
			sub.close()
		}
	}
	return nil
}

// Get returns the stored wait for correlationID.
func (r *Registry) Get(ctx context.Context, correlationID string) (*domain.WaitRecord, error) {
	return r.waits.Get(ctx, correlationID)
}

// Pending lists registered waits that have not been delivered or cancelled.
func (r *Registry) Pending(ctx context.Context) ([]*domain.WaitRecord, error) {
	return r.waits.Find(ctx, func(w *domain.WaitRecord) bool {
		return !w.Done() && w.WaiterID != ""
	})
}

// Purge removes finished waits older than cutoff.
func (r *Registry) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	done, err := r.waits.Find(ctx, func(w *domain.WaitRecord) bool {
		return w.Done() && w.CreatedAt.Before(cutoff)
	})
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(done))
	for _, w := range done {
		ids = append(ids, w.CorrelationID)
	}
	deleted, err := r.waits.DeleteByIDs(ctx, ids)
	return len(deleted), err
}

func (r *Registry) takeSubscribers(correlationID string) []*subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subs[correlationID]
	delete(r.subs, correlationID)
	return subs
}

func (r *Registry) removeSubscriber(correlationID string, target *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subs[correlationID]
	for i, sub := range subs {
		if sub == target {
			r.subs[correlationID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(r.subs[correlationID]) == 0 {
		delete(r.subs, correlationID)
	}
}
