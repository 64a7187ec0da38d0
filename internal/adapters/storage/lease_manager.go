package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/eleven-am/plexus/internal/domain"
)

const leaseKeyPrefix = "lease:"

// LeaseManager grants time-bound ownership of a key using conditional writes on the lease collection.
type LeaseManager struct {
	leases *Collection[domain.Lease]
	logger *slog.Logger
	now    func() time.Time
}

func NewLeaseManager(store *Store, logger *slog.Logger) *LeaseManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaseManager{
		leases: store.Leases,
		logger: logger.With("component", "lease-manager"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Key returns the storage key for a lease scoped to the provided namespace and identifier.
func (m *LeaseManager) Key(namespace, id string) string {
	return leaseKeyPrefix + namespace + ":" + id
}

// TryAcquire attempts to obtain the lease for the provided key. It returns the
// current holder's record and false when another owner still holds it.
func (m *LeaseManager) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration, metadata map[string]string) (*domain.Lease, bool, error) {
	var held *domain.Lease
	record, err := m.leases.Upsert(ctx, key, func(current *domain.Lease) (*domain.Lease, error) {
		held = nil
		now := m.now()
		if current != nil && current.Owner != "" && current.Owner != owner && current.ExpiresAt.After(now) {
			held = current
			return nil, nil
		}

		next := &domain.Lease{
			Key:       key,
			Owner:     owner,
			ExpiresAt: now.Add(ttl),
			RenewedAt: now,
			Metadata:  cloneMetadata(metadata),
		}
		if current != nil {
			next.Generation = current.Generation
		}
		return next, nil
	})
	if err != nil {
		return nil, false, err
	}
	if record == nil {
		return held, false, nil
	}
	return record, true, nil
}

// Renew extends the lease expiration if the caller still holds it.
func (m *LeaseManager) Renew(ctx context.Context, key, owner string, ttl time.Duration) (*domain.Lease, error) {
	record, err := m.leases.UpdateIf(ctx, key, func(current *domain.Lease) bool {
		return current.Owner == owner
	}, func(current *domain.Lease) error {
		now := m.now()
		current.RenewedAt = now
		current.ExpiresAt = now.Add(ttl)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if record == nil {
		exists, err := m.leases.Exists(ctx, key)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, domain.ErrLeaseNotFound
		}
		return nil, domain.ErrLeaseOwnedByOther
	}
	return record, nil
}

// Release relinquishes the lease if owned by the caller.
func (m *LeaseManager) Release(ctx context.Context, key, owner string) error {
	record, exists, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if record.Owner != owner {
		return domain.ErrLeaseOwnedByOther
	}
	_, err = m.leases.DeleteByIDs(ctx, []string{key})
	return err
}

// ForceRelease removes the lease unconditionally.
func (m *LeaseManager) ForceRelease(ctx context.Context, key string) error {
	_, err := m.leases.DeleteByIDs(ctx, []string{key})
	return err
}

// Get fetches the current lease record.
func (m *LeaseManager) Get(ctx context.Context, key string) (*domain.Lease, bool, error) {
	record, err := m.leases.Get(ctx, key)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return record, true, nil
}

func cloneMetadata(metadata map[string]string) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	cloned := make(map[string]string, len(metadata))
	for k, v := range metadata {
		cloned[k] = v
	}
	return cloned
}
