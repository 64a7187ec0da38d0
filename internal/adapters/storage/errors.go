package storage

import (
	"errors"
	"fmt"

	"github.com/eleven-am/plexus/internal/domain"
)

const storageComponent = "adapters.storage"

func newStorageError(message string, cause error, opts ...domain.ErrorOption) *domain.DomainError {
	merged := []domain.ErrorOption{domain.WithComponent(storageComponent)}
	if len(opts) > 0 {
		merged = append(merged, opts...)
	}
	return domain.NewStorageError(message, cause, merged...)
}

func newConflictError(message string, opts ...domain.ErrorOption) *domain.DomainError {
	merged := []domain.ErrorOption{domain.WithComponent(storageComponent)}
	if len(opts) > 0 {
		merged = append(merged, opts...)
	}
	return domain.NewConflictError(message, nil, merged...)
}

type decodeError struct {
	collection string
	id         string
	err        error
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("failed to decode %s record %s: %v", e.collection, e.id, e.err)
}

func (e *decodeError) Unwrap() error {
	return e.err
}

// IsDecodeError reports whether err came from a record that could not be deserialized.
func IsDecodeError(err error) bool {
	return isDecodeError(err)
}

func isDecodeError(err error) bool {
	var de *decodeError
	return errors.As(err, &de)
}
