package approval

import "github.com/eleven-am/plexus/internal/domain"

const (
	gateComponent = "approval.Gate"
	stepComponent = "approval.Step"
)

func newValidationError(component, message string, cause error, opts ...domain.ErrorOption) *domain.DomainError {
	return domain.NewValidationError(message, cause, append([]domain.ErrorOption{domain.WithComponent(component)}, opts...)...)
}

func newStorageError(component, message string, cause error, opts ...domain.ErrorOption) *domain.DomainError {
	return domain.NewStorageError(message, cause, append([]domain.ErrorOption{domain.WithComponent(component)}, opts...)...)
}
