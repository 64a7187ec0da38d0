package delegate

import "github.com/eleven-am/plexus/internal/domain"

const (
	dispatcherComponent = "delegate.Dispatcher"
	sweepComponent      = "delegate.Sweeper"
	stepComponent       = "delegate.TaskStep"
)

func newValidationError(component, message string, cause error, opts ...domain.ErrorOption) *domain.DomainError {
	return domain.NewValidationError(message, cause, append([]domain.ErrorOption{domain.WithComponent(component)}, opts...)...)
}

func newStorageError(component, message string, cause error, opts ...domain.ErrorOption) *domain.DomainError {
	return domain.NewStorageError(message, cause, append([]domain.ErrorOption{domain.WithComponent(component)}, opts...)...)
}

func newResourceError(component, message string, cause error, opts ...domain.ErrorOption) *domain.DomainError {
	return domain.NewResourceError(message, cause, append([]domain.ErrorOption{domain.WithComponent(component)}, opts...)...)
}
