package domain

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrAlreadyFinal = errors.New("record already in a final status")
	ErrClosed       = errors.New("component closed")
	ErrNotStarted   = errors.New("component not started")
	ErrTimeout      = errors.New("operation timeout")

	ErrLeaseNotFound     = errors.New("lease not found")
	ErrLeaseOwnedByOther = errors.New("lease owned by another node")
)

type ErrorCategory string

const (
	CategoryValidation    ErrorCategory = "validation"
	CategoryStorage       ErrorCategory = "storage"
	CategoryWorkflow      ErrorCategory = "workflow"
	CategoryTimeout       ErrorCategory = "timeout"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryResource      ErrorCategory = "resource"
	CategoryConflict      ErrorCategory = "conflict"
	CategoryInternal      ErrorCategory = "internal"
)

type ErrorSeverity string

const (
	SeverityInfo     ErrorSeverity = "info"
	SeverityWarning  ErrorSeverity = "warning"
	SeverityError    ErrorSeverity = "error"
	SeverityCritical ErrorSeverity = "critical"
)

type ErrorContext struct {
	Component       string         `json:"component,omitempty"`
	Operation       string         `json:"operation,omitempty"`
	PlanExecutionID string         `json:"plan_execution_id,omitempty"`
	NodeExecutionID string         `json:"node_execution_id,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
	File            string         `json:"file,omitempty"`
	Line            int            `json:"line,omitempty"`
	Function        string         `json:"function,omitempty"`
}

// DomainError is the structured error returned across component boundaries.
type DomainError struct {
	Category   ErrorCategory
	Severity   ErrorSeverity
	Code       string
	Message    string
	Cause      error
	UserFacing bool
	Retryable  bool
	Context    ErrorContext
	Timestamp  time.Time
}

func (e *DomainError) Error() string {
	prefix := string(e.Category)
	if e.Context.Component != "" {
		prefix += ":" + e.Context.Component
	}
	msg := fmt.Sprintf("[%s] %s: %s", prefix, e.Code, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches another DomainError of the same category, or a category sentinel.
func (e *DomainError) Is(target error) bool {
	var other *DomainError
	if errors.As(target, &other) {
		return other.Category == e.Category
	}
	switch target {
	case ErrNotFound:
		return strings.HasSuffix(e.Code, "_NOT_FOUND")
	case ErrInvalidInput:
		return e.Category == CategoryValidation
	case ErrTimeout:
		return e.Category == CategoryTimeout
	case ErrAlreadyFinal:
		return strings.HasSuffix(e.Code, "_ALREADY_FINAL")
	}
	return false
}

func (e *DomainError) WithOperation(operation string) *DomainError {
	e.Context.Operation = operation
	return e
}

func (e *DomainError) WithNodeExecutionID(id string) *DomainError {
	e.Context.NodeExecutionID = id
	return e
}

func (e *DomainError) WithPlanExecutionID(id string) *DomainError {
	e.Context.PlanExecutionID = id
	return e
}

func (e *DomainError) WithDetail(key string, value any) *DomainError {
	if e.Context.Details == nil {
		e.Context.Details = make(map[string]any)
	}
	e.Context.Details[key] = value
	return e
}

type ErrorOption func(*DomainError)

func WithComponent(component string) ErrorOption {
	return func(e *DomainError) { e.Context.Component = component }
}

func WithOperation(operation string) ErrorOption {
	return func(e *DomainError) { e.Context.Operation = operation }
}

func WithNodeExecutionID(id string) ErrorOption {
	return func(e *DomainError) { e.Context.NodeExecutionID = id }
}

func WithPlanExecutionID(id string) ErrorOption {
	return func(e *DomainError) { e.Context.PlanExecutionID = id }
}

func WithDetail(key string, value any) ErrorOption {
	return func(e *DomainError) { e.WithDetail(key, value) }
}

func WithCode(code string) ErrorOption {
	return func(e *DomainError) { e.Code = code }
}

func WithSeverity(severity ErrorSeverity) ErrorOption {
	return func(e *DomainError) { e.Severity = severity }
}

// NewDomainErrorWithCategory builds an error with defaults for category and a code inferred from message.
func NewDomainErrorWithCategory(category ErrorCategory, message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(category, message, cause, opts...)
}

func newDomainError(category ErrorCategory, message string, cause error, opts ...ErrorOption) *DomainError {
	err := &DomainError{
		Category:  category,
		Severity:  SeverityError,
		Code:      inferCode(category, message),
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}

	switch category {
	case CategoryValidation, CategoryConfiguration:
		err.UserFacing = true
	case CategoryTimeout, CategoryResource, CategoryConflict:
		err.Retryable = true
	case CategoryInternal:
		err.Severity = SeverityCritical
	}

	captureCallSite(err, 3)

	for _, opt := range opts {
		opt(err)
	}
	return err
}

func captureCallSite(err *DomainError, skip int) {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return
	}
	err.Context.File = file
	err.Context.Line = line
	if fn := runtime.FuncForPC(pc); fn != nil {
		err.Context.Function = fn.Name()
	}
}

func inferCode(category ErrorCategory, message string) string {
	lower := strings.ToLower(message)
	prefix := strings.ToUpper(string(category))

	switch {
	case strings.Contains(lower, "not found"):
		return prefix + "_NOT_FOUND"
	case strings.Contains(lower, "already final") || strings.Contains(lower, "already completed") || strings.Contains(lower, "already expired"):
		return prefix + "_ALREADY_FINAL"
	case strings.Contains(lower, "required"):
		return prefix + "_REQUIRED"
	case strings.Contains(lower, "conflict"):
		return prefix + "_CONFLICT"
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return prefix + "_TIMEOUT"
	case strings.Contains(lower, "state") || strings.Contains(lower, "status"):
		return prefix + "_STATE"
	case strings.Contains(lower, "limit"):
		return prefix + "_LIMIT"
	}

	switch category {
	case CategoryValidation:
		return "VALIDATION_INVALID"
	case CategoryStorage:
		return "STORAGE_FAILURE"
	case CategoryWorkflow:
		return "WORKFLOW_FAILURE"
	case CategoryTimeout:
		return "TIMEOUT_EXCEEDED"
	case CategoryConfiguration:
		return "CONFIGURATION_INVALID"
	case CategoryResource:
		return "RESOURCE_EXHAUSTED"
	case CategoryConflict:
		return "CONFLICT_DETECTED"
	}
	return "INTERNAL_ERROR"
}

func NewValidationError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryValidation, message, cause, opts...)
}

func NewStorageError(message string, cause error, opts ...ErrorOption) *DomainError {
	err := newDomainError(CategoryStorage, message, cause, opts...)
	err.Retryable = true
	return err
}

func NewWorkflowError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryWorkflow, message, cause, opts...)
}

func NewTimeoutError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryTimeout, message, cause, opts...)
}

func NewConfigurationError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryConfiguration, message, cause, opts...)
}

func NewResourceError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryResource, message, cause, opts...)
}

func NewConflictError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryConflict, message, cause, opts...)
}

// NewInternalError reports a broken invariant. Callers log it at error level.
func NewInternalError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryInternal, message, cause, opts...)
}

// PanicError wraps a value recovered from a panicking step.
type PanicError struct {
	NodeExecutionID string
	StepType        string
	Value           any
	StackTrace      string
	RecoveredAt     time.Time
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("step %s panicked on node execution %s: %v", e.StepType, e.NodeExecutionID, e.Value)
}

func NewPanicError(nodeExecutionID, stepType string, value any, stack []byte) *PanicError {
	return &PanicError{
		NodeExecutionID: nodeExecutionID,
		StepType:        stepType,
		Value:           value,
		StackTrace:      string(stack),
		RecoveredAt:     time.Now(),
	}
}

func IsDomainError(err error) bool {
	var de *DomainError
	return errors.As(err, &de)
}

func GetErrorCategory(err error) ErrorCategory {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Category
	}
	return ""
}

func GetErrorSeverity(err error) ErrorSeverity {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Severity
	}
	return SeverityError
}

func GetErrorContext(err error) *ErrorContext {
	var de *DomainError
	if errors.As(err, &de) {
		return &de.Context
	}
	return nil
}

// IsRetryableError reports whether err is worth retrying. Plain errors are judged by message.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var de *DomainError
	if errors.As(err, &de) {
		return de.Retryable
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "timeout") || strings.Contains(lower, "conflict") || strings.Contains(lower, "temporar")
}

func IsUserFacingError(err error) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.UserFacing
	}
	return false
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsLeaseOwnedByOther(err error) bool {
	return errors.Is(err, ErrLeaseOwnedByOther)
}

func IsValidationError(err error) bool {
	return GetErrorCategory(err) == CategoryValidation
}
