package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common error conditions.
var (
	// ErrNotFound indicates that a requested entity was not found.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates that an entity already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates that caller input violates a precondition.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTransition indicates that the requested transition is illegal
	// for the current workflow position. State is never mutated.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrMissingDependency indicates that an upstream artifact, such as an
	// approved outline, is not available yet.
	ErrMissingDependency = errors.New("missing dependency")

	// ErrContractViolation indicates that model output could not be parsed
	// into the requested shape.
	ErrContractViolation = errors.New("generation contract violation")

	// ErrRateLimited indicates that the generation provider rate limited the request.
	ErrRateLimited = errors.New("rate limited")

	// ErrTransient indicates a failure that is expected to succeed on retry.
	ErrTransient = errors.New("transient failure")

	// ErrFatal indicates an unrecoverable failure, including exhausted retries.
	ErrFatal = errors.New("fatal failure")

	// ErrLocked indicates that another transition for the same book is in flight.
	ErrLocked = errors.New("book is locked by another operation")

	// ErrServiceUnavailable indicates that an external service is unavailable.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrWorkflowFailed indicates that a Temporal workflow failed.
	ErrWorkflowFailed = errors.New("workflow failed")
)

// ValidationError represents a validation error for a specific field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NotFoundError provides details about a not found entity.
type NotFoundError struct {
	Entity string
	ID     string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// AlreadyExistsError provides details about a duplicate entity.
type AlreadyExistsError struct {
	Entity string
	ID     string
}

// Error implements the error interface.
func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Entity, e.ID)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *AlreadyExistsError) Unwrap() error {
	return ErrAlreadyExists
}

// InvalidTransitionError describes a rejected workflow action.
type InvalidTransitionError struct {
	Entity string
	From   string
	Action string
	Reason string
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition: cannot %s %s from %s", e.Action, e.Entity, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// MissingDependencyError reports an upstream artifact that is not ready.
type MissingDependencyError struct {
	Dependency string
	Reason     string
}

// Error implements the error interface.
func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("missing dependency %s: %s", e.Dependency, e.Reason)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *MissingDependencyError) Unwrap() error {
	return ErrMissingDependency
}

// GenerationContractViolationError reports model output that does not match
// the requested shape. The entity being generated stays in its generating status.
type GenerationContractViolationError struct {
	Stage    string
	Expected int
	Got      int
	Reason   string
}

// Error implements the error interface.
func (e *GenerationContractViolationError) Error() string {
	if e.Expected > 0 || e.Got > 0 {
		return fmt.Sprintf("%s output violates contract: expected %d, got %d: %s", e.Stage, e.Expected, e.Got, e.Reason)
	}
	return fmt.Sprintf("%s output violates contract: %s", e.Stage, e.Reason)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *GenerationContractViolationError) Unwrap() error {
	return ErrContractViolation
}

// RateLimitedError provides details about an upstream rate limit.
// RetryAfter is zero when the provider gave no hint.
type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
	Cause      error
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by %s: retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited by %s", e.Provider)
}

// Unwrap returns both the sentinel and the cause.
func (e *RateLimitedError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrRateLimited}
	}
	return []error{ErrRateLimited, e.Cause}
}

// TransientError wraps a retryable upstream failure.
type TransientError struct {
	Provider string
	Cause    error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s failure: %v", e.Provider, e.Cause)
}

// Unwrap returns both the sentinel and the cause.
func (e *TransientError) Unwrap() []error {
	return []error{ErrTransient, e.Cause}
}

// FatalError wraps an unrecoverable failure of an operation.
type FatalError struct {
	Op       string
	Attempts int
	Cause    error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Cause)
}

// Unwrap returns both the sentinel and the cause.
func (e *FatalError) Unwrap() []error {
	return []error{ErrFatal, e.Cause}
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{
		Entity: entity,
		ID:     id,
	}
}

// NewAlreadyExistsError creates a new AlreadyExistsError.
func NewAlreadyExistsError(entity, id string) *AlreadyExistsError {
	return &AlreadyExistsError{
		Entity: entity,
		ID:     id,
	}
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// NewInvalidTransitionError creates a new InvalidTransitionError.
func NewInvalidTransitionError(entity, from, action, reason string) *InvalidTransitionError {
	return &InvalidTransitionError{
		Entity: entity,
		From:   from,
		Action: action,
		Reason: reason,
	}
}

// NewMissingDependencyError creates a new MissingDependencyError.
func NewMissingDependencyError(dependency, reason string) *MissingDependencyError {
	return &MissingDependencyError{
		Dependency: dependency,
		Reason:     reason,
	}
}

// NewContractViolation creates a new GenerationContractViolationError.
func NewContractViolation(stage string, expected, got int, reason string) *GenerationContractViolationError {
	return &GenerationContractViolationError{
		Stage:    stage,
		Expected: expected,
		Got:      got,
		Reason:   reason,
	}
}

// NewRateLimitedError creates a new RateLimitedError.
func NewRateLimitedError(provider string, retryAfter time.Duration, cause error) *RateLimitedError {
	return &RateLimitedError{
		Provider:   provider,
		RetryAfter: retryAfter,
		Cause:      cause,
	}
}

// NewTransientError creates a new TransientError.
func NewTransientError(provider string, cause error) *TransientError {
	return &TransientError{
		Provider: provider,
		Cause:    cause,
	}
}

// NewFatalError creates a new FatalError.
func NewFatalError(op string, attempts int, cause error) *FatalError {
	return &FatalError{
		Op:       op,
		Attempts: attempts,
		Cause:    cause,
	}
}
