package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: a referenced node not created yet, a sensor not yet published.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid blueprint, unknown type, resolution timeout.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the node or adjunct ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// A target with a code matches on code alone; otherwise class is compared.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	if t.Code != "" {
		return e.Code == t.Code
	}
	return e.Class == t.Class
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Common error codes.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeAlreadyExists       = "ALREADY_EXISTS"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeInternal            = "INTERNAL_ERROR"
	ErrCodeUnresolvedReference = "UNRESOLVED_REFERENCE"
	ErrCodeNotYetResolvable    = "NOT_YET_RESOLVABLE"
	ErrCodeAttachmentFailed    = "ATTACHMENT_FAILED"
	ErrCodeTransformFailed     = "TRANSFORM_FAILED"
	ErrCodeTaskFailed          = "TASK_FAILED"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeDeadlock            = "DEADLOCK"
	ErrCodeTypeMismatch        = "TYPE_MISMATCH"
	ErrCodeUnknownType         = "UNKNOWN_TYPE"
	ErrCodeClosed              = "CLOSED"
)

// Sentinels usable with errors.Is; matching is by code.
var (
	ErrUnresolvedReference = &EngineError{Code: ErrCodeUnresolvedReference}
	ErrNotYetResolvable    = &EngineError{Code: ErrCodeNotYetResolvable}
	ErrAttachmentFailed    = &EngineError{Code: ErrCodeAttachmentFailed}
	ErrTransformFailed     = &EngineError{Code: ErrCodeTransformFailed}
	ErrTaskFailed          = &EngineError{Code: ErrCodeTaskFailed}
	ErrCancelled           = &EngineError{Code: ErrCodeCancelled}
	ErrDeadlock            = &EngineError{Code: ErrCodeDeadlock}
	ErrTypeMismatch        = &EngineError{Code: ErrCodeTypeMismatch}
	ErrUnknownType         = &EngineError{Code: ErrCodeUnknownType}
	ErrNotFound            = &EngineError{Code: ErrCodeNotFound}
	ErrClosed              = &EngineError{Code: ErrCodeClosed}
)

// Reasons recorded on unresolved reference errors.
const (
	ReasonNodeMissing        = "node missing"
	ReasonNodeNotInitialized = "node not initialized"
	ReasonValueUnset         = "value not yet published"
)

// NewUnresolvedReferenceError reports a deferred reference that did not resolve in time.
func NewUnresolvedReferenceError(expression, reason string, err error) *EngineError {
	return NewPermanentError(fmt.Sprintf("unresolved reference %s: %s", expression, reason), err).
		WithCode(ErrCodeUnresolvedReference).
		WithDetail("expression", expression).
		WithDetail("reason", reason)
}

// NewNotYetResolvableError reports a transient resolution miss; resolvers retry on it.
func NewNotYetResolvableError(expression, reason string) *EngineError {
	return NewTransientError(fmt.Sprintf("%s: %s", expression, reason), nil).
		WithCode(ErrCodeNotYetResolvable).
		WithDetail("reason", reason)
}

// NewAttachmentFailure reports an enricher or policy that could not be attached.
func NewAttachmentFailure(adjunctID, phase string, err error) *EngineError {
	return NewPermanentError(fmt.Sprintf("attachment failed during %s", phase), err).
		WithCode(ErrCodeAttachmentFailed).
		WithResource(adjunctID).
		WithOperation(phase)
}

// NewTransformError reports an enricher computation that failed for one event.
func NewTransformError(adjunctID, sensor string, err error) *EngineError {
	return NewTransientError("transform failed", err).
		WithCode(ErrCodeTransformFailed).
		WithResource(adjunctID).
		WithDetail("sensor", sensor)
}

// NewTaskFailure wraps the failure raised by a unit of work.
func NewTaskFailure(task string, err error) *EngineError {
	return NewPermanentError(fmt.Sprintf("task %s failed", task), err).
		WithCode(ErrCodeTaskFailed).
		WithOperation(task)
}

// ReasonOf returns the recorded resolution reason, if any.
func ReasonOf(err error) string {
	for err != nil {
		var e *EngineError
		if !errors.As(err, &e) {
			return ""
		}
		if r, ok := e.Details["reason"].(string); ok {
			return r
		}
		err = e.Err
	}
	return ""
}

// IsUnresolvedReference returns true if a deferred reference timed out somewhere in the chain.
func IsUnresolvedReference(err error) bool {
	return errors.Is(err, ErrUnresolvedReference)
}

// IsNotYetResolvable returns true for transient resolution misses.
func IsNotYetResolvable(err error) bool {
	return errors.Is(err, ErrNotYetResolvable)
}

// IsAttachmentFailure returns true if the error is an attachment failure.
func IsAttachmentFailure(err error) bool {
	return errors.Is(err, ErrAttachmentFailed)
}

// IsTransformError returns true if the error is a transform failure.
func IsTransformError(err error) bool {
	return errors.Is(err, ErrTransformFailed)
}

// IsTaskFailure returns true if the error was raised by a unit of work.
func IsTaskFailure(err error) bool {
	return errors.Is(err, ErrTaskFailed)
}

// IsCancelled returns true if the unit of work was cancelled before it started.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsTransient returns true if the outermost classified error is transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the outermost classified error is permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return IsTransient(err)
}
