package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for retry and reporting decisions.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure, such as a dropped connection.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates that capacity was exhausted.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict between collaborators.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates an error that will not go away on retry.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError is a classified error carrying scheduling context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Host is the host the error relates to, if any.
	Host string `json:"host,omitempty"`

	// Operation is the scheduler operation that failed.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Host != "" {
		msg += fmt.Sprintf(" (host=%s)", e.Host)
	}
	if e.Operation != "" {
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is reports whether target has the same class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return newError(ErrorClassThrottled, message, err)
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err)
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

// NewContractError reports a collaborator that broke its interface contract.
// The scheduler treats these as UNKNOWN_ERROR and stops after draining.
func NewContractError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err).WithCode(ErrCodeContract)
}

// WithHost adds host context to an error.
func (e *EngineError) WithHost(host string) *EngineError {
	e.Host = host
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

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// IsContractViolation returns true if err reports a broken collaborator contract.
func IsContractViolation(err error) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Code == ErrCodeContract
}

// Common error codes.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeUnreachable   = "HOST_UNREACHABLE"
	ErrCodeTaskFailed    = "TASK_FAILED"
	ErrCodeContract      = "CONTRACT_VIOLATION"
	ErrCodeInclude       = "INCLUDE_FAILED"
	ErrCodeUnknownModule = "UNKNOWN_MODULE"
	ErrCodeTerminated    = "TERMINATED"
	ErrCodeInternal      = "INTERNAL_ERROR"
)
