// Package errors provides structured error handling for scanwatch operations.
// It defines error codes and typed errors that carry the job, operation and
// underlying cause so callers can map failures to API responses and events.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"
	CodeUnauthorized  ErrorCode = "UNAUTHORIZED"

	// Job lifecycle errors.
	CodeNotFound             ErrorCode = "NOT_FOUND"
	CodeInvalidState         ErrorCode = "INVALID_STATE"
	CodeConflict             ErrorCode = "CONFLICT"
	CodeExecution            ErrorCode = "EXECUTION"
	CodeQueueFull            ErrorCode = "QUEUE_FULL"
	CodeUnsupportedFormat    ErrorCode = "UNSUPPORTED_FORMAT"
	CodeTransportUnavailable ErrorCode = "TRANSPORT_UNAVAILABLE"

	// Database errors.
	CodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	CodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
	CodeDatabaseMigration  ErrorCode = "DATABASE_MIGRATION"
	CodeDatabaseTimeout    ErrorCode = "DATABASE_TIMEOUT"

	// Service errors.
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
)

// JobError represents an error raised by a job operation.
type JobError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Operation string
	Cause     error
	Context   map[string]interface{}
}

// Error implements the error interface.
func (e *JobError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("[%s] %s (job: %s)", e.Code, e.Message, e.JobID)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *JobError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *JobError) WithContext(key string, value interface{}) *JobError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithOperation records the operation that failed.
func (e *JobError) WithOperation(op string) *JobError {
	e.Operation = op
	return e
}

// NewJobError creates a new job error with the specified code and message.
func NewJobError(code ErrorCode, message string) *JobError {
	return &JobError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewJobErrorWithID creates a job error for a specific job.
func NewJobErrorWithID(code ErrorCode, message, jobID string) *JobError {
	return &JobError{
		Code:    code,
		Message: message,
		JobID:   jobID,
		Context: make(map[string]interface{}),
	}
}

// WrapJobError wraps an existing error as a job error.
func WrapJobError(code ErrorCode, message string, err error) *JobError {
	return &JobError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// DatabaseError represents database-related errors.
type DatabaseError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Query     string
	Cause     error
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// WithQuery adds the SQL query that caused the error.
func (e *DatabaseError) WithQuery(query string) *DatabaseError {
	e.Query = query
	return e
}

// WrapDatabaseError wraps an existing error as a database error.
func WrapDatabaseError(code ErrorCode, message string, err error) *DatabaseError {
	return &DatabaseError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// Utility functions for common error operations

// GetCode extracts the error code from anywhere in the error chain.
func GetCode(err error) ErrorCode {
	var jobErr *JobError
	if stderrors.As(err, &jobErr) {
		return jobErr.Code
	}
	var dbErr *DatabaseError
	if stderrors.As(err, &dbErr) {
		return dbErr.Code
	}
	var cfgErr *ConfigError
	if stderrors.As(err, &cfgErr) {
		return cfgErr.Code
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsValidation reports whether err is a VALIDATION error.
func IsValidation(err error) bool {
	return IsCode(err, CodeValidation)
}

// IsInvalidState reports whether err is an INVALID_STATE error.
func IsInvalidState(err error) bool {
	return IsCode(err, CodeInvalidState)
}

// IsTransportUnavailable reports whether err is a TRANSPORT_UNAVAILABLE error.
func IsTransportUnavailable(err error) bool {
	return IsCode(err, CodeTransportUnavailable)
}

// IsRetryable determines if an error indicates a retryable condition.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeTransportUnavailable, CodeDatabaseTimeout, CodeServiceUnavailable, CodeRateLimited:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrValidation creates an error for a malformed submission.
func ErrValidation(message string) *JobError {
	return NewJobError(CodeValidation, message)
}

// ErrNotFound creates an error for an unknown job id.
func ErrNotFound(jobID string) *JobError {
	return NewJobErrorWithID(CodeNotFound, "job not found", jobID)
}

// ErrInvalidState creates an error for an operation that is not legal in the job's state.
func ErrInvalidState(jobID, operation, state string) *JobError {
	return NewJobErrorWithID(CodeInvalidState,
		fmt.Sprintf("cannot %s job in state %s", operation, state), jobID).
		WithOperation(operation).
		WithContext("state", state)
}

// ErrTransportUnavailable creates an error for client calls made while disconnected.
func ErrTransportUnavailable(operation string) *JobError {
	return NewJobError(CodeTransportUnavailable, "transport unavailable").WithOperation(operation)
}

// ErrUnsupportedFormat creates an error for an unregistered export format.
func ErrUnsupportedFormat(format string) *JobError {
	return NewJobError(CodeUnsupportedFormat, fmt.Sprintf("unsupported export format %q", format)).
		WithContext("format", format)
}

// ErrExecution wraps a scanner failure. The message is the cause's text, unmodified.
func ErrExecution(jobID string, cause error) *JobError {
	e := WrapJobError(CodeExecution, cause.Error(), cause)
	e.JobID = jobID
	return e
}

// ErrConflict creates an error for a duplicate job id.
func ErrConflict(jobID string) *JobError {
	return NewJobErrorWithID(CodeConflict, "job already exists", jobID)
}

// ErrQueueFull creates an error for a submission rejected by a full admission queue.
func ErrQueueFull(capacity int) *JobError {
	return NewJobError(CodeQueueFull, "job queue is full").WithContext("capacity", capacity)
}

// ErrDatabaseQuery creates an error for database query failures.
func ErrDatabaseQuery(query string, err error) *DatabaseError {
	return WrapDatabaseError(CodeDatabaseQuery, "database query failed", err).WithQuery(query)
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "invalid configuration value", field, value)
}
