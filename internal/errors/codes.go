package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode represents coordinator error codes
type ErrorCode string

const (
	// Caller errors
	ErrCodeValidation         ErrorCode = "VALIDATION_FAILED"
	ErrCodeCommandNotFound    ErrorCode = "COMMAND_NOT_FOUND"
	ErrCodeGraduationInFlight ErrorCode = "GRADUATION_IN_FLIGHT"
	ErrCodeLedgerBusy         ErrorCode = "LEDGER_BUSY"
	ErrCodeCancelled          ErrorCode = "COMMAND_CANCELLED"

	// Ledger-side errors
	ErrCodeResolution         ErrorCode = "RESOLUTION_FAILED"
	ErrCodeConnection         ErrorCode = "CONNECTION_FAILED"
	ErrCodeNotConnected       ErrorCode = "NOT_CONNECTED"
	ErrCodeSubmissionRejected ErrorCode = "SUBMISSION_REJECTED"
	ErrCodeSubmissionFailed   ErrorCode = "SUBMISSION_FAILED"
	ErrCodeReconcileTimeout   ErrorCode = "RECONCILE_TIMEOUT"

	ErrCodeInternal ErrorCode = "INTERNAL"
)

// CoordinatorError represents a structured error with code and context
type CoordinatorError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *CoordinatorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *CoordinatorError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error code to an HTTP status
func (e *CoordinatorError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeCommandNotFound:
		return http.StatusNotFound
	case ErrCodeGraduationInFlight:
		return http.StatusConflict
	case ErrCodeLedgerBusy:
		return http.StatusTooManyRequests
	case ErrCodeSubmissionRejected:
		return http.StatusUnprocessableEntity
	case ErrCodeCancelled:
		return http.StatusConflict
	case ErrCodeResolution, ErrCodeConnection, ErrCodeNotConnected:
		return http.StatusServiceUnavailable
	case ErrCodeSubmissionFailed:
		return http.StatusBadGateway
	case ErrCodeReconcileTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewCoordinatorError creates a new CoordinatorError
func NewCoordinatorError(code ErrorCode, message string, cause error) *CoordinatorError {
	return &CoordinatorError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *CoordinatorError) WithDetail(key string, value interface{}) *CoordinatorError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func Validation(field, reason string) *CoordinatorError {
	return NewCoordinatorError(ErrCodeValidation, fmt.Sprintf("invalid %s: %s", field, reason), nil).
		WithDetail("field", field).
		WithDetail("reason", reason)
}

// ResolutionFailed lists every module the ledger exposes so the operator
// can see why none of the candidates matched.
func ResolutionFailed(candidates, available []string) *CoordinatorError {
	return NewCoordinatorError(ErrCodeResolution,
		fmt.Sprintf("no registry interface found; tried [%s], ledger exposes [%s]",
			strings.Join(candidates, ", "), strings.Join(available, ", ")), nil).
		WithDetail("candidates", candidates).
		WithDetail("available", available)
}

func ConnectionFailed(ledger, endpoint string, cause error) *CoordinatorError {
	return NewCoordinatorError(ErrCodeConnection, fmt.Sprintf("connection to %s ledger at %s failed", ledger, endpoint), cause).
		WithDetail("ledger", ledger).
		WithDetail("endpoint", endpoint)
}

func NotConnected(ledger, state string) *CoordinatorError {
	return NewCoordinatorError(ErrCodeNotConnected, fmt.Sprintf("%s ledger is not connected (state %s)", ledger, state), nil).
		WithDetail("ledger", ledger).
		WithDetail("state", state)
}

// SubmissionRejected carries the ledger's own reason verbatim.
func SubmissionRejected(commandID, reason string) *CoordinatorError {
	return NewCoordinatorError(ErrCodeSubmissionRejected, fmt.Sprintf("command %s rejected by ledger: %s", commandID, reason), nil).
		WithDetail("command_id", commandID).
		WithDetail("reason", reason)
}

func SubmissionFailed(commandID, message string, cause error) *CoordinatorError {
	return NewCoordinatorError(ErrCodeSubmissionFailed, fmt.Sprintf("command %s failed: %s", commandID, message), cause).
		WithDetail("command_id", commandID)
}

func GraduationInFlight(commandID string) *CoordinatorError {
	return NewCoordinatorError(ErrCodeGraduationInFlight, fmt.Sprintf("graduation %s is still in flight", commandID), nil).
		WithDetail("command_id", commandID)
}

func LedgerBusy(ledger string, queueSize int) *CoordinatorError {
	return NewCoordinatorError(ErrCodeLedgerBusy, fmt.Sprintf("%s ledger command queue is full (%d)", ledger, queueSize), nil).
		WithDetail("ledger", ledger).
		WithDetail("queue_size", queueSize)
}

func CommandNotFound(commandID string) *CoordinatorError {
	return NewCoordinatorError(ErrCodeCommandNotFound, fmt.Sprintf("command not found: %s", commandID), nil).
		WithDetail("command_id", commandID)
}

func Cancelled(commandID string, state string) *CoordinatorError {
	return NewCoordinatorError(ErrCodeCancelled, fmt.Sprintf("command %s cancelled in state %s", commandID, state), nil).
		WithDetail("command_id", commandID).
		WithDetail("state", state)
}

func ReconcileTimeout(commandID string, polls int) *CoordinatorError {
	return NewCoordinatorError(ErrCodeReconcileTimeout, fmt.Sprintf("graduated record for %s not visible on destination after %d polls", commandID, polls), nil).
		WithDetail("command_id", commandID).
		WithDetail("polls", polls)
}

func InternalError(message string, cause error) *CoordinatorError {
	return NewCoordinatorError(ErrCodeInternal, message, cause)
}

// IsCoordinatorError checks if an error chain contains a CoordinatorError
func IsCoordinatorError(err error) bool {
	var ce *CoordinatorError
	return errors.As(err, &ce)
}

// GetCode extracts the error code from an error chain
func GetCode(err error) ErrorCode {
	var ce *CoordinatorError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code
func HasCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// HTTPStatus returns the HTTP status for any error
func HTTPStatus(err error) int {
	var ce *CoordinatorError
	if errors.As(err, &ce) {
		return ce.HTTPStatus()
	}
	return http.StatusInternalServerError
}
