package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeMissingField ErrorCode = "MISSING_FIELD"

	// Authentication errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// Authorization errors
	ErrCodeForbidden  ErrorCode = "FORBIDDEN"
	ErrCodeNotAMember ErrorCode = "NOT_A_MEMBER"

	// Not found errors
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeNoSuchSession ErrorCode = "NO_SUCH_SESSION"

	// Conflict errors
	ErrCodeConflict      ErrorCode = "CONFLICT"
	ErrCodeAlreadyInCall ErrorCode = "ALREADY_IN_CALL"

	// Rate limiting errors
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal errors
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodePersistenceFailure ErrorCode = "PERSISTENCE_FAILURE"
	ErrCodeTransportTimeout   ErrorCode = "TRANSPORT_TIMEOUT"
	ErrCodeServiceUnavail     ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message
// The status code defaults to 500 Internal Server Error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// WrapWithStatus wraps an existing error with an AppError and specific status code
func WrapWithStatus(code ErrorCode, message string, statusCode int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

func MissingFieldError(field string) *AppError {
	return NewWithStatus(ErrCodeMissingField, fmt.Sprintf("Missing required field: %s", field), http.StatusBadRequest)
}

func ForbiddenError(message string) *AppError {
	return NewWithStatus(ErrCodeForbidden, message, http.StatusForbidden)
}

// NotAMemberError is returned when a user acts on a conversation they do not belong to
func NotAMemberError() *AppError {
	return NewWithStatus(ErrCodeNotAMember, "Not a member of this conversation", http.StatusForbidden)
}

func NotFoundError(resource string) *AppError {
	return NewWithStatus(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

// NoSuchSessionError is returned for call signals that reference no live session
func NoSuchSessionError() *AppError {
	return NewWithStatus(ErrCodeNoSuchSession, "No active call session", http.StatusNotFound)
}

func AlreadyInCallError() *AppError {
	return NewWithStatus(ErrCodeAlreadyInCall, "A call between these users is already active", http.StatusConflict)
}

func RateLimitExceededError() *AppError {
	return NewWithStatus(ErrCodeRateLimitExceeded, "Rate limit exceeded", http.StatusTooManyRequests)
}

func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

// PersistenceError reports that the message store rejected a write after retries
func PersistenceError(err error) *AppError {
	return WrapWithStatus(ErrCodePersistenceFailure, "Failed to persist", http.StatusServiceUnavailable, err)
}

func TransportTimeoutError(message string) *AppError {
	return NewWithStatus(ErrCodeTransportTimeout, message, http.StatusGatewayTimeout)
}

// DependencyError wraps a failure of a store or directory the request depends on
func DependencyError(message string, err error) *AppError {
	return WrapWithStatus(ErrCodeServiceUnavail, message, http.StatusServiceUnavailable, err)
}

// IsAppError checks if an error is or wraps an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// HasCode reports whether err is or wraps an AppError with the given code
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err.Error())
}
