package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// AuthReason records which auth sub-case failed. It is logged but never
// sent to the client; the wire response stays a uniform "unauthorized".
type AuthReason string

const (
	AuthReasonMissing     AuthReason = "token_missing"
	AuthReasonExpired     AuthReason = "token_expired"
	AuthReasonNotYetValid AuthReason = "token_not_yet_valid"
	AuthReasonMalformed   AuthReason = "token_malformed"
	AuthReasonAlgMismatch AuthReason = "algorithm_mismatch"
	AuthReasonKeySource   AuthReason = "key_source_unreachable"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// Common error constructors

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

// NewAuthError creates an unauthorized error carrying the failed
// sub-case for logging.
func NewAuthError(reason AuthReason, cause error) *AppError {
	e := WrapError(cause, ErrCodeUnauthorized, "unauthorized", http.StatusUnauthorized)
	e.Context["reason"] = string(reason)
	return e
}

// NewStoreUnavailableError marks a transient presence store or
// broadcast bus failure.
func NewStoreUnavailableError(cause error) *AppError {
	return WrapError(cause, ErrCodeStoreUnavailable, "shared store unavailable", http.StatusServiceUnavailable)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	if err == nil {
		return nil
	}

	if appErr, ok := err.(*AppError); ok {
		return appErr
	}

	type unwrapper interface {
		Unwrap() error
	}

	if u, ok := err.(unwrapper); ok {
		return GetAppError(u.Unwrap())
	}

	return nil
}

// CodeOf returns the error code of err, or ErrCodeInternal when err is
// not an AppError.
func CodeOf(err error) ErrorCode {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsTransient reports whether err is a temporary shared-store failure
// that must not close the connection or block signaling relay.
func IsTransient(err error) bool {
	return CodeOf(err) == ErrCodeStoreUnavailable
}

// AuthReasonOf returns the recorded auth sub-case, if any.
func AuthReasonOf(err error) AuthReason {
	appErr := GetAppError(err)
	if appErr == nil || appErr.Context == nil {
		return ""
	}
	if r, ok := appErr.Context["reason"].(string); ok {
		return AuthReason(r)
	}
	return ""
}
