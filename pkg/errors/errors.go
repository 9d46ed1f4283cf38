package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// Call lifecycle failures surfaced to the UI layer.
	ErrCodeMediaAcquisition ErrorCode = "MEDIA_ACQUISITION"
	ErrCodeNegotiation      ErrorCode = "NEGOTIATION_FAILED"
	ErrCodeConnectivity     ErrorCode = "CONNECTIVITY_FAILED"
	ErrCodeUserUnavailable  ErrorCode = "USER_UNAVAILABLE"
	ErrCodeSignaling        ErrorCode = "SIGNALING_FAILED"
	ErrCodeInvalidState     ErrorCode = "INVALID_STATE"
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

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// Call errors never travel over HTTP, so they carry no status.

func NewMediaAcquisitionError(cause error) *AppError {
	return WrapError(cause, ErrCodeMediaAcquisition, "local media could not be acquired", 0)
}

func NewNegotiationError(step string, cause error) *AppError {
	return WrapError(cause, ErrCodeNegotiation, "call could not be established", 0).WithContext("step", step)
}

func NewConnectivityError(message string) *AppError {
	return NewAppError(ErrCodeConnectivity, message, 0)
}

func NewUserUnavailableError(userID string) *AppError {
	return NewAppError(ErrCodeUserUnavailable, "user is not available", 0).WithContext("user_id", userID)
}

func NewSignalingError(cause error) *AppError {
	return WrapError(cause, ErrCodeSignaling, "signaling channel lost", 0)
}

func NewInvalidStateError(message string) *AppError {
	return NewAppError(ErrCodeInvalidState, message, http.StatusConflict)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	return GetAppError(err) != nil
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HasCode reports whether err carries an AppError with the given code.
func HasCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}
