package errors

import (
	"net/http"
)

// Code is a standardized error code returned to API callers.
type Code string

const (
	// Verification outcomes. These are expected, user-facing results
	// and are returned as structured verdicts, never as crashes.
	CodeNotFound      Code = "NOT_FOUND"
	CodeDisabled      Code = "DISABLED"
	CodeExpired       Code = "EXPIRED"
	CodeForbidden     Code = "FORBIDDEN"
	CodeRateLimited   Code = "RATE_LIMITED"
	CodeUsageExceeded Code = "USAGE_EXCEEDED"

	// Management errors
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeBadRequest   Code = "BAD_REQUEST"
	CodeKeyNotFound  Code = "KEY_NOT_FOUND"
	CodeAPINotFound  Code = "API_NOT_FOUND"

	// Infrastructure errors
	CodeInternal            Code = "INTERNAL_SERVER_ERROR"
	CodeUpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"
)

// APIError is a standardized API error with an HTTP mapping.
type APIError struct {
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
	HTTPStatus int    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// ErrorResponse is the wire format for error responses.
type ErrorResponse struct {
	Error     APIError `json:"error"`
	RequestID string   `json:"request_id"`
}

// Common errors
var (
	ErrUnauthorized = &APIError{
		Code:       CodeUnauthorized,
		Message:    "Missing or invalid root key",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrKeyNotFound = &APIError{
		Code:       CodeKeyNotFound,
		Message:    "Key not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrAPINotFound = &APIError{
		Code:       CodeAPINotFound,
		Message:    "API not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrInternalServer = &APIError{
		Code:       CodeInternal,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrUpstreamUnavailable = &APIError{
		Code:       CodeUpstreamUnavailable,
		Message:    "Counter authority unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
	}
)

// NewValidationError creates a bad-request error with details.
func NewValidationError(details any) *APIError {
	return &APIError{
		Code:       CodeBadRequest,
		Message:    "Validation failed",
		Details:    details,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewBadRequestError creates a bad-request error with a message.
func NewBadRequestError(message string) *APIError {
	return &APIError{
		Code:       CodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}
