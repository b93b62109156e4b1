package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error codes. The prefix decides the HTTP status, see HTTPStatus.
const (
	// Validation (400)
	ErrCodeValidationPreferences    ErrorCode = "validation_invalid_preferences"
	ErrCodeValidationInvalidTZ      ErrorCode = "validation_invalid_timezone"
	ErrCodeValidationMissingField   ErrorCode = "validation_missing_required_field"
	ErrCodeValidationSubscription   ErrorCode = "validation_invalid_subscription"
	ErrCodeValidationTrigger        ErrorCode = "validation_invalid_trigger"
	ErrCodeValidationMatchSchedule  ErrorCode = "validation_invalid_match_schedule"

	// Auth (401)
	ErrCodeAuthTokenMissing ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid ErrorCode = "auth_token_invalid"

	// Not Found (404)
	ErrCodeNotFoundMatch  ErrorCode = "not_found_match"
	ErrCodeNotFoundTarget ErrorCode = "not_found_delivery_target"

	// Conflict (409)
	ErrCodeConflictConcurrent ErrorCode = "conflict_concurrent_modification"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB            ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected    ErrorCode = "internal_unexpected_error"
	ErrCodeInternalSchemaVersion ErrorCode = "internal_unsupported_schema_version"
	ErrCodeUpstreamPush          ErrorCode = "upstream_push_unavailable"
	ErrCodeUpstreamRateLimited   ErrorCode = "upstream_rate_limited"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case s == string(ErrCodeUpstreamRateLimited):
		return http.StatusTooManyRequests
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError carries a stable machine-readable code alongside the message
// returned to API callers. Err is logged, never serialized.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}
