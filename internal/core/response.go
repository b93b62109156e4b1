package core

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"kickoff/internal/types"
)

const maxRequestBodySize = 64 << 10

// errCodeValidationInvalidJSON is returned for any body that fails to decode.
const errCodeValidationInvalidJSON types.ErrorCode = "validation_invalid_json"

// APIResponse is the envelope for successful responses.
type APIResponse struct {
	Data any `json:"data,omitempty"`
}

// APIErrorResponse is the envelope for error responses.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the client-visible part of an error.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// JSON writes data with the given status. A marshal failure becomes a 500.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_ = writeJSON(w, APIErrorResponse{Error: ErrorDetail{
			Code:      string(types.ErrCodeInternalUnexpected),
			Message:   "failed to marshal response",
			RequestID: types.GetRequestID(r.Context()),
		}})
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Error writes err as an error envelope. An AppError chooses the status and
// code; anything else is a 500 whose message is not exposed.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	requestID := types.GetRequestID(r.Context())

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		JSON(w, r, appErr.HTTPStatus(), APIErrorResponse{Error: ErrorDetail{
			Code:      string(appErr.Code),
			Message:   appErr.Message,
			Details:   appErr.Details,
			RequestID: requestID,
		}})
		return
	}
	JSON(w, r, http.StatusInternalServerError, APIErrorResponse{Error: ErrorDetail{
		Code:      string(types.ErrCodeInternalUnexpected),
		Message:   "an unexpected error occurred",
		RequestID: requestID,
	}})
}

// DecodeJSON strictly decodes a single JSON value from the body into dst.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return mapDecodeError(err)
	}
	if dec.More() {
		return types.NewAppError(errCodeValidationInvalidJSON, "request body must contain a single JSON object", nil)
	}
	return nil
}

func mapDecodeError(err error) *types.AppError {
	var maxBytesErr *http.MaxBytesError
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &maxBytesErr):
		return types.NewAppError(errCodeValidationInvalidJSON, "request body is too large", err)
	case errors.As(err, &syntaxErr):
		return types.NewAppError(errCodeValidationInvalidJSON, "malformed JSON in request body", err)
	case errors.As(err, &typeErr):
		return types.NewAppErrorWithDetails(errCodeValidationInvalidJSON, "invalid value for field", err,
			map[string]any{"field": typeErr.Field, "expected": typeErr.Type.String()})
	case strings.HasPrefix(err.Error(), "json: unknown field"):
		return types.NewAppError(errCodeValidationInvalidJSON,
			"unknown field in request body: "+strings.TrimPrefix(err.Error(), "json: unknown field "), err)
	case errors.Is(err, io.EOF):
		return types.NewAppError(errCodeValidationInvalidJSON, "request body must not be empty", err)
	default:
		return types.NewAppError(errCodeValidationInvalidJSON, "invalid JSON in request body", err)
	}
}
