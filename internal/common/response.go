package common

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ErrorBody represents a consistent error payload returned by the API.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// JSON writes the provided value to the response writer as JSON.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// JSONError renders an error response using the canonical error shape.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, map[string]any{
		"error": ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// WriteError renders err, using the AppError status and code when present.
func WriteError(w http.ResponseWriter, err error) {
	JSON(w, StatusOf(err), map[string]any{"error": BodyOf(err)})
}

// BodyOf converts err into the canonical error shape.
func BodyOf(err error) ErrorBody {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return ErrorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Kind:      string(appErr.Kind),
			Retryable: appErr.Retryable,
			Details:   appErr.Details,
		}
	}
	return ErrorBody{Code: "INTERNAL", Message: "internal error", Kind: string(KindInternal)}
}

// StatusOf returns the HTTP status associated with err.
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
