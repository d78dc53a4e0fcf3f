package common

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an AppError so callers can tell retryable failures from terminal ones.
type Kind string

const (
	KindInternal      Kind = "internal"
	KindValidation    Kind = "validation"
	KindConfiguration Kind = "configuration"
	KindNotFound      Kind = "not_found"
	KindRemoteAPI     Kind = "remote_api"
	KindStateConflict Kind = "state_conflict"
	KindRefund        Kind = "refund"
)

// AppError represents an error with an attached code and HTTP status.
type AppError struct {
	Kind       Kind
	Code       string
	Message    string
	HTTPStatus int
	Retryable  bool
	Err        error
	Details    any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		if e.Message != "" {
			return e.Message + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Kind: KindInternal, Code: code, Message: message, HTTPStatus: status, Err: err}
}

// IsAppError checks whether the error is an AppError.
func IsAppError(err error) bool {
	var target *AppError
	return errors.As(err, &target)
}

// ValidationError reports malformed input. Never retried.
func ValidationError(code, format string, args ...any) *AppError {
	return &AppError{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...), HTTPStatus: http.StatusBadRequest}
}

// ConfigurationError reports missing or unusable gateway settings.
func ConfigurationError(format string, args ...any) *AppError {
	return &AppError{Kind: KindConfiguration, Code: "GATEWAY_NOT_CONFIGURED", Message: fmt.Sprintf(format, args...), HTTPStatus: http.StatusServiceUnavailable}
}

// NotFoundError reports a missing entity.
func NotFoundError(code, format string, args ...any) *AppError {
	return &AppError{Kind: KindNotFound, Code: code, Message: fmt.Sprintf(format, args...), HTTPStatus: http.StatusNotFound}
}

// StateConflictError reports an illegal state transition.
func StateConflictError(format string, args ...any) *AppError {
	return &AppError{Kind: KindStateConflict, Code: "INVALID_STATE", Message: fmt.Sprintf(format, args...), HTTPStatus: http.StatusConflict}
}

// RemoteAPIError wraps a failed processor call. retryable is false for 4xx responses.
func RemoteAPIError(message string, retryable bool, err error) *AppError {
	status := http.StatusBadGateway
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	return &AppError{Kind: KindRemoteAPI, Code: "PROCESSOR_ERROR", Message: message, HTTPStatus: status, Retryable: retryable, Err: err}
}

// RefundError reports a refund the processor declined or could not complete.
func RefundError(message string, err error) *AppError {
	return &AppError{Kind: KindRefund, Code: "REFUND_FAILED", Message: message, HTTPStatus: http.StatusBadGateway, Err: err}
}

// KindOf returns the Kind of the first AppError in the chain, or KindInternal.
func KindOf(err error) Kind {
	var target *AppError
	if errors.As(err, &target) && target.Kind != "" {
		return target.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the provided kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the whole operation may be attempted again from scratch.
func IsRetryable(err error) bool {
	var target *AppError
	if errors.As(err, &target) {
		return target.Retryable
	}
	return false
}

// Message returns the user-facing message of an AppError, or err.Error().
func Message(err error) string {
	if err == nil {
		return ""
	}
	var target *AppError
	if errors.As(err, &target) && target.Message != "" {
		return target.Message
	}
	return err.Error()
}
