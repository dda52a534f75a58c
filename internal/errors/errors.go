// Package errors defines the application error taxonomy shared by the HTTP
// surface, the WebSocket channel, and the workflow runtime.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code classifies an application error for transport mapping.
type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeSecurity          Code = "SECURITY_ERROR"
	CodeNotFound          Code = "RESOURCE_NOT_FOUND"
	CodeConflict          Code = "RESOURCE_CONFLICT"
	CodeWorkflowExecution Code = "WORKFLOW_EXECUTION_ERROR"
	CodeWorkflowCancelled Code = "WORKFLOW_CANCELLED"
	CodeTimeout           Code = "TIMEOUT_ERROR"
	CodeExternalService   Code = "EXTERNAL_SERVICE_ERROR"
	CodeGeneric           Code = "GENERIC_ERROR"
)

// AppError is the error type carried across component boundaries. Details are
// safe to expose to clients; anything sensitive belongs in logs only.
type AppError struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.cause }

// WithDetail returns the error with an extra detail attached.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// WithCause records an underlying error without exposing it to clients.
func (e *AppError) WithCause(cause error) *AppError {
	e.cause = cause
	return e
}

func newError(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Validation reports malformed input or a disallowed state transition.
func Validation(message string) *AppError { return newError(CodeValidation, message) }

// Security reports path traversal, disallowed filenames and similar violations.
func Security(message string) *AppError { return newError(CodeSecurity, message) }

// NotFound reports a missing resource.
func NotFound(message string) *AppError { return newError(CodeNotFound, message) }

// Conflict reports a precondition failure against existing state.
func Conflict(message string) *AppError { return newError(CodeConflict, message) }

// WorkflowExecution reports a failure raised inside the graph or adapter.
func WorkflowExecution(message string) *AppError {
	return newError(CodeWorkflowExecution, message)
}

// WorkflowCancelled marks the normal cancellation path. It is never surfaced
// as an HTTP 5xx or an error frame.
func WorkflowCancelled(message string) *AppError {
	return newError(CodeWorkflowCancelled, message)
}

// Timeout reports an expired human-input or long-poll wait.
func Timeout(message string) *AppError { return newError(CodeTimeout, message) }

// ExternalService reports a downstream model/tool failure.
func ExternalService(message string) *AppError {
	return newError(CodeExternalService, message)
}

// Generic wraps anything that does not fit the taxonomy.
func Generic(message string) *AppError { return newError(CodeGeneric, message) }

// AsAppError extracts an *AppError from err, wrapping unknown errors as
// GENERIC_ERROR so callers always get a classified value.
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var app *AppError
	if errors.As(err, &app) {
		return app
	}
	return Generic(err.Error()).WithCause(err)
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	app := new(AppError)
	return errors.As(err, &app) && app.Code == code
}

// IsCancelled reports whether err is the workflow cancellation sentinel.
func IsCancelled(err error) bool { return IsCode(err, CodeWorkflowCancelled) }

// HTTPStatus maps a code to the response status used by the REST surface.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeSecurity:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeTimeout:
		return http.StatusRequestTimeout
	case CodeExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Envelope is the JSON body written for HTTP 4xx/5xx responses.
type Envelope struct {
	Error     EnvelopeBody `json:"error"`
	Timestamp float64      `json:"timestamp"`
}

// EnvelopeBody carries the client-safe error payload.
type EnvelopeBody struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

// ToEnvelope builds the wire envelope for err. When development is true the
// underlying cause is included in the details for easier debugging.
func ToEnvelope(err error, development bool) Envelope {
	app := AsAppError(err)
	details := app.Details
	if development && app.cause != nil {
		if details == nil {
			details = map[string]any{}
		}
		details["cause"] = app.cause.Error()
	}
	if details == nil {
		details = map[string]any{}
	}
	return Envelope{
		Error: EnvelopeBody{
			Code:    app.Code,
			Message: app.Message,
			Details: details,
		},
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}
}
