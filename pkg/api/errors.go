package api

import "fmt"

// ErrorType represents the category of a gateway error.
type ErrorType string

const (
	ErrorTypeServerError    ErrorType = "server_error"
	ErrorTypeInvalidRequest ErrorType = "invalid_request"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeForbidden      ErrorType = "forbidden"
	ErrorTypeEngineError    ErrorType = "engine_error"
)

// ErrorMarker prefixes error text that is surfaced as ordinary response
// content. Clients must treat content beginning with this marker as
// failure; no distinct machine error code is emitted on the stream.
const ErrorMarker = "**ERROR**: "

// APIError is a structured gateway error with type, param, and message.
type APIError struct {
	Type    ErrorType `json:"type"`
	Param   string    `json:"param,omitempty"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (param: %s)", e.Type, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Content renders the error as user-visible response content, prefixed by
// the error marker.
func (e *APIError) Content() string {
	return ErrorMarker + e.Message
}

// ErrorResponse wraps an APIError as the top-level JSON error body for
// requests that fail before any frame is written.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// NewInvalidRequestError creates an APIError for invalid request parameters.
func NewInvalidRequestError(param, message string) *APIError {
	return &APIError{
		Type:    ErrorTypeInvalidRequest,
		Param:   param,
		Message: message,
	}
}

// NewNotFoundError creates an APIError for sessions or workflows that
// cannot be found.
func NewNotFoundError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeNotFound,
		Message: message,
	}
}

// NewForbiddenError creates an APIError for callers that do not own the
// referenced workflow.
func NewForbiddenError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeForbidden,
		Message: message,
	}
}

// NewMissingParamError creates an APIError for a required preset parameter
// that was not supplied at session creation. The message names the key.
func NewMissingParamError(key string) *APIError {
	return &APIError{
		Type:    ErrorTypeInvalidRequest,
		Param:   key,
		Message: fmt.Sprintf("`%s` is required", key),
	}
}

// NewServerError creates an APIError for internal gateway errors.
func NewServerError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeServerError,
		Message: message,
	}
}

// NewEngineError creates an APIError for failures raised while pulling
// execution-engine events.
func NewEngineError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeEngineError,
		Message: message,
	}
}
