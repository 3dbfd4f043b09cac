package transport

import (
	"encoding/json"
	"net/http"

	"github.com/tbraun/agentflow/pkg/api"
)

// HTTPStatusFromError maps an APIError type to the corresponding HTTP
// status code for requests that fail before any frame is written.
// Mid-stream failures never reach this mapping; they surface as content
// frames.
func HTTPStatusFromError(err *api.APIError) int {
	switch err.Type {
	case api.ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case api.ErrorTypeNotFound:
		return http.StatusNotFound
	case api.ErrorTypeForbidden:
		return http.StatusForbidden
	case api.ErrorTypeServerError, api.ErrorTypeEngineError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WriteErrorResponse writes a JSON error body using the ErrorResponse
// wrapper from pkg/api.
func WriteErrorResponse(w http.ResponseWriter, apiErr *api.APIError, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: apiErr})
}

// WriteAPIError writes an APIError response, deriving the status code
// from the error type.
func WriteAPIError(w http.ResponseWriter, apiErr *api.APIError) {
	WriteErrorResponse(w, apiErr, HTTPStatusFromError(apiErr))
}
