package httputil

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/omini/omini-core/internal/pkg/apperr"
)

// ErrorResponse is the standard error envelope for all API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// JSON writes a JSON response with the given status code. The data is
// serialized and Content-Type is set automatically.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[httputil] JSON encode error: %v", err)
	}
}

// OK writes a 200 response with the given data.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Created writes a 201 response with the given data.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, data)
}

// NoContent writes a 204 response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Error writes a JSON error response. Use for client errors (4xx).
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorResponse{Error: message})
}

// BadRequest writes a 400 error.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, message)
}

// NotFound writes a 404 error.
func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, message)
}

// Unauthorized writes a 401 error.
func Unauthorized(w http.ResponseWriter, message string) {
	Error(w, http.StatusUnauthorized, message)
}

// Conflict writes a 409 error.
func Conflict(w http.ResponseWriter, message string) {
	Error(w, http.StatusConflict, message)
}

// InternalError writes a 500 error. Logs the real error but returns a
// generic message to the client (never leak internals).
func InternalError(w http.ResponseWriter, err error) {
	log.Printf("[httputil] internal error: %v", err)
	Error(w, http.StatusInternalServerError, "internal server error")
}

// kindStatus maps the engine-level error taxonomy to HTTP status codes.
var kindStatus = map[apperr.Kind]int{
	apperr.InvalidInput:        http.StatusBadRequest,
	apperr.Unauthorized:        http.StatusUnauthorized,
	apperr.NotFound:            http.StatusNotFound,
	apperr.Conflict:            http.StatusConflict,
	apperr.ProviderError:       http.StatusBadGateway,
	apperr.TransientDependency: http.StatusServiceUnavailable,
	apperr.Internal:            http.StatusInternalServerError,
}

var kindCode = map[apperr.Kind]string{
	apperr.InvalidInput:        "invalid_input",
	apperr.Unauthorized:        "unauthorized",
	apperr.NotFound:            "not_found",
	apperr.Conflict:            "conflict",
	apperr.ProviderError:       "provider_error",
	apperr.TransientDependency: "transient_dependency",
	apperr.Internal:            "internal",
}

// WriteError maps a tagged error to its HTTP representation. Untagged
// errors are treated as Internal and their details are never exposed.
func WriteError(w http.ResponseWriter, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		InternalError(w, err)
		return
	}
	kind := ae.Kind
	if kind == apperr.Internal {
		InternalError(w, err)
		return
	}
	resp := ErrorResponse{Error: ae.Message, Code: kindCode[kind]}
	if len(ae.Fields) > 0 {
		resp.Details = map[string]any{"fields": ae.Fields}
	}
	JSON(w, kindStatus[kind], resp)
}

// Decode reads JSON from the request body into dst.
// Returns false and writes a 400 response if parsing fails.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		BadRequest(w, "invalid JSON: "+err.Error())
		return false
	}
	return true
}
