package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/zen-systems/flowdispatch/pkg/dispatch"
)

// ErrInvalidInput marks a malformed request.
var ErrInvalidInput = errors.New("invalid input")

// ErrorCode is a machine readable error identifier.
type ErrorCode string

const (
	CodeInvalidInput  ErrorCode = "invalid_input"
	CodeNoExecutors   ErrorCode = "no_executors"
	CodeCancelled     ErrorCode = "cancelled"
	CodeInternalError ErrorCode = "internal_error"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

type httpError struct {
	status int
	code   ErrorCode
	err    error
}

func mapError(err error) httpError {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, dispatch.ErrEmptyTask):
		return httpError{http.StatusBadRequest, CodeInvalidInput, err}
	case errors.Is(err, dispatch.ErrNoExecutors):
		return httpError{http.StatusServiceUnavailable, CodeNoExecutors, err}
	case errors.Is(err, context.Canceled):
		// 499: client closed request
		return httpError{499, CodeCancelled, err}
	default:
		return httpError{http.StatusInternalServerError, CodeInternalError, err}
	}
}

func writeError(w http.ResponseWriter, err error) {
	he := mapError(err)
	writeJSON(w, he.status, ErrorResponse{Code: he.code, Message: he.err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
