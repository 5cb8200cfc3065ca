package handler

// RESPONSE HELPERS:
// Every JSON response goes through writeJSON and every error through
// writeError, so the API has one error shape:
//
//	{"error": "not_found", "message": "run not found with id run_abc"}
//	{"error": "validation_error", "message": "Invalid request", "details": ["code: must not be empty"]}

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/coderunner/internal/apperror"
)

// ErrorResponse is the error body of every endpoint.
type ErrorResponse struct {
	Error   string   `json:"error"`             // Machine-readable error type (e.g., "not_found")
	Message string   `json:"message"`           // Human-readable description
	Details []string `json:"details,omitempty"` // Every validation problem, when there are several
}

// writeJSON sends a JSON response with the given status code.
// Headers and status must be set before the body is written.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// The status line is already out; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// writeError maps a domain error to an HTTP status and sends it.
//
// ERROR MAPPING:
//
//	ErrValidation → 400   ErrNotFound → 404
//	ErrSubmission → 502   ErrTimeout  → 504
//	anything else → 500 with a generic message, or the raw one when
//	                exposeInternal is set (development only)
//
// errors.Is walks the whole chain, so a store error wrapped with
// fmt.Errorf("...: %w", apperror.NotFound(...)) still maps to 404.
func writeError(w http.ResponseWriter, err error, exposeInternal bool) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		status := http.StatusInternalServerError
		errorType := "internal_error"
		message := appErr.Message

		switch {
		case errors.Is(err, apperror.ErrValidation):
			status = http.StatusBadRequest
			errorType = "validation_error"
		case errors.Is(err, apperror.ErrNotFound):
			status = http.StatusNotFound
			errorType = "not_found"
		case errors.Is(err, apperror.ErrSubmission):
			status = http.StatusBadGateway
			errorType = "submission_error"
		case errors.Is(err, apperror.ErrTimeout):
			status = http.StatusGatewayTimeout
			errorType = "timeout"
		default:
			// Transport and sandbox messages can carry hosts and paths.
			message = internalMessage(err, exposeInternal)
		}

		writeJSON(w, status, ErrorResponse{
			Error:   errorType,
			Message: message,
			Details: appErr.Details,
		})
		return
	}

	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: internalMessage(err, exposeInternal),
	})
}

func internalMessage(err error, exposeInternal bool) string {
	if exposeInternal {
		return err.Error()
	}
	return "An internal error occurred"
}
