package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/service"
)

// maxRequestBody bounds a submission: code plus every project file.
const maxRequestBody = 10 << 20

// ExecutionService is the part of the service layer the handlers use.
type ExecutionService interface {
	Submit(ctx context.Context, req executor.ExecutionRequest) (string, error)
	Status(ctx context.Context, id string) (*service.StatusView, error)
}

// SubmitResponse is returned as soon as a job is accepted.
type SubmitResponse struct {
	ExecutionID string          `json:"executionId"`
	Status      executor.Status `json:"status"`
}

// ExecuteHandler handles job submission and status.
type ExecuteHandler struct {
	svc    ExecutionService
	logger *slog.Logger

	// ExposeErrors returns internal error messages to callers instead of a
	// generic one. Set it in development only.
	ExposeErrors bool
}

func NewExecuteHandler(svc ExecutionService, logger *slog.Logger) *ExecuteHandler {
	return &ExecuteHandler{
		svc:    svc,
		logger: logger,
	}
}

// HandleSubmit handles POST /execute.
//
// The request is validated here, before it reaches the service; the job is
// queued and the response returns without waiting for the run.
func (h *ExecuteHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req executor.ExecutionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		h.logger.Warn("invalid execution request body", slog.String("error", err.Error()))
		writeError(w, apperror.InvalidRequest([]string{decodeDetail(err)}), h.ExposeErrors)
		return
	}

	if err := req.Validate(); err != nil {
		writeError(w, err, h.ExposeErrors)
		return
	}

	id, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err, h.ExposeErrors)
		return
	}

	writeJSON(w, http.StatusOK, SubmitResponse{
		ExecutionID: id,
		Status:      executor.StatusRunning,
	})
}

// HandleStatus handles GET /execute/{executionId}.
func (h *ExecuteHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("executionId")

	view, err := h.svc.Status(r.Context(), id)
	if err != nil {
		if !errors.Is(err, apperror.ErrNotFound) {
			h.logger.Error("failed to get execution status",
				slog.String("executionId", id),
				slog.String("error", err.Error()),
			)
		}
		writeError(w, err, h.ExposeErrors)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

func decodeDetail(err error) string {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return "body: request is too large"
	case errors.Is(err, io.EOF):
		return "body: must not be empty"
	default:
		return "body: " + err.Error()
	}
}
