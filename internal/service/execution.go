// Package service contains the business logic layer between the HTTP handlers
// and the orchestrator.
//
// THE LAYERS:
//
//	Handler (HTTP layer)        → parses requests, validates, writes responses
//	Service (business layer)    → hands jobs to the orchestrator, shapes results
//	Orchestrator (job layer)    → records runs, queues them, runs workers
//
// The service depends on the orchestrator.Orchestrator interface, not on the
// Runner, so tests pass a hand-written fake.
package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/metrics"
	"github.com/sakif/coderunner/internal/orchestrator"
)

// StatusView is the client-facing snapshot of one execution.
type StatusView struct {
	ExecutionID string                    `json:"executionId"`
	Status      executor.Status           `json:"status"`
	Output      *executor.ExecutionResult `json:"output"`
	Error       string                    `json:"error,omitempty"`
}

// ExecutionService is the job submission facade.
type ExecutionService struct {
	orch   orchestrator.Orchestrator
	logger *slog.Logger
}

func NewExecutionService(orch orchestrator.Orchestrator, logger *slog.Logger) *ExecutionService {
	return &ExecutionService{
		orch:   orch,
		logger: logger,
	}
}

// Submit forwards an already validated request and returns the job id without
// waiting for completion. Any failure comes back as an ErrSubmission error
// carrying the underlying message. Nothing is retried here.
func (s *ExecutionService) Submit(ctx context.Context, req executor.ExecutionRequest) (string, error) {
	id, err := s.orch.Submit(ctx, req)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("error").Inc()
		s.logger.Error("failed to submit execution",
			slog.String("language", req.Language),
			slog.String("error", err.Error()),
		)
		return "", apperror.SubmissionFailed(err)
	}

	metrics.SubmissionsTotal.WithLabelValues("ok").Inc()
	s.logger.Info("execution submitted",
		slog.String("executionId", id),
		slog.String("language", req.Language),
		slog.Int("files", fileCount(req)),
	)
	return id, nil
}

// Status returns the coarse status and latest output of a job.
func (s *ExecutionService) Status(ctx context.Context, id string) (*StatusView, error) {
	run, err := s.orch.Retrieve(ctx, id)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, err
		}
		return nil, apperror.TransportFailed("retrieving execution", err)
	}

	return &StatusView{
		ExecutionID: id,
		Status:      run.Status.Coarse(),
		Output:      run.Output,
		Error:       run.Error,
	}, nil
}

func fileCount(req executor.ExecutionRequest) int {
	if req.ProjectContext == nil {
		return 0
	}
	return len(req.ProjectContext.Files)
}
