package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/model"
)

// =========================================================================
// MOCK ORCHESTRATOR
// =========================================================================

type mockOrchestrator struct {
	submitted   []executor.ExecutionRequest
	submitErr   error
	runs        map[string]*model.Run
	retrieveErr error
}

func (m *mockOrchestrator) Submit(_ context.Context, req executor.ExecutionRequest) (string, error) {
	if m.submitErr != nil {
		return "", m.submitErr
	}
	m.submitted = append(m.submitted, req)
	return "run_1", nil
}

func (m *mockOrchestrator) Retrieve(_ context.Context, id string) (*model.Run, error) {
	if m.retrieveErr != nil {
		return nil, m.retrieveErr
	}
	run, ok := m.runs[id]
	if !ok {
		return nil, apperror.NotFound("run", id)
	}
	return run, nil
}

func newTestService(orch *mockOrchestrator) *ExecutionService {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewExecutionService(orch, logger)
}

// =========================================================================
// SUBMIT
// =========================================================================

func TestSubmit(t *testing.T) {
	orch := &mockOrchestrator{}
	svc := newTestService(orch)

	req := executor.ExecutionRequest{Code: "print(1)", Language: "python", Timeout: 1000}
	id, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if id != "run_1" {
		t.Errorf("Submit() id = %q, want %q", id, "run_1")
	}
	if len(orch.submitted) != 1 || orch.submitted[0].Code != "print(1)" {
		t.Errorf("orchestrator received %+v", orch.submitted)
	}
}

func TestSubmit_WrapsOrchestratorFailure(t *testing.T) {
	cause := errors.New("connection refused")
	svc := newTestService(&mockOrchestrator{submitErr: cause})

	id, err := svc.Submit(context.Background(), executor.ExecutionRequest{Code: "x", Language: "bash"})

	if id != "" {
		t.Errorf("Submit() id = %q, want empty", id)
	}
	if !errors.Is(err, apperror.ErrSubmission) {
		t.Errorf("Submit() error = %v, want ErrSubmission", err)
	}
	if !errors.Is(err, cause) {
		t.Error("Submit() error should carry the underlying cause")
	}
	if err.Error() != "failed to submit execution: connection refused" {
		t.Errorf("Submit() message = %q", err.Error())
	}
}

// =========================================================================
// STATUS
// =========================================================================

func TestStatus(t *testing.T) {
	out := &executor.ExecutionResult{Status: executor.StatusCompleted, ExitCode: executor.Ptr(0)}
	orch := &mockOrchestrator{runs: map[string]*model.Run{
		"run_done":    {ID: "run_done", Status: model.RunCompleted, Output: out},
		"run_pending": {ID: "run_pending", Status: model.RunQueued},
		"run_crashed": {ID: "run_crashed", Status: model.RunCrashed, Error: "worker panicked"},
	}}
	svc := newTestService(orch)

	tests := []struct {
		id         string
		wantStatus executor.Status
		wantOutput bool
	}{
		{id: "run_done", wantStatus: executor.StatusCompleted, wantOutput: true},
		{id: "run_pending", wantStatus: executor.StatusRunning, wantOutput: false},
		{id: "run_crashed", wantStatus: executor.StatusError, wantOutput: false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			view, err := svc.Status(context.Background(), tt.id)
			if err != nil {
				t.Fatalf("Status() error = %v", err)
			}
			if view.ExecutionID != tt.id {
				t.Errorf("ExecutionID = %q", view.ExecutionID)
			}
			if view.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", view.Status, tt.wantStatus)
			}
			if (view.Output != nil) != tt.wantOutput {
				t.Errorf("Output = %+v, want present=%v", view.Output, tt.wantOutput)
			}
		})
	}
}

func TestStatus_NotFound(t *testing.T) {
	svc := newTestService(&mockOrchestrator{})

	_, err := svc.Status(context.Background(), "run_missing")
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("Status() error = %v, want ErrNotFound", err)
	}
}

func TestStatus_StoreFailure(t *testing.T) {
	svc := newTestService(&mockOrchestrator{retrieveErr: errors.New("redis: i/o timeout")})

	_, err := svc.Status(context.Background(), "run_1")
	if !errors.Is(err, apperror.ErrTransport) {
		t.Errorf("Status() error = %v, want ErrTransport", err)
	}
}
