// Package model defines the data structures shared by the orchestrator, its
// stores and the stream bridge.
package model

import (
	"time"

	"github.com/sakif/coderunner/internal/executor"
)

// RunStatus is the orchestrator's internal status of a job.
type RunStatus string

const (
	RunQueued        RunStatus = "QUEUED"
	RunExecuting     RunStatus = "EXECUTING"
	RunCompleted     RunStatus = "COMPLETED"
	RunFailed        RunStatus = "FAILED"
	RunCrashed       RunStatus = "CRASHED"
	RunSystemFailure RunStatus = "SYSTEM_FAILURE"
	RunTimedOut      RunStatus = "TIMED_OUT"
	RunCanceled      RunStatus = "CANCELED"
)

// Coarse maps the raw status to running, completed or error.
// A completed run may still carry an output whose own status is error or timeout.
func (s RunStatus) Coarse() executor.Status {
	switch s {
	case RunCompleted:
		return executor.StatusCompleted
	case RunFailed, RunCrashed, RunSystemFailure, RunTimedOut, RunCanceled:
		return executor.StatusError
	default:
		return executor.StatusRunning
	}
}

// IsFinal reports whether the orchestrator will never touch the run again.
func (s RunStatus) IsFinal() bool {
	return s.Coarse() != executor.StatusRunning
}

// Run is one submitted job. The output stays nil until the worker finishes.
type Run struct {
	ID        string                    `json:"id"`
	Status    RunStatus                 `json:"status"`
	Payload   executor.ExecutionRequest `json:"payload"`
	Output    *executor.ExecutionResult `json:"output,omitempty"`
	Error     string                    `json:"error,omitempty"`
	CreatedAt time.Time                 `json:"createdAt"`
	UpdatedAt time.Time                 `json:"updatedAt"`
}
