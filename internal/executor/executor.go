// Package executor turns an ExecutionRequest into exactly one ExecutionResult.
package executor

import (
	"context"
	"strings"

	"github.com/sakif/coderunner/internal/apperror"
)

// Status is the coarse outcome of an execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusTimeout   Status = "timeout"
)

// IsTerminal reports whether no further transitions follow s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusTimeout
}

// ProjectContext is the set of files written into the sandbox before the run.
type ProjectContext struct {
	Files            map[string]string `json:"files,omitempty"`
	WorkingDirectory string            `json:"workingDirectory,omitempty"`
}

// ExecutionRequest is a request to execute a snippet of code.
type ExecutionRequest struct {
	Code           string          `json:"code"`
	Language       string          `json:"language"`
	ProjectContext *ProjectContext `json:"projectContext,omitempty"`
	// Timeout in milliseconds. Zero means the configured default.
	Timeout int64 `json:"timeout,omitempty"`
}

// Validate reports every problem with the request at once.
func (r ExecutionRequest) Validate() error {
	var details []string
	if strings.TrimSpace(r.Code) == "" {
		details = append(details, "code: must not be empty")
	}
	if strings.TrimSpace(r.Language) == "" {
		details = append(details, "language: must not be empty")
	}
	if r.Timeout < 0 {
		details = append(details, "timeout: must be a positive number of milliseconds")
	}
	if r.ProjectContext != nil {
		for path := range r.ProjectContext.Files {
			if strings.TrimSpace(path) == "" {
				details = append(details, "projectContext.files: file path must not be empty")
				break
			}
		}
	}
	if len(details) > 0 {
		return apperror.InvalidRequest(details)
	}
	return nil
}

// ExecutionResult is the single, immutable outcome of one execution.
// Optional fields are pointers: an absent stdout differs from an empty one.
type ExecutionResult struct {
	ExecutionID string  `json:"executionId"`
	SandboxID   string  `json:"sandboxId"`
	CmdID       string  `json:"cmdId"`
	Status      Status  `json:"status"`
	ExitCode    *int    `json:"exitCode,omitempty"`
	Stdout      *string `json:"stdout,omitempty"`
	Stderr      *string `json:"stderr,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// Executor represents the core interface for running code in an isolated environment.
// Implementations never return a nil result; every failure is folded into it.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) *ExecutionResult
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
