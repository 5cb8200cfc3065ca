// Package sandbox defines the capability the execution adapter needs from an
// isolated runtime. The docker subpackage provides the production implementation.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/sakif/coderunner/internal/apperror"
)

// DefaultTemplate selects the runtime's default image.
const DefaultTemplate = "base"

// Runtime creates sandboxes.
type Runtime interface {
	Create(ctx context.Context, template string) (Sandbox, error)
}

// Sandbox is one isolated, ephemeral environment. It is never shared between requests.
type Sandbox interface {
	ID() string
	WriteFile(ctx context.Context, path, content string) error
	// Run executes a shell command. A non-zero exit is reported as *CommandExitError.
	Run(ctx context.Context, cmd string, opts RunOptions) (*CommandResult, error)
	// Close tears the sandbox down. Calling it more than once is safe.
	Close(ctx context.Context) error
}

type RunOptions struct {
	Timeout time.Duration
}

type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Error    string
}

// CommandExitError is returned by Run when the command exits with a non-zero code.
// It still carries everything the command printed.
type CommandExitError struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      string
}

func (e *CommandExitError) Error() string {
	if e.Err != "" {
		return e.Err
	}
	return fmt.Sprintf("command exited with code %d", e.ExitCode)
}

// Is makes errors.Is(err, apperror.ErrSandbox) match.
func (e *CommandExitError) Is(target error) bool {
	return target == apperror.ErrSandbox
}
