package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/sandbox"
)

const (
	DefaultTimeout = 30 * time.Second
	MaxTimeout     = 5 * time.Minute

	teardownTimeout = 10 * time.Second
)

// ErrNoRuntime is reported when the process has no sandbox runtime configured.
var ErrNoRuntime = errors.New("sandbox runtime is not configured")

// AdapterConfig bounds every execution.
type AdapterConfig struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	Template       string
}

// DefaultAdapterConfig mirrors the API defaults: 30s per run, never more than 5 minutes.
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		DefaultTimeout: DefaultTimeout,
		MaxTimeout:     MaxTimeout,
		Template:       sandbox.DefaultTemplate,
	}
}

// Adapter runs one request in one sandbox and folds every outcome into an ExecutionResult.
type Adapter struct {
	runtime sandbox.Runtime
	config  AdapterConfig
	logger  *slog.Logger
}

var _ Executor = (*Adapter)(nil)

func NewAdapter(runtime sandbox.Runtime, cfg AdapterConfig, logger *slog.Logger) *Adapter {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = MaxTimeout
	}
	if cfg.Template == "" {
		cfg.Template = sandbox.DefaultTemplate
	}
	return &Adapter{
		runtime: runtime,
		config:  cfg,
		logger:  logger,
	}
}

// EffectiveTimeout clamps the requested timeout (milliseconds) to the configured maximum.
func (a *Adapter) EffectiveTimeout(requestedMS int64) time.Duration {
	if requestedMS <= 0 {
		return min(a.config.DefaultTimeout, a.config.MaxTimeout)
	}
	// Compared in milliseconds first: converting a huge request to a Duration overflows.
	if requestedMS >= a.config.MaxTimeout.Milliseconds() {
		return a.config.MaxTimeout
	}
	return time.Duration(requestedMS) * time.Millisecond
}

// Execute never returns nil and never panics outward. Exactly one attempt is made.
func (a *Adapter) Execute(ctx context.Context, req ExecutionRequest) (result *ExecutionResult) {
	result = &ExecutionResult{
		ExecutionID: "exec_" + xid.New().String(),
		CmdID:       "cmd_" + xid.New().String(),
		Status:      StatusRunning,
	}
	timeout := a.EffectiveTimeout(req.Timeout)

	logger := a.logger.With(
		slog.String("executionId", result.ExecutionID),
		slog.String("language", req.Language),
	)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("execution panicked", slog.Any("panic", r))
			failWith(result, fmt.Errorf("execution panicked: %v", r))
		}
	}()

	if a.runtime == nil {
		failWith(result, ErrNoRuntime)
		return result
	}

	sb, err := a.runtime.Create(ctx, a.config.Template)
	if err != nil {
		logger.Error("failed to create sandbox", slog.String("error", err.Error()))
		failWith(result, err)
		return result
	}
	result.SandboxID = sb.ID()

	// Teardown always runs and never overrides the result.
	defer func() {
		teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		if err := sb.Close(teardownCtx); err != nil {
			logger.Warn("failed to close sandbox",
				slog.String("sandboxId", sb.ID()),
				slog.String("error", err.Error()),
			)
		}
	}()

	if req.ProjectContext != nil {
		for p, content := range req.ProjectContext.Files {
			if err := sb.WriteFile(ctx, p, content); err != nil {
				logger.Error("failed to write project file",
					slog.String("path", p),
					slog.String("error", err.Error()),
				)
				failWith(result, fmt.Errorf("writing %s: %w", p, err))
				return result
			}
		}
	}

	cmd := Pack(req.Code, req.Language)
	if req.ProjectContext != nil && req.ProjectContext.WorkingDirectory != "" {
		cmd = "cd " + shellQuote(path.Clean(req.ProjectContext.WorkingDirectory)) + " && " + cmd
	}

	logger.Info("running command",
		slog.String("sandboxId", result.SandboxID),
		slog.Duration("timeout", timeout),
	)

	out := a.race(ctx, sb, cmd, timeout)
	switch {
	case out.timedOut:
		result.Status = StatusTimeout
		result.Error = fmt.Sprintf("execution timed out after %dms", timeout.Milliseconds())
	case out.err != nil:
		var exitErr *sandbox.CommandExitError
		if errors.As(out.err, &exitErr) {
			applyCommandResult(result, &sandbox.CommandResult{
				ExitCode: exitErr.ExitCode,
				Stdout:   exitErr.Stdout,
				Stderr:   exitErr.Stderr,
				Error:    exitErr.Err,
			})
		} else {
			failWith(result, out.err)
		}
	default:
		applyCommandResult(result, out.res)
	}

	logger.Info("execution finished", slog.String("status", string(result.Status)))
	return result
}

type runOutcome struct {
	res      *sandbox.CommandResult
	err      error
	timedOut bool
}

// race runs cmd and an independent timer of the same duration. Whichever settles
// first wins; the loser's context is cancelled.
func (a *Adapter) race(ctx context.Context, sb sandbox.Sandbox, cmd string, timeout time.Duration) runOutcome {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan runOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runOutcome{err: fmt.Errorf("sandbox run panicked: %v", r)}
			}
		}()
		res, err := sb.Run(runCtx, cmd, sandbox.RunOptions{Timeout: timeout})
		done <- runOutcome{res: res, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() == nil &&
			(errors.Is(out.err, context.DeadlineExceeded) || errors.Is(out.err, apperror.ErrTimeout)) {
			return runOutcome{timedOut: true}
		}
		if out.err == nil && out.res == nil {
			return runOutcome{err: errors.New("sandbox returned no result")}
		}
		return out
	case <-timer.C:
		return runOutcome{timedOut: true}
	case <-ctx.Done():
		return runOutcome{err: ctx.Err()}
	}
}

func applyCommandResult(result *ExecutionResult, res *sandbox.CommandResult) {
	result.ExitCode = Ptr(res.ExitCode)
	result.Stdout = Ptr(res.Stdout)
	result.Stderr = Ptr(res.Stderr)

	if res.ExitCode == 0 {
		result.Status = StatusCompleted
		return
	}

	result.Status = StatusError
	switch {
	case res.Error != "":
		result.Error = res.Error
	case res.Stderr != "":
		result.Error = res.Stderr
	default:
		result.Error = fmt.Sprintf("command exited with code %d", res.ExitCode)
	}
}

// failWith records an error unrelated to the executed code. Exit fields stay unset.
func failWith(result *ExecutionResult, err error) {
	result.Status = StatusError
	result.ExitCode = nil
	result.Stdout = nil
	result.Error = err.Error()
	result.Stderr = Ptr("Execution failed: " + err.Error())
}
