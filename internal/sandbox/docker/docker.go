// Package docker implements sandbox.Runtime on top of the Docker Engine API.
// Every sandbox is a locked-down container; commands run through `docker exec`.
package docker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/sandbox"
)

// Runtime implements sandbox.Runtime using Docker.
type Runtime struct {
	cli    client.APIClient
	config Config
	logger *slog.Logger
	pool   *Pool
}

var _ sandbox.Runtime = (*Runtime)(nil)

// New creates a Docker runtime, pulls the default image and starts the pool.
func New(cfg Config, logger *slog.Logger) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apperror.TransportFailed("creating docker client", err)
	}

	if cfg.PullImage {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		logger.Info("ensuring docker image is available", slog.String("image", cfg.Image))
		reader, err := cli.ImagePull(ctx, cfg.Image, image.PullOptions{})
		if err != nil {
			cli.Close()
			return nil, apperror.TransportFailed("pulling image", err)
		}
		// Block until the pull is complete.
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
		logger.Info("docker image is ready")
	}

	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = sandbox.DefaultMaxOutputBytes
	}

	rt := &Runtime{
		cli:    cli,
		config: cfg,
		logger: logger,
	}
	rt.pool = NewPool(cli, cfg, logger)
	rt.pool.Start()

	return rt, nil
}

// Close shuts down the pool and the docker client.
func (r *Runtime) Close() error {
	r.pool.Stop()
	return r.cli.Close()
}

// Ping reports whether the Docker daemon is reachable.
func (r *Runtime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return apperror.TransportFailed("pinging docker", err)
	}
	return nil
}

// Create hands out one container for the template.
func (r *Runtime) Create(ctx context.Context, template string) (sandbox.Sandbox, error) {
	id, err := r.pool.Acquire(ctx, r.config.image(template))
	if err != nil {
		return nil, apperror.TransportFailed("creating sandbox", err)
	}
	r.logger.Debug("sandbox acquired", slog.String("id", shortID(id)), slog.String("template", template))
	return &Sandbox{rt: r, id: id}, nil
}

// Sandbox is one container handed out by the runtime.
type Sandbox struct {
	rt        *Runtime
	id        string
	closeOnce sync.Once
	closeErr  error
}

var _ sandbox.Sandbox = (*Sandbox)(nil)

func (s *Sandbox) ID() string { return shortID(s.id) }

// WriteFile writes content to p, creating parent directories. Relative paths
// are resolved against the work dir. The content travels base64 encoded on stdin.
func (s *Sandbox) WriteFile(ctx context.Context, p, content string) error {
	if !path.IsAbs(p) {
		p = path.Join(s.rt.config.WorkDir, p)
	}
	p = path.Clean(p)

	cmd := []string{"sh", "-c", `mkdir -p "$(dirname "$1")" && base64 -d > "$1"`, "sh", p}
	encoded := base64.StdEncoding.EncodeToString([]byte(content))

	exitCode, _, stderr, err := s.exec(ctx, cmd, strings.NewReader(encoded))
	if err != nil {
		return apperror.TransportFailed("writing "+p, err)
	}
	if exitCode != 0 {
		return apperror.TransportFailed("writing "+p, fmt.Errorf("exit code %d: %s", exitCode, strings.TrimSpace(stderr)))
	}
	return nil
}

// Run executes cmd with `sh -c`. A non-zero exit is returned as *sandbox.CommandExitError.
func (s *Sandbox) Run(ctx context.Context, cmd string, opts sandbox.RunOptions) (*sandbox.CommandResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	exitCode, stdout, stderr, err := s.exec(ctx, []string{"sh", "-c", cmd}, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperror.Timeout(fmt.Sprintf("command exceeded %s", opts.Timeout))
		}
		return nil, apperror.TransportFailed("running command", err)
	}

	if exitCode != 0 {
		return nil, &sandbox.CommandExitError{
			ExitCode: exitCode,
			Stdout:   stdout,
			Stderr:   stderr,
		}
	}
	return &sandbox.CommandResult{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
	}, nil
}

// Close force removes the container. Only the first call does any work.
func (s *Sandbox) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		err := s.rt.cli.ContainerRemove(ctx, s.id, container.RemoveOptions{Force: true})
		if err != nil {
			s.closeErr = apperror.TransportFailed("removing sandbox", err)
		}
	})
	return s.closeErr
}

// exec runs one process in the container and waits for it, or for ctx.
func (s *Sandbox) exec(ctx context.Context, cmd []string, stdin io.Reader) (int, string, string, error) {
	execResp, err := s.rt.cli.ContainerExecCreate(ctx, s.id, container.ExecOptions{
		AttachStdin:  stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   s.rt.config.WorkDir,
		Cmd:          cmd,
	})
	if err != nil {
		return 0, "", "", fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := s.rt.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return 0, "", "", fmt.Errorf("failed to attach to exec: %w", err)
	}
	defer attachResp.Close()

	if stdin != nil {
		if _, err := io.Copy(attachResp.Conn, stdin); err != nil {
			return 0, "", "", fmt.Errorf("failed to write stdin: %w", err)
		}
		if err := attachResp.CloseWrite(); err != nil {
			return 0, "", "", fmt.Errorf("failed to close stdin: %w", err)
		}
	}

	stdout := &sandbox.LimitedBuffer{Limit: s.rt.config.MaxOutputBytes}
	stderr := &sandbox.LimitedBuffer{Limit: s.rt.config.MaxOutputBytes}
	done := make(chan error, 1)
	go func() {
		// stdcopy demultiplexes the attached stream into stdout and stderr.
		_, err := stdcopy.StdCopy(stdout, stderr, attachResp.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return 0, "", "", fmt.Errorf("failed to read output: %w", err)
		}
	case <-ctx.Done():
		// Closing the hijacked connection unblocks StdCopy; the deferred Close
		// handles that. The container itself goes away on teardown.
		return 0, "", "", ctx.Err()
	}

	inspectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	inspect, err := s.rt.cli.ContainerExecInspect(inspectCtx, execResp.ID)
	if err != nil {
		return 0, "", "", fmt.Errorf("failed to inspect exec: %w", err)
	}

	return inspect.ExitCode, stdout.String(), stderr.String(), nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
