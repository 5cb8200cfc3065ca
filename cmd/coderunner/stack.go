package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sakif/coderunner/internal/config"
	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/handler"
	"github.com/sakif/coderunner/internal/orchestrator"
	"github.com/sakif/coderunner/internal/repository"
	"github.com/sakif/coderunner/internal/repository/memory"
	"github.com/sakif/coderunner/internal/repository/redis"
	"github.com/sakif/coderunner/internal/repository/sqlite"
	"github.com/sakif/coderunner/internal/sandbox"
	"github.com/sakif/coderunner/internal/sandbox/docker"
)

// runStore is the run repository and queue selected by store.backend.
type runStore struct {
	runs  repository.RunRepository
	queue repository.RunQueue
	close func() error
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runStore, error) {
	switch cfg.Store.Backend {
	case "redis":
		st, err := redis.New(ctx, cfg.Store.RedisURL, redis.Options{
			Prefix:    cfg.Store.Prefix,
			Retention: cfg.Store.Retention,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("using redis run store", slog.String("prefix", cfg.Store.Prefix))
		return &runStore{runs: st, queue: st, close: st.Close}, nil

	case "sqlite":
		// The data directory is created on first start, like `mkdir -p`.
		if dir := filepath.Dir(cfg.Store.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
			}
		}
		db, err := sqlite.New(cfg.Store.DBPath)
		if err != nil {
			return nil, err
		}
		logger.Info("using sqlite run store", slog.String("path", cfg.Store.DBPath))
		return &runStore{runs: db, queue: memory.NewQueue(cfg.Worker.QueueSize), close: db.Close}, nil

	case "memory":
		logger.Info("using in-memory run store")
		return &runStore{
			runs:  memory.NewStore(),
			queue: memory.NewQueue(cfg.Worker.QueueSize),
			close: func() error { return nil },
		}, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func dockerConfig(cfg *config.Config) docker.Config {
	dc := docker.DefaultConfig()
	dc.Image = cfg.Sandbox.Image
	dc.MemoryLimit = cfg.Sandbox.MemoryMB * 1024 * 1024
	dc.CPULimit = cfg.Sandbox.CPUs
	dc.PoolSize = cfg.Sandbox.PoolSize
	dc.NetworkMode = cfg.Sandbox.NetworkMode
	dc.PullImage = cfg.Sandbox.PullImage
	dc.MaxOutputBytes = cfg.Sandbox.MaxOutputBytes
	if cfg.Sandbox.Template != "" && cfg.Sandbox.Template != sandbox.DefaultTemplate {
		dc.Templates = map[string]string{cfg.Sandbox.Template: cfg.Sandbox.Image}
	}
	return dc
}

func adapterConfig(cfg *config.Config) executor.AdapterConfig {
	return executor.AdapterConfig{
		DefaultTimeout: cfg.Execution.DefaultTimeoutDuration(),
		MaxTimeout:     cfg.Execution.MaxTimeoutDuration(),
		Template:       cfg.Sandbox.Template,
	}
}

func runnerConfig(cfg *config.Config, workers int) orchestrator.Config {
	return orchestrator.Config{
		Workers:       workers,
		Retention:     cfg.Store.Retention,
		PruneInterval: time.Minute,
	}
}

// openRuntime connects to Docker. The runtime is optional: without it the
// process still starts and every run finishes with a "runtime is not
// configured" error result.
func openRuntime(cfg *config.Config, logger *slog.Logger) (sandbox.Runtime, *docker.Runtime) {
	rt, err := docker.New(dockerConfig(cfg), logger)
	if err != nil {
		logger.Warn("docker runtime unavailable, executions will fail",
			slog.String("error", err.Error()),
		)
		return nil, nil
	}
	return rt, rt
}

// healthChecks are the dependencies behind /health/ready and /health/detailed.
func healthChecks(st *runStore, rt *docker.Runtime) map[string]handler.Checker {
	checks := map[string]handler.Checker{"store": st.runs}
	if rt != nil {
		checks["docker"] = rt
	}
	return checks
}

func closeQuietly(logger *slog.Logger, what string, fn func() error) {
	if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("failed to close "+what, slog.String("error", err.Error()))
	}
}
