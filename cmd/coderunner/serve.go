package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/handler"
	"github.com/sakif/coderunner/internal/orchestrator"
	"github.com/sakif/coderunner/internal/sandbox"
	"github.com/sakif/coderunner/internal/sandbox/docker"
	"github.com/sakif/coderunner/internal/server"
	"github.com/sakif/coderunner/internal/service"
	"github.com/sakif/coderunner/internal/stream"
)

var (
	portFlag    int
	workersFlag int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API with in-process workers.

With the redis store, --workers 0 runs the API alone and leaves execution to
separate "coderunner worker" processes.

Examples:
  coderunner serve
  coderunner serve --port 8080 --workers 8`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().IntVar(&workersFlag, "workers", -1, "Number of in-process workers (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if portFlag > 0 {
		cfg.Server.Port = portFlag
	}
	workers := cfg.Worker.Count
	if workersFlag >= 0 {
		workers = workersFlag
	}
	if workers == 0 && cfg.Store.Backend != "redis" {
		return fmt.Errorf("--workers 0 needs the redis store: nothing else would run %s-backed jobs", cfg.Store.Backend)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening run store: %w", err)
	}
	defer closeQuietly(logger, "run store", st.close)

	var (
		runtime  sandbox.Runtime
		dockerRT *docker.Runtime
	)
	if workers > 0 {
		runtime, dockerRT = openRuntime(cfg, logger)
		if dockerRT != nil {
			defer closeQuietly(logger, "docker runtime", dockerRT.Close)
		}
	}

	adapter := executor.NewAdapter(runtime, adapterConfig(cfg), logger)
	runner := orchestrator.NewRunner(st.runs, st.queue, adapter, runnerConfig(cfg, workers), logger)
	runner.Start(ctx)
	defer runner.Wait()

	bridge := stream.NewBridge(runner, stream.Config{
		PollInterval:      cfg.Execution.PollIntervalDuration(),
		KeepAliveInterval: cfg.Execution.KeepAliveDuration(),
		MaxPolls:          cfg.Execution.MaxPolls,
		FetchTimeout:      cfg.Execution.FetchTimeoutDuration(),
	}, logger)

	srv := server.New(server.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		APIPrefix:   cfg.Server.APIPrefix,
		CORSEnabled: cfg.CORS.Enabled,
		CORSOrigin:  cfg.CORS.Origin,
		Env:         cfg.Env,
		Development: cfg.IsDevelopment(),
		Build:       handler.BuildInfo{Version: version, Commit: commit, BuildDate: buildDate},
	}, server.Deps{
		Service:  service.NewExecutionService(runner, logger),
		Streamer: bridge,
		Checks:   healthChecks(st, dockerRT),
	}, logger)

	logger.Info("coderunner starting",
		slog.String("version", version),
		slog.String("store", cfg.Store.Backend),
		slog.Int("workers", workers),
	)

	// Start blocks until SIGINT/SIGTERM; the deferred Wait then lets running
	// jobs record their outcome.
	err = srv.Start(ctx)
	stop()
	return err
}
