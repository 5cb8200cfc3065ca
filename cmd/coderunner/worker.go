package main

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/orchestrator"
)

var workerCountFlag int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run execution workers without the HTTP API",
	Long: `Run workers that take jobs from the shared redis queue, execute them in
Docker sandboxes and record the results. Pair with "coderunner serve --workers 0".

Examples:
  CODERUNNER_STORE_BACKEND=redis REDIS_URL=redis://localhost:6379/0 coderunner worker
  coderunner worker --count 8`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().IntVar(&workerCountFlag, "count", 0, "Number of workers (overrides config)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store.Backend != "redis" {
		return errors.New("worker needs the redis store (set REDIS_URL or store.backend=redis)")
	}
	count := cfg.Worker.Count
	if workerCountFlag > 0 {
		count = workerCountFlag
	}
	if count == 0 {
		return errors.New("worker.count must be positive")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeQuietly(logger, "run store", st.close)

	runtime, dockerRT := openRuntime(cfg, logger)
	if dockerRT != nil {
		defer closeQuietly(logger, "docker runtime", dockerRT.Close)
	}

	adapter := executor.NewAdapter(runtime, adapterConfig(cfg), logger)
	runner := orchestrator.NewRunner(st.runs, st.queue, adapter, runnerConfig(cfg, count), logger)
	runner.Start(ctx)

	logger.Info("workers running, press Ctrl+C to stop", slog.Int("workers", count))
	<-ctx.Done()

	logger.Info("stopping workers")
	runner.Wait()
	return nil
}
