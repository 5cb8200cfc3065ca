// Package orchestrator accepts jobs, runs them asynchronously on a worker
// pool and exposes poll-based status retrieval.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/metrics"
	"github.com/sakif/coderunner/internal/model"
	"github.com/sakif/coderunner/internal/repository"
)

// Orchestrator is what the submission facade and the stream bridge need.
type Orchestrator interface {
	Submit(ctx context.Context, req executor.ExecutionRequest) (string, error)
	Retrieve(ctx context.Context, id string) (*model.Run, error)
}

// Config sizes the worker pool.
type Config struct {
	// Workers is the number of concurrent executions. Zero disables workers
	// (submit-only API process).
	Workers int
	// Retention is how long finished runs are kept. Stores that expire keys
	// themselves ignore it.
	Retention time.Duration
	// PruneInterval is the cadence of retention sweeps.
	PruneInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:       4,
		Retention:     time.Hour,
		PruneInterval: time.Minute,
	}
}

// Runner implements Orchestrator on top of a run repository, a queue and an executor.
type Runner struct {
	runs   repository.RunRepository
	queue  repository.RunQueue
	exec   executor.Executor
	config Config
	logger *slog.Logger

	wg sync.WaitGroup
}

var _ Orchestrator = (*Runner)(nil)

func NewRunner(runs repository.RunRepository, queue repository.RunQueue, exec executor.Executor, cfg Config, logger *slog.Logger) *Runner {
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Minute
	}
	return &Runner{
		runs:   runs,
		queue:  queue,
		exec:   exec,
		config: cfg,
		logger: logger,
	}
}

// Submit records the run and queues it. It returns as soon as the job is accepted.
func (r *Runner) Submit(ctx context.Context, req executor.ExecutionRequest) (string, error) {
	run := &model.Run{
		ID:      "run_" + xid.New().String(),
		Status:  model.RunQueued,
		Payload: req,
	}

	if err := r.runs.Create(ctx, run); err != nil {
		return "", fmt.Errorf("recording run: %w", err)
	}

	if err := r.queue.Enqueue(ctx, run.ID); err != nil {
		// Nothing will ever pick the run up; close it out so pollers terminate.
		if ferr := r.runs.Finish(context.WithoutCancel(ctx), run.ID, model.RunSystemFailure, nil, err.Error()); ferr != nil {
			r.logger.Error("failed to mark unqueued run",
				slog.String("runId", run.ID),
				slog.String("error", ferr.Error()),
			)
		}
		return "", fmt.Errorf("queueing run: %w", err)
	}

	r.logger.Debug("run queued", slog.String("runId", run.ID))
	return run.ID, nil
}

// Retrieve returns the current snapshot of a run.
func (r *Runner) Retrieve(ctx context.Context, id string) (*model.Run, error) {
	return r.runs.GetByID(ctx, id)
}

// Start launches the workers and the retention janitor. They stop when ctx is done;
// Wait blocks until they have.
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("starting workers", slog.Int("workers", r.config.Workers))

	for i := 0; i < r.config.Workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx, i)
	}

	if pruner, ok := r.runs.(repository.Pruner); ok && r.config.Retention > 0 {
		r.wg.Add(1)
		go r.janitor(ctx, pruner)
	}
}

// Wait blocks until every worker started by Start has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) worker(ctx context.Context, n int) {
	defer r.wg.Done()
	logger := r.logger.With(slog.Int("worker", n))

	for {
		id, err := r.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to dequeue run", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second): // backoff on failure
			}
			continue
		}

		r.process(ctx, logger, id)
	}
}

// process executes one run. A single attempt is made; nothing is re-queued.
func (r *Runner) process(ctx context.Context, logger *slog.Logger, id string) {
	logger = logger.With(slog.String("runId", id))

	run, err := r.runs.GetByID(ctx, id)
	if err != nil {
		logger.Error("failed to load run", slog.String("error", err.Error()))
		return
	}
	if run.Status != model.RunQueued {
		logger.Warn("skipping run that is not queued", slog.String("status", string(run.Status)))
		return
	}

	if err := r.runs.UpdateStatus(ctx, id, model.RunExecuting); err != nil {
		logger.Error("failed to mark run executing", slog.String("error", err.Error()))
		return
	}

	metrics.QueueWait.Observe(time.Since(run.CreatedAt).Seconds())
	metrics.WorkersBusy.Inc()
	start := time.Now()

	status, output, errMsg := r.execute(ctx, run.Payload)

	metrics.WorkersBusy.Dec()
	metrics.ExecutionDuration.Observe(time.Since(start).Seconds())
	label := string(executor.StatusError)
	if output != nil {
		label = string(output.Status)
	}
	metrics.ExecutionsTotal.WithLabelValues(label).Inc()

	// The run must be closed out even when shutdown cancelled ctx.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.runs.Finish(finishCtx, id, status, output, errMsg); err != nil {
		logger.Error("failed to record run outcome", slog.String("error", err.Error()))
		return
	}

	logger.Info("run finished",
		slog.String("status", string(status)),
		slog.Duration("duration", time.Since(start)),
	)
}

// execute never panics. The executor reports its own failures in the result, so
// the run itself completes; only a worker crash or shutdown marks it otherwise.
func (r *Runner) execute(ctx context.Context, req executor.ExecutionRequest) (status model.RunStatus, output *executor.ExecutionResult, errMsg string) {
	defer func() {
		if p := recover(); p != nil {
			status, output, errMsg = model.RunCrashed, nil, fmt.Sprintf("worker panicked: %v", p)
		}
	}()

	output = r.exec.Execute(ctx, req)

	if ctx.Err() != nil {
		return model.RunCanceled, output, "execution canceled: " + ctx.Err().Error()
	}
	if output == nil {
		return model.RunSystemFailure, nil, "executor returned no result"
	}
	return model.RunCompleted, output, ""
}

func (r *Runner) janitor(ctx context.Context, pruner repository.Pruner) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := pruner.Prune(ctx, time.Now().Add(-r.config.Retention))
			if err != nil {
				r.logger.Warn("failed to prune runs", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				r.logger.Debug("pruned finished runs", slog.Int("count", n))
			}
		}
	}
}
