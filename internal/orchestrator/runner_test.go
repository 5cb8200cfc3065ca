package orchestrator_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/model"
	"github.com/sakif/coderunner/internal/orchestrator"
	"github.com/sakif/coderunner/internal/repository/memory"
)

type fakeExecutor struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req executor.ExecutionRequest) *executor.ExecutionResult
}

func (f *fakeExecutor) Execute(ctx context.Context, req executor.ExecutionRequest) *executor.ExecutionResult {
	f.calls.Add(1)
	return f.fn(ctx, req)
}

func echoExecutor() *fakeExecutor {
	return &fakeExecutor{fn: func(_ context.Context, req executor.ExecutionRequest) *executor.ExecutionResult {
		return &executor.ExecutionResult{
			ExecutionID: "exec_1",
			Status:      executor.StatusCompleted,
			ExitCode:    executor.Ptr(0),
			Stdout:      executor.Ptr(req.Code + "\n"),
			Stderr:      executor.Ptr(""),
		}
	}}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startRunner(t *testing.T, exec executor.Executor, cfg orchestrator.Config) (*orchestrator.Runner, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	r := orchestrator.NewRunner(store, memory.NewQueue(16), exec, cfg, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	t.Cleanup(func() {
		cancel()
		r.Wait()
	})
	return r, store
}

func waitFinal(t *testing.T, r *orchestrator.Runner, id string) *model.Run {
	t.Helper()
	var run *model.Run
	require.Eventually(t, func() bool {
		got, err := r.Retrieve(context.Background(), id)
		if err != nil {
			return false
		}
		run = got
		return got.Status.IsFinal()
	}, 2*time.Second, 5*time.Millisecond)
	return run
}

func TestRunner_SubmitQueuesRun(t *testing.T) {
	store := memory.NewStore()
	queue := memory.NewQueue(4)
	r := orchestrator.NewRunner(store, queue, echoExecutor(), orchestrator.Config{}, testLogger())

	id, err := r.Submit(context.Background(), executor.ExecutionRequest{Code: "print(1)", Language: "python"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "run_"))

	run, err := r.Retrieve(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.RunQueued, run.Status)
	assert.Nil(t, run.Output)
	assert.Equal(t, 1, queue.Len())
}

func TestRunner_ExecutesOnce(t *testing.T) {
	exec := echoExecutor()
	r, _ := startRunner(t, exec, orchestrator.Config{Workers: 2})

	id, err := r.Submit(context.Background(), executor.ExecutionRequest{Code: "hello", Language: "bash"})
	require.NoError(t, err)

	run := waitFinal(t, r, id)
	assert.Equal(t, model.RunCompleted, run.Status)
	require.NotNil(t, run.Output)
	assert.Equal(t, "hello\n", *run.Output.Stdout)
	assert.Equal(t, int32(1), exec.calls.Load())
}

func TestRunner_ManyRunsInParallel(t *testing.T) {
	exec := echoExecutor()
	r, _ := startRunner(t, exec, orchestrator.Config{Workers: 4})

	ids := make([]string, 10)
	for i := range ids {
		id, err := r.Submit(context.Background(), executor.ExecutionRequest{Code: "x", Language: "bash"})
		require.NoError(t, err)
		ids[i] = id
	}
	for _, id := range ids {
		assert.Equal(t, model.RunCompleted, waitFinal(t, r, id).Status)
	}
	assert.Equal(t, int32(10), exec.calls.Load())
}

func TestRunner_ExecutionErrorStillCompletesRun(t *testing.T) {
	exec := &fakeExecutor{fn: func(context.Context, executor.ExecutionRequest) *executor.ExecutionResult {
		return &executor.ExecutionResult{Status: executor.StatusError, ExitCode: executor.Ptr(1), Error: "boom"}
	}}
	r, _ := startRunner(t, exec, orchestrator.Config{Workers: 1})

	id, err := r.Submit(context.Background(), executor.ExecutionRequest{Code: "x", Language: "bash"})
	require.NoError(t, err)

	run := waitFinal(t, r, id)
	assert.Equal(t, model.RunCompleted, run.Status)
	assert.Equal(t, executor.StatusError, run.Output.Status)
}

func TestRunner_PanicMarksRunCrashed(t *testing.T) {
	exec := &fakeExecutor{fn: func(context.Context, executor.ExecutionRequest) *executor.ExecutionResult {
		panic("sandbox driver exploded")
	}}
	r, _ := startRunner(t, exec, orchestrator.Config{Workers: 1})

	id, err := r.Submit(context.Background(), executor.ExecutionRequest{Code: "x", Language: "bash"})
	require.NoError(t, err)

	run := waitFinal(t, r, id)
	assert.Equal(t, model.RunCrashed, run.Status)
	assert.Nil(t, run.Output)
	assert.Contains(t, run.Error, "sandbox driver exploded")
	assert.Equal(t, executor.StatusError, run.Status.Coarse())

	// The worker survives the panic.
	id, err = r.Submit(context.Background(), executor.ExecutionRequest{Code: "y", Language: "bash"})
	require.NoError(t, err)
	assert.Equal(t, model.RunCrashed, waitFinal(t, r, id).Status)
	assert.Equal(t, int32(2), exec.calls.Load())
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, string) error {
	return apperror.TransportFailed("enqueueing run", errors.New("redis down"))
}

func (failingQueue) Dequeue(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestRunner_EnqueueFailure(t *testing.T) {
	store := memory.NewStore()
	r := orchestrator.NewRunner(store, failingQueue{}, echoExecutor(), orchestrator.Config{}, testLogger())

	id, err := r.Submit(context.Background(), executor.ExecutionRequest{Code: "x", Language: "bash"})

	assert.Empty(t, id)
	assert.ErrorIs(t, err, apperror.ErrTransport)
	assert.Contains(t, err.Error(), "redis down")
}

func TestRunner_RetrieveUnknown(t *testing.T) {
	r := orchestrator.NewRunner(memory.NewStore(), memory.NewQueue(1), echoExecutor(), orchestrator.Config{}, testLogger())

	_, err := r.Retrieve(context.Background(), "run_missing")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestRunner_ShutdownCancelsExecution(t *testing.T) {
	started := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, _ executor.ExecutionRequest) *executor.ExecutionResult {
		close(started)
		<-ctx.Done()
		return &executor.ExecutionResult{Status: executor.StatusError, Error: ctx.Err().Error()}
	}}
	store := memory.NewStore()
	r := orchestrator.NewRunner(store, memory.NewQueue(4), exec, orchestrator.Config{Workers: 1}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	id, err := r.Submit(context.Background(), executor.ExecutionRequest{Code: "sleep 100", Language: "bash"})
	require.NoError(t, err)

	<-started
	cancel()
	r.Wait()

	run, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.RunCanceled, run.Status)
	assert.NotNil(t, run.Output)
}

func TestRunner_JanitorPrunesFinishedRuns(t *testing.T) {
	r, store := startRunner(t, echoExecutor(), orchestrator.Config{
		Workers:       1,
		Retention:     time.Nanosecond,
		PruneInterval: 10 * time.Millisecond,
	})

	id, err := r.Submit(context.Background(), executor.ExecutionRequest{Code: "x", Language: "bash"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := store.GetByID(context.Background(), id)
		return errors.Is(err, apperror.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}
