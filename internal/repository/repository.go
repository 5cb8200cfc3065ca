// Package repository declares the storage contracts of the orchestrator.
// Implementations live in the memory, sqlite and redis subpackages.
package repository

import (
	"context"
	"time"

	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/model"
)

// RunRepository stores runs. GetByID returns an apperror.ErrNotFound error for
// unknown ids.
type RunRepository interface {
	Create(ctx context.Context, run *model.Run) error
	GetByID(ctx context.Context, id string) (*model.Run, error)
	UpdateStatus(ctx context.Context, id string, status model.RunStatus) error
	Finish(ctx context.Context, id string, status model.RunStatus, output *executor.ExecutionResult, errMsg string) error
	Ping(ctx context.Context) error
}

// RunQueue hands run ids to workers. Dequeue blocks until an id is available
// or ctx is done.
type RunQueue interface {
	Enqueue(ctx context.Context, id string) error
	Dequeue(ctx context.Context) (string, error)
}

// Pruner is implemented by stores that need explicit retention sweeps.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}
