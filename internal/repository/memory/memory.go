// Package memory keeps runs and the job queue in process memory.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/model"
	"github.com/sakif/coderunner/internal/repository"
)

var errQueueFull = errors.New("queue is full")

var (
	_ repository.RunRepository = (*Store)(nil)
	_ repository.Pruner        = (*Store)(nil)
	_ repository.RunQueue      = (*Queue)(nil)
)

// Store is a map of runs guarded by a mutex. Runs are copied in and out.
type Store struct {
	mu   sync.RWMutex
	runs map[string]*model.Run
	now  func() time.Time
}

func NewStore() *Store {
	return &Store{
		runs: make(map[string]*model.Run),
		now:  time.Now,
	}
}

func (s *Store) Create(_ context.Context, run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("memory: run %s already exists", run.ID)
	}
	now := s.now()
	run.CreatedAt = now
	run.UpdatedAt = now
	stored := *run
	s.runs[run.ID] = &stored
	return nil
}

func (s *Store) GetByID(_ context.Context, id string) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, apperror.NotFound("run", id)
	}
	out := *run
	return &out, nil
}

func (s *Store) UpdateStatus(_ context.Context, id string, status model.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return apperror.NotFound("run", id)
	}
	run.Status = status
	run.UpdatedAt = s.now()
	return nil
}

func (s *Store) Finish(_ context.Context, id string, status model.RunStatus, output *executor.ExecutionResult, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return apperror.NotFound("run", id)
	}
	run.Status = status
	run.Output = output
	run.Error = errMsg
	run.UpdatedAt = s.now()
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

// Prune drops finished runs last updated before olderThan.
func (s *Store) Prune(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, run := range s.runs {
		if run.Status.IsFinal() && run.UpdatedAt.Before(olderThan) {
			delete(s.runs, id)
			n++
		}
	}
	return n, nil
}

// Queue is a bounded channel of run ids.
type Queue struct {
	ids chan string
}

func NewQueue(size int) *Queue {
	return &Queue{ids: make(chan string, max(size, 1))}
}

// Enqueue fails fast when the queue is full instead of blocking the caller.
func (q *Queue) Enqueue(ctx context.Context, id string) error {
	select {
	case q.ids <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return apperror.TransportFailed("enqueueing run", errQueueFull)
	}
}

func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-q.ids:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Len reports the number of queued ids.
func (q *Queue) Len() int { return len(q.ids) }

