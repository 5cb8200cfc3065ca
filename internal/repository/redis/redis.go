// Package redis stores runs as JSON documents in Redis and queues run ids in
// a Redis list, so the API and the workers can live in separate processes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/model"
	"github.com/sakif/coderunner/internal/repository"
)

var (
	_ repository.RunRepository = (*Store)(nil)
	_ repository.RunQueue      = (*Store)(nil)
)

const (
	maxTxAttempts = 3
	popTimeout    = 2 * time.Second
)

// Options tune key names and retention.
type Options struct {
	// Prefix namespaces every key, e.g. "coderunner".
	Prefix string
	// Retention is the TTL of every run key.
	Retention time.Duration
}

// Store implements both the run repository and the run queue.
type Store struct {
	rdb  *redis.Client
	opts Options
}

// New connects to redisURL (redis://host:port/db) and verifies the connection.
func New(ctx context.Context, redisURL string, opts Options) (*Store, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: parsing url: %w", err)
	}

	rdb := redis.NewClient(ropts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, apperror.TransportFailed("connecting to redis", err)
	}

	return NewFromClient(rdb, opts), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(rdb *redis.Client, opts Options) *Store {
	if opts.Prefix == "" {
		opts.Prefix = "coderunner"
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	return &Store{rdb: rdb, opts: opts}
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

func (s *Store) runKey(id string) string { return s.opts.Prefix + ":run:" + id }
func (s *Store) queueKey() string        { return s.opts.Prefix + ":queue" }

// Create stores a new run. It fails if the id is already taken.
func (s *Store) Create(ctx context.Context, run *model.Run) error {
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("redis: encoding run: %w", err)
	}

	ok, err := s.rdb.SetNX(ctx, s.runKey(run.ID), data, s.opts.Retention).Result()
	if err != nil {
		return fmt.Errorf("redis: creating run %s: %w", run.ID, err)
	}
	if !ok {
		return fmt.Errorf("redis: run %s already exists", run.ID)
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*model.Run, error) {
	data, err := s.rdb.Get(ctx, s.runKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperror.NotFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis: getting run %s: %w", id, err)
	}
	return decodeRun(id, data)
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status model.RunStatus) error {
	return s.update(ctx, id, redis.KeepTTL, func(run *model.Run) {
		run.Status = status
	})
}

// Finish records the outcome and restarts the retention clock.
func (s *Store) Finish(ctx context.Context, id string, status model.RunStatus, output *executor.ExecutionResult, errMsg string) error {
	return s.update(ctx, id, s.opts.Retention, func(run *model.Run) {
		run.Status = status
		run.Output = output
		run.Error = errMsg
	})
}

// update applies fn under WATCH so concurrent writers never lose each other's changes.
func (s *Store) update(ctx context.Context, id string, ttl time.Duration, fn func(*model.Run)) error {
	key := s.runKey(id)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return apperror.NotFound("run", id)
		}
		if err != nil {
			return err
		}

		run, err := decodeRun(id, data)
		if err != nil {
			return err
		}
		fn(run)
		run.UpdatedAt = time.Now().UTC()

		updated, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("redis: encoding run: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, apperror.ErrNotFound) {
			return fmt.Errorf("redis: updating run %s: %w", id, err)
		}
		return err
	}
	return fmt.Errorf("redis: updating run %s: too much contention", id)
}

func (s *Store) Enqueue(ctx context.Context, id string) error {
	if err := s.rdb.RPush(ctx, s.queueKey(), id).Err(); err != nil {
		return apperror.TransportFailed("enqueueing run", err)
	}
	return nil
}

// Dequeue blocks on BLPOP in short rounds so ctx cancellation is noticed.
func (s *Store) Dequeue(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		res, err := s.rdb.BLPop(ctx, popTimeout, s.queueKey()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("redis: dequeueing run: %w", err)
		}
		// BLPOP replies with [key, value].
		if len(res) == 2 {
			return res[1], nil
		}
	}
}

func decodeRun(id string, data []byte) (*model.Run, error) {
	var run model.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("redis: decoding run %s: %w", id, err)
	}
	return &run, nil
}
