package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/model"
	"github.com/sakif/coderunner/internal/repository"
)

// Compile-time check that *DB implements the interfaces.
var (
	_ repository.RunRepository = (*DB)(nil)
	_ repository.Pruner        = (*DB)(nil)
)

// Create inserts a new run. Payload and output are stored as JSON documents.
func (db *DB) Create(ctx context.Context, run *model.Run) error {
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	payload, err := json.Marshal(run.Payload)
	if err != nil {
		return fmt.Errorf("sqlite: encoding payload: %w", err)
	}
	output, err := encodeOutput(run.Output)
	if err != nil {
		return err
	}

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO runs (id, status, payload, output, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		string(run.Status),
		string(payload),
		output,
		run.Error,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating run: %w", err)
	}

	return nil
}

// GetByID retrieves a run. sql.ErrNoRows becomes apperror.NotFound.
func (db *DB) GetByID(ctx context.Context, id string) (*model.Run, error) {
	var (
		run     model.Run
		status  string
		payload string
		output  sql.NullString
	)

	err := db.conn.QueryRowContext(ctx,
		`SELECT id, status, payload, output, error, created_at, updated_at
		 FROM runs WHERE id = ?`,
		id,
	).Scan(&run.ID, &status, &payload, &output, &run.Error, &run.CreatedAt, &run.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: getting run %s: %w", id, err)
	}

	run.Status = model.RunStatus(status)
	if err := json.Unmarshal([]byte(payload), &run.Payload); err != nil {
		return nil, fmt.Errorf("sqlite: decoding payload of run %s: %w", id, err)
	}
	if output.Valid {
		run.Output = &executor.ExecutionResult{}
		if err := json.Unmarshal([]byte(output.String), run.Output); err != nil {
			return nil, fmt.Errorf("sqlite: decoding output of run %s: %w", id, err)
		}
	}

	return &run, nil
}

// UpdateStatus moves a run to status.
func (db *DB) UpdateStatus(ctx context.Context, id string, status model.RunStatus) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: updating run %s: %w", id, err)
	}
	return requireOneRow(result, id)
}

// Finish records the final status and output of a run.
func (db *DB) Finish(ctx context.Context, id string, status model.RunStatus, out *executor.ExecutionResult, errMsg string) error {
	output, err := encodeOutput(out)
	if err != nil {
		return err
	}

	result, err := db.conn.ExecContext(ctx,
		`UPDATE runs SET status = ?, output = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), output, errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: finishing run %s: %w", id, err)
	}
	return requireOneRow(result, id)
}

// Prune deletes finished runs last updated before olderThan.
func (db *DB) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := db.conn.ExecContext(ctx,
		`DELETE FROM runs
		 WHERE updated_at < ?
		   AND status NOT IN (?, ?)`,
		olderThan.UTC(), string(model.RunQueued), string(model.RunExecuting),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: pruning runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: checking pruned rows: %w", err)
	}
	return int(n), nil
}

func encodeOutput(out *executor.ExecutionResult) (sql.NullString, error) {
	if out == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("sqlite: encoding output: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func requireOneRow(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rows == 0 {
		return apperror.NotFound("run", id)
	}
	return nil
}
