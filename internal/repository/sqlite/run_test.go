package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/model"
)

// newTestDB opens a fresh in-memory database that is closed with the test.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestRun(t *testing.T, db *DB, id string, status model.RunStatus) *model.Run {
	t.Helper()
	run := &model.Run{
		ID:     id,
		Status: status,
		Payload: executor.ExecutionRequest{
			Code:     "print(1)",
			Language: "python",
			Timeout:  5000,
			ProjectContext: &executor.ProjectContext{
				Files:            map[string]string{"util.py": "X = 1"},
				WorkingDirectory: "/workspace",
			},
		},
	}
	if err := db.Create(context.Background(), run); err != nil {
		t.Fatalf("failed to create test run: %v", err)
	}
	return run
}

// =========================================================================
// CREATE / GET
// =========================================================================

func TestCreate(t *testing.T) {
	db := newTestDB(t)
	run := createTestRun(t, db, "run_1", model.RunQueued)

	if run.CreatedAt.IsZero() {
		t.Error("Create() did not set CreatedAt")
	}
	if run.UpdatedAt.IsZero() {
		t.Error("Create() did not set UpdatedAt")
	}
}

func TestCreate_DuplicateID(t *testing.T) {
	db := newTestDB(t)
	createTestRun(t, db, "run_1", model.RunQueued)

	err := db.Create(context.Background(), &model.Run{ID: "run_1", Status: model.RunQueued})
	if err == nil {
		t.Fatal("Create() with duplicate id should fail")
	}
}

func TestGetByID_RoundTripsPayload(t *testing.T) {
	db := newTestDB(t)
	createTestRun(t, db, "run_1", model.RunQueued)

	got, err := db.GetByID(context.Background(), "run_1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}

	if got.Status != model.RunQueued {
		t.Errorf("Status = %q, want %q", got.Status, model.RunQueued)
	}
	if got.Payload.Code != "print(1)" || got.Payload.Language != "python" || got.Payload.Timeout != 5000 {
		t.Errorf("Payload = %+v", got.Payload)
	}
	if got.Payload.ProjectContext == nil || got.Payload.ProjectContext.Files["util.py"] != "X = 1" {
		t.Errorf("ProjectContext = %+v", got.Payload.ProjectContext)
	}
	if got.Output != nil {
		t.Errorf("Output = %+v, want nil before the run finishes", got.Output)
	}
}

func TestGetByID_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetByID(context.Background(), "nonexistent")
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetByID() error = %v, want ErrNotFound", err)
	}
}

// =========================================================================
// UPDATE / FINISH
// =========================================================================

func TestUpdateStatus(t *testing.T) {
	db := newTestDB(t)
	createTestRun(t, db, "run_1", model.RunQueued)

	if err := db.UpdateStatus(context.Background(), "run_1", model.RunExecuting); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	got, _ := db.GetByID(context.Background(), "run_1")
	if got.Status != model.RunExecuting {
		t.Errorf("Status = %q, want %q", got.Status, model.RunExecuting)
	}
}

func TestUpdateStatus_NotFound(t *testing.T) {
	db := newTestDB(t)

	err := db.UpdateStatus(context.Background(), "nonexistent", model.RunExecuting)
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("UpdateStatus() error = %v, want ErrNotFound", err)
	}
}

func TestFinish_PreservesAbsentFields(t *testing.T) {
	db := newTestDB(t)
	createTestRun(t, db, "run_1", model.RunExecuting)

	out := &executor.ExecutionResult{
		ExecutionID: "exec_1",
		SandboxID:   "sbx_1",
		CmdID:       "cmd_1",
		Status:      executor.StatusError,
		Stderr:      executor.Ptr("Execution failed: docker down"),
		Error:       "docker down",
	}
	if err := db.Finish(context.Background(), "run_1", model.RunCompleted, out, ""); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	got, err := db.GetByID(context.Background(), "run_1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Output == nil {
		t.Fatal("Output = nil after Finish")
	}
	if got.Output.Stdout != nil {
		t.Errorf("Stdout = %q, want absent", *got.Output.Stdout)
	}
	if got.Output.ExitCode != nil {
		t.Errorf("ExitCode = %d, want absent", *got.Output.ExitCode)
	}
	if got.Output.Error != "docker down" || got.Output.ExecutionID != "exec_1" {
		t.Errorf("Output = %+v", got.Output)
	}
}

func TestFinish_EmptyStdoutIsKept(t *testing.T) {
	db := newTestDB(t)
	createTestRun(t, db, "run_1", model.RunExecuting)

	out := &executor.ExecutionResult{Status: executor.StatusCompleted, ExitCode: executor.Ptr(0), Stdout: executor.Ptr("")}
	if err := db.Finish(context.Background(), "run_1", model.RunCompleted, out, ""); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	got, _ := db.GetByID(context.Background(), "run_1")
	if got.Output.Stdout == nil || *got.Output.Stdout != "" {
		t.Errorf("Stdout = %v, want pointer to empty string", got.Output.Stdout)
	}
	if got.Output.ExitCode == nil || *got.Output.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", got.Output.ExitCode)
	}
}

func TestFinish_CrashedRunKeepsError(t *testing.T) {
	db := newTestDB(t)
	createTestRun(t, db, "run_1", model.RunExecuting)

	if err := db.Finish(context.Background(), "run_1", model.RunCrashed, nil, "worker panicked"); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	got, _ := db.GetByID(context.Background(), "run_1")
	if got.Status != model.RunCrashed || got.Error != "worker panicked" || got.Output != nil {
		t.Errorf("run = %+v", got)
	}
}

// =========================================================================
// PRUNE
// =========================================================================

func TestPrune(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	createTestRun(t, db, "old_done", model.RunCompleted)
	createTestRun(t, db, "old_running", model.RunExecuting)
	createTestRun(t, db, "new_failed", model.RunFailed)

	old := time.Now().UTC().Add(-3 * time.Hour)
	for _, id := range []string{"old_done", "old_running"} {
		if _, err := db.conn.Exec(`UPDATE runs SET updated_at = ? WHERE id = ?`, old, id); err != nil {
			t.Fatalf("backdating %s: %v", id, err)
		}
	}

	n, err := db.Prune(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Prune() = %d, want 1", n)
	}
	if _, err := db.GetByID(ctx, "old_done"); !errors.Is(err, apperror.ErrNotFound) {
		t.Error("old finished run should be pruned")
	}
	for _, id := range []string{"old_running", "new_failed"} {
		if _, err := db.GetByID(ctx, id); err != nil {
			t.Errorf("%s should survive: %v", id, err)
		}
	}
}

func TestNew_FileDatabaseSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")

	db, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	createTestRun(t, db, "run_1", model.RunQueued)
	db.Close()

	db, err = New(path)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer db.Close()

	if _, err := db.GetByID(context.Background(), "run_1"); err != nil {
		t.Errorf("GetByID() after reopen error = %v", err)
	}
	if err := db.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}
