package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kortix-ai/agentpress/pkg/models"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	mock.ExpectPrepare("INSERT INTO messages")
	mock.ExpectPrepare("SELECT (.+) FROM messages")
	mock.ExpectPrepare("INSERT INTO agent_runs")
	mock.ExpectPrepare("SELECT (.+) FROM agent_runs")
	mock.ExpectPrepare("UPDATE agent_runs")
	mock.ExpectPrepare("UPDATE agent_runs SET responses")

	store, err := NewPostgresStoreFromDB(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, mock
}

func TestPostgresAppendMessage(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO messages").
		WithArgs("m1", "t1", string(models.RoleUser), "hello",
			nil, nil, "", true, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	msg := &models.Message{
		ID: "m1", ThreadID: "t1", Role: models.RoleUser,
		Content: "hello", IsLLMMessage: true,
	}
	if err := store.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresGetRunNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT (.+) FROM agent_runs").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "thread_id", "status", "started_at", "completed_at", "error", "responses"}))

	_, err := store.GetRun(ctx, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestPostgresGetRun(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	started := time.Now()
	rows := sqlmock.NewRows([]string{"id", "thread_id", "status", "started_at", "completed_at", "error", "responses"}).
		AddRow("r1", "t1", "completed", started, started.Add(time.Second), "", []byte(`[]`))
	mock.ExpectQuery("SELECT (.+) FROM agent_runs").WithArgs("r1").WillReturnRows(rows)

	run, err := store.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if run.Status != models.RunStatusCompleted || run.CompletedAt == nil {
		t.Errorf("got %+v", run)
	}
}

func TestPostgresUpdateRunStatusMissing(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE agent_runs").
		WithArgs("nope", string(models.RunStatusStopped), "").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM agent_runs").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id", "thread_id", "status", "started_at", "completed_at", "error", "responses"}))

	err := store.UpdateRunStatus(ctx, "nope", models.RunStatusStopped, "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestPostgresUpdateRunStatusTerminalIsNoOp(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	started := time.Now()
	mock.ExpectExec("UPDATE agent_runs").
		WithArgs("r1", string(models.RunStatusFailed), "late failure").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM agent_runs").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "thread_id", "status", "started_at", "completed_at", "error", "responses"}).
			AddRow("r1", "t1", "stopped", started, started.Add(time.Second), "", nil))

	if err := store.UpdateRunStatus(ctx, "r1", models.RunStatusFailed, "late failure"); err != nil {
		t.Fatalf("update on terminal run: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
