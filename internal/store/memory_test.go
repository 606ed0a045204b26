package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kortix-ai/agentpress/pkg/models"
)

func TestMemoryStoreThreadRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	thread := &models.Thread{ID: "t1", AccountID: "acc1", ProjectID: "p1"}
	if err := s.CreateThread(ctx, thread); err != nil {
		t.Fatalf("create thread: %v", err)
	}

	got, err := s.GetThread(ctx, "t1")
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if got.AccountID != "acc1" || got.ProjectID != "p1" {
		t.Errorf("got %+v", got)
	}

	if _, err := s.GetThread(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreMessagesInsertionOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		msg := &models.Message{ID: id, ThreadID: "t1", Role: models.RoleUser, Content: id}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	msgs, err := s.ListMessages(ctx, "t1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if msgs[i].ID != want {
			t.Errorf("position %d: got %s, want %s", i, msgs[i].ID, want)
		}
	}
}

func TestMemoryStoreListMessagesReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.AppendMessage(ctx, &models.Message{ID: "m1", ThreadID: "t1", Content: "original"}); err != nil {
		t.Fatal(err)
	}
	msgs, _ := s.ListMessages(ctx, "t1")
	msgs[0].Content = "mutated"

	again, _ := s.ListMessages(ctx, "t1")
	if again[0].Content != "original" {
		t.Error("stored message was mutated through a returned copy")
	}
}

func TestMemoryStoreRunLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	run := &models.AgentRun{ID: "r1", ThreadID: "t1", Status: models.RunStatusRunning}
	if err := s.InsertRun(ctx, run); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.UpdateRunResponses(ctx, "r1", json.RawMessage(`[{"type":"content"}]`)); err != nil {
		t.Fatalf("update responses: %v", err)
	}
	if err := s.UpdateRunStatus(ctx, "r1", models.RunStatusCompleted, ""); err != nil {
		t.Fatalf("update status: %v", err)
	}

	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.RunStatusCompleted {
		t.Errorf("status: got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set on terminal status")
	}
	if string(got.Responses) != `[{"type":"content"}]` {
		t.Errorf("responses: got %s", got.Responses)
	}
}

func TestMemoryStoreTerminalStatusSticks(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	run := &models.AgentRun{ID: "r1", ThreadID: "t1", Status: models.RunStatusRunning}
	if err := s.InsertRun(ctx, run); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.UpdateRunStatus(ctx, "r1", models.RunStatusStopped, ""); err != nil {
		t.Fatalf("first terminal write: %v", err)
	}

	// A later write from the owning task must not overwrite the first
	// terminal status.
	if err := s.UpdateRunStatus(ctx, "r1", models.RunStatusFailed, "late failure"); err != nil {
		t.Fatalf("second terminal write: %v", err)
	}
	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.RunStatusStopped {
		t.Errorf("status: got %s, want stopped", got.Status)
	}
	if got.Error != "" {
		t.Errorf("error overwritten: %q", got.Error)
	}
}

func TestMemoryStoreUpdateMissingRun(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.UpdateRunStatus(ctx, "nope", models.RunStatusFailed, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreListRuns(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	runs := []*models.AgentRun{
		{ID: "r1", ThreadID: "t1", Status: models.RunStatusCompleted, StartedAt: base},
		{ID: "r2", ThreadID: "t1", Status: models.RunStatusRunning, StartedAt: base.Add(time.Second)},
		{ID: "r3", ThreadID: "t2", Status: models.RunStatusRunning, StartedAt: base.Add(2 * time.Second)},
	}
	for _, r := range runs {
		if err := s.InsertRun(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	byThread, err := s.ListRunsByThread(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(byThread) != 2 || byThread[0].ID != "r1" || byThread[1].ID != "r2" {
		t.Errorf("by thread: got %+v", byThread)
	}

	running, err := s.ListRunsByStatus(ctx, models.RunStatusRunning)
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 2 {
		t.Errorf("by status: got %d, want 2", len(running))
	}
}
