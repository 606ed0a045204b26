// Package store persists threads, messages, and agent runs.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/kortix-ai/agentpress/pkg/models"
)

// ErrNotFound is returned when a thread, message, or run does not exist.
var ErrNotFound = errors.New("not found")

// ThreadStore persists threads and their append-only message history.
type ThreadStore interface {
	CreateThread(ctx context.Context, thread *models.Thread) error
	GetThread(ctx context.Context, id string) (*models.Thread, error)

	// AppendMessage stores a message at the end of its thread.
	AppendMessage(ctx context.Context, msg *models.Message) error

	// ListMessages returns every message of a thread in insertion order.
	ListMessages(ctx context.Context, threadID string) ([]*models.Message, error)
}

// RunStore persists agent run records.
type RunStore interface {
	InsertRun(ctx context.Context, run *models.AgentRun) error
	GetRun(ctx context.Context, id string) (*models.AgentRun, error)

	// UpdateRunStatus writes a terminal or intermediate status. The
	// completion timestamp is set when the status is terminal. errMsg is
	// stored when non-empty. A run already in a terminal status is left
	// unchanged; the first terminal write wins.
	UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, errMsg string) error

	// UpdateRunResponses replaces the persisted event array of a run.
	UpdateRunResponses(ctx context.Context, id string, responses json.RawMessage) error

	ListRunsByThread(ctx context.Context, threadID string) ([]*models.AgentRun, error)
	ListRunsByStatus(ctx context.Context, status models.RunStatus) ([]*models.AgentRun, error)
}

// Store combines the thread and run stores as implemented by each backend.
type Store interface {
	ThreadStore
	RunStore
	Close() error
}
