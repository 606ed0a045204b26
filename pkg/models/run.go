package models

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of an agent run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusStopped   RunStatus = "stopped"
	RunStatusFailed    RunStatus = "failed"
)

// AgentRun is one invocation of the agent on a thread. A thread has at
// most one run in the running state at a time.
type AgentRun struct {
	ID       string    `json:"id"`
	ThreadID string    `json:"thread_id"`
	Status   RunStatus `json:"status"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error holds the failure reason when Status is failed.
	Error string `json:"error,omitempty"`

	// Responses is the persisted JSON array of stream events, written on a
	// coarse schedule during the run and finally on completion. It is what
	// late subscribers replay after the in-memory buffer is gone.
	Responses json.RawMessage `json:"responses,omitempty"`
}

// Terminal reports whether the run has reached a final status.
func (r *AgentRun) Terminal() bool {
	return r.Status != RunStatusRunning
}
