package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/kortix-ai/agentpress/pkg/models"
)

// MemoryStore is an in-memory Store for tests and single-node development.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]*models.Thread
	messages map[string][]*models.Message // keyed by thread id, insertion order
	runs     map[string]*models.AgentRun
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[string]*models.Thread),
		messages: make(map[string][]*models.Message),
		runs:     make(map[string]*models.AgentRun),
	}
}

func (s *MemoryStore) CreateThread(ctx context.Context, thread *models.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now()
	}
	cp := *thread
	s.threads[thread.ID] = &cp
	return nil
}

func (s *MemoryStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	thread, ok := s.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *thread
	return &cp, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	cp := *msg
	s.messages[msg.ThreadID] = append(s.messages[msg.ThreadID], &cp)
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[threadID]
	out := make([]*models.Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) InsertRun(ctx context.Context, run *models.AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*models.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	if run.Terminal() {
		return nil
	}
	run.Status = status
	if errMsg != "" {
		run.Error = errMsg
	}
	if status != models.RunStatusRunning && run.CompletedAt == nil {
		now := time.Now()
		run.CompletedAt = &now
	}
	return nil
}

func (s *MemoryStore) UpdateRunResponses(ctx context.Context, id string, responses json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.Responses = append(json.RawMessage(nil), responses...)
	return nil
}

func (s *MemoryStore) ListRunsByThread(ctx context.Context, threadID string) ([]*models.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.AgentRun
	for _, run := range s.runs {
		if run.ThreadID == threadID {
			cp := *run
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) ListRunsByStatus(ctx context.Context, status models.RunStatus) ([]*models.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.AgentRun
	for _, run := range s.runs {
		if run.Status == status {
			cp := *run
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
