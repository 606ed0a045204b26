// Package run contains the agent run supervisor: it owns the lifecycle of
// each run, bridges in-process event streams to external subscribers, and
// coordinates stop signalling across instances.
package run

import (
	"context"
	"sync"

	"github.com/kortix-ai/agentpress/internal/agent"
)

// EventBuffer is the append-only per-run event log. Readers snapshot a
// length and index forward, so a subscriber that joins late replays the
// exact prefix every earlier subscriber saw.
type EventBuffer struct {
	mu     sync.Mutex
	events []*agent.Event
	notify chan struct{}
	closed bool
}

// NewEventBuffer creates an empty buffer.
func NewEventBuffer() *EventBuffer {
	return &EventBuffer{notify: make(chan struct{})}
}

// Append adds one event and wakes waiting readers.
func (b *EventBuffer) Append(ev *agent.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.events = append(b.events, ev)
	close(b.notify)
	b.notify = make(chan struct{})
}

// Close marks the buffer complete. Readers drain what is present and stop.
func (b *EventBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
	b.notify = make(chan struct{})
}

// Len returns the current number of events.
func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Closed reports whether the producing task has finished.
func (b *EventBuffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Slice copies out events[from:to].
func (b *EventBuffer) Slice(from, to int) []*agent.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if from < 0 {
		from = 0
	}
	if to > len(b.events) {
		to = len(b.events)
	}
	if from >= to {
		return nil
	}
	out := make([]*agent.Event, to-from)
	copy(out, b.events[from:to])
	return out
}

// Wait blocks until the buffer changes, closes, or ctx ends. Returns false
// when the context ended.
func (b *EventBuffer) Wait(ctx context.Context) bool {
	b.mu.Lock()
	ch := b.notify
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return true
	}
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// BufferRegistry holds the live event buffer of every run this instance is
// driving.
type BufferRegistry struct {
	mu      sync.RWMutex
	buffers map[string]*EventBuffer
}

// NewBufferRegistry creates an empty registry.
func NewBufferRegistry() *BufferRegistry {
	return &BufferRegistry{buffers: make(map[string]*EventBuffer)}
}

// Create makes and registers a buffer for a run.
func (r *BufferRegistry) Create(runID string) *EventBuffer {
	b := NewEventBuffer()
	r.mu.Lock()
	r.buffers[runID] = b
	r.mu.Unlock()
	return b
}

// Get returns the buffer for a run, or nil when the run is not live here.
func (r *BufferRegistry) Get(runID string) *EventBuffer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buffers[runID]
}

// Remove closes and drops a run's buffer.
func (r *BufferRegistry) Remove(runID string) {
	r.mu.Lock()
	b := r.buffers[runID]
	delete(r.buffers, runID)
	r.mu.Unlock()
	if b != nil {
		b.Close()
	}
}
