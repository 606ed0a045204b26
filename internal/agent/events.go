// Package agent implements the run engine core: the response processor that
// turns an LLM stream into typed events and tool executions, the thread
// manager that drives the auto-continue loop, and the context manager that
// keeps the prompt under the token threshold.
package agent

import "encoding/json"

// EventType identifies the kind of a streamed event.
type EventType string

const (
	EventContent     EventType = "content"
	EventToolStarted EventType = "tool_started"
	EventToolResult  EventType = "tool_result"
	EventStatus      EventType = "status"
	EventFinish      EventType = "finish"
	EventError       EventType = "error"
)

// Event is the unit of run output. It is published to subscribers, buffered
// in memory, and persisted to the run row, so the shape is wire-stable.
type Event struct {
	Type EventType `json:"type"`

	// content
	Content string `json:"content,omitempty"`

	// tool_started and tool_result
	Name      string         `json:"name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result,omitempty"`

	// status
	Status     string `json:"status,omitempty"`
	StatusType string `json:"status_type,omitempty"`
	Message    string `json:"message,omitempty"`

	// finish
	FinishReason string `json:"finish_reason,omitempty"`
}

// Terminal reports whether this event ends a subscriber's stream.
func (e *Event) Terminal() bool {
	if e.Type == EventError {
		return true
	}
	if e.Type != EventStatus {
		return false
	}
	switch e.Status {
	case "completed", "stopped", "failed":
		return true
	}
	return false
}

// Encode serializes the event for publish and persistence.
func (e *Event) Encode() string {
	data, err := json.Marshal(e)
	if err != nil {
		return `{"type":"error","message":"event encoding failed"}`
	}
	return string(data)
}

func contentEvent(delta string) *Event {
	return &Event{Type: EventContent, Content: delta}
}

func toolStartedEvent(name string, args map[string]any) *Event {
	return &Event{Type: EventToolStarted, Name: name, Arguments: args}
}

func toolResultEvent(name, result string) *Event {
	return &Event{Type: EventToolResult, Name: name, Result: result}
}

func finishEvent(reason string) *Event {
	return &Event{Type: EventFinish, FinishReason: reason}
}

func errorEvent(msg string) *Event {
	return &Event{Type: EventError, Message: msg}
}

// StatusEvent builds a lifecycle marker event.
func StatusEvent(status string) *Event {
	return &Event{Type: EventStatus, Status: status}
}

// StatusMessageEvent builds a status event carrying an explanation.
func StatusMessageEvent(status, statusType, msg string) *Event {
	return &Event{Type: EventStatus, Status: status, StatusType: statusType, Message: msg}
}
