package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSummary   Role = "summary"
	RoleStatus    Role = "status"
)

// Thread is a durable, append-only conversation. Threads are created by
// callers of the API; the engine only ever appends messages to them.
type Thread struct {
	ID        string         `json:"id"`
	AccountID string         `json:"account_id,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Message is a single entry in a thread. Messages are immutable once
// written; a streaming assistant turn is persisted as one final message
// after its stream ends.
type Message struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	Role     Role   `json:"role"`

	// Content is the text content. When Blocks is set, Content holds the
	// concatenated text blocks for consumers that only read plain text.
	Content string `json:"content"`

	// Blocks carries structured content (text, image URLs, provider-specific
	// payloads). Nil for plain-text messages.
	Blocks []ContentBlock `json:"blocks,omitempty"`

	// ToolCalls lists the native tool calls declared by an assistant message.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-result message back to the native call that
	// requested it. Empty for results of markup tool calls.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// IsLLMMessage marks messages that participate in the prompt sent to
	// the model. Status markers and bookkeeping rows leave this false.
	IsLLMMessage bool `json:"is_llm_message"`

	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ContentBlock is one element of a structured message body.
type ContentBlock struct {
	Type string `json:"type"` // text, image_url, provider
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`

	// Raw holds a provider-specific block verbatim.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// ToolCallSource distinguishes how a tool invocation reached the engine.
type ToolCallSource string

const (
	// SourceNative marks calls carried in the provider's structured
	// tool_calls field.
	SourceNative ToolCallSource = "native"

	// SourceXML marks calls embedded as markup in the assistant text.
	SourceXML ToolCallSource = "xml"
)

// ToolCall represents a request to execute a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Source    ToolCallSource  `json:"source,omitempty"`

	// Markup holds the original tag text for markup calls.
	Markup string `json:"markup,omitempty"`
}

// ToolResult is the normalized outcome of one tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	Output     string `json:"output"`
}
