// Package llm abstracts the LLM gateway. Providers expose a streaming
// completion call whose chunks carry text deltas and raw native tool-call
// deltas; assembling deltas into complete tool calls is the response
// processor's job, so every provider is adapted to the same delta shape.
package llm

import (
	"context"
	"encoding/json"

	"github.com/kortix-ai/agentpress/pkg/models"
)

// Finish reasons normalized across providers.
const (
	FinishReasonStop      = "stop"
	FinishReasonToolCalls = "tool_calls"
	FinishReasonLength    = "length"
)

// ToolChoice values accepted by providers that support forcing tool use.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceRequired = "required"
	ToolChoiceNone     = "none"
)

// Provider is the interface for LLM backends. Implementations must be safe
// for concurrent use.
type Provider interface {
	// Complete sends a request and returns a streaming response. The
	// channel is closed when the stream ends; a chunk with Err set
	// terminates the stream.
	Complete(ctx context.Context, req *Request) (<-chan *Chunk, error)

	// CompleteOnce sends a request and waits for the whole response.
	CompleteOnce(ctx context.Context, req *Request) (*Response, error)

	// Name returns the provider identifier used for routing and logging.
	Name() string
}

// Request contains all parameters for a completion call.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float32

	// MaxTokens limits the response length. Zero means the field is
	// omitted; some providers reject the parameter for certain models.
	MaxTokens int

	// Tools carries the native function definitions, if any.
	Tools      []ToolDefinition
	ToolChoice string

	// EnableThinking turns on extended reasoning for providers that
	// support it.
	EnableThinking bool

	// ReasoningEffort is a provider-specific reasoning hint. Empty means
	// unset.
	ReasoningEffort string
}

// Message is one prompt message in provider-neutral form.
type Message struct {
	Role    models.Role
	Content string

	// ToolCalls is set on assistant messages that requested native tools.
	ToolCalls []models.ToolCall

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string
}

// ToolDefinition describes one callable function for the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ToolCallDelta is a fragment of a native tool call as streamed by the
// provider. Fragments for the same call share an index; the id and name
// arrive once, the arguments accumulate across fragments.
type ToolCallDelta struct {
	Index          int
	ID             string
	Name           string
	ArgumentsDelta string
}

// Chunk is one unit of a streaming response.
type Chunk struct {
	// Text is a content delta. Empty for non-text chunks.
	Text string

	// ToolCallDeltas carries native tool-call fragments.
	ToolCallDeltas []ToolCallDelta

	// FinishReason is set on the chunk that ends the turn.
	FinishReason string

	InputTokens  int
	OutputTokens int

	// Done marks the final chunk of the stream.
	Done bool

	// Err terminates the stream when set.
	Err error
}

// Response is a whole, non-streamed completion.
type Response struct {
	Content      string
	ToolCalls    []models.ToolCall
	FinishReason string
	InputTokens  int
	OutputTokens int
}
