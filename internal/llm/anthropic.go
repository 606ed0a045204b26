package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/kortix-ai/agentpress/internal/backoff"
	"github.com/kortix-ai/agentpress/internal/observability"
	"github.com/kortix-ai/agentpress/pkg/models"
)

const (
	defaultAnthropicMaxTokens = 8192
	thinkingBudgetTokens      = 4096

	// maxEmptyStreamEvents guards against a stream that keeps sending
	// events we cannot interpret.
	maxEmptyStreamEvents = 50
)

// AnthropicProvider adapts the Anthropic Messages API. Tool-use content
// blocks are translated into indexed tool-call deltas so the response
// processor sees the same shape as OpenAI streams.
type AnthropicProvider struct {
	client  anthropic.Client
	logger  *slog.Logger
	metrics *observability.Metrics
}

// AnthropicOptions configures an AnthropicProvider.
type AnthropicOptions struct {
	APIKey  string
	BaseURL string
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// NewAnthropicProvider creates a provider for the Anthropic API.
func NewAnthropicProvider(opts AnthropicOptions) *AnthropicProvider {
	clientOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicProvider{
		client:  anthropic.NewClient(clientOpts...),
		logger:  logger,
		metrics: opts.Metrics,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete opens a streaming completion and pumps translated chunks.
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	start := time.Now()

	stream, err := withRetry(ctx, backoff.DefaultPolicy(), func() (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
		s := p.client.Messages.NewStreaming(ctx, params)
		if err := s.Err(); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	out := make(chan *Chunk, 16)
	go func() {
		defer observeRequest(p.metrics, p.Name(), req.Model, start)
		defer close(out)
		defer stream.Close()
		p.processStream(ctx, req.Model, stream, out)
	}()
	return out, nil
}

// CompleteOnce sends a non-streaming completion request.
func (p *AnthropicProvider) CompleteOnce(ctx context.Context, req *Request) (*Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	msg, err := p.client.Messages.New(ctx, params)
	observeRequest(p.metrics, p.Name(), req.Model, start)
	if err != nil {
		return nil, fmt.Errorf("anthropic completion: %w", err)
	}
	recordUsage(p.metrics, p.Name(), req.Model, int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens))

	result := &Response{
		FinishReason: normalizeFinishReason(string(msg.StopReason)),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			result.Content += b.Text
		case anthropic.ToolUseBlock:
			result.ToolCalls = append(result.ToolCalls, models.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: json.RawMessage(b.Input),
				Source:    models.SourceNative,
			})
		}
	}
	return result, nil
}

func (p *AnthropicProvider) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}

	if system := collectSystem(req.Messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msgs, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return params, err
	}
	params.Messages = msgs

	for _, t := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.Parameters, &schema); err != nil {
			p.logger.Warn("skipping tool with invalid schema", "tool", t.Name, "error", err)
			continue
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if t.Description != "" {
			toolParam.OfTool.Description = anthropic.String(t.Description)
		}
		params.Tools = append(params.Tools, toolParam)
	}

	if req.EnableThinking {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(thinkingBudgetTokens)
	}
	return params, nil
}

func (p *AnthropicProvider) processStream(ctx context.Context, model string, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- *Chunk) {
	var (
		inputTokens  int
		outputTokens int
		finishReason string

		// Content block index -> synthesized tool-call index.
		toolIndexes = map[int64]int{}
		nextToolIdx int
		emptyEvents int
	)

	emit := func(c *Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			out <- &Chunk{Err: ctx.Err(), Done: true}
			return false
		}
	}

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			blockStart := event.AsContentBlockStart()
			if blockStart.ContentBlock.Type == "tool_use" {
				toolUse := blockStart.ContentBlock.AsToolUse()
				idx := nextToolIdx
				nextToolIdx++
				toolIndexes[blockStart.Index] = idx
				if !emit(&Chunk{ToolCallDeltas: []ToolCallDelta{{
					Index: idx,
					ID:    toolUse.ID,
					Name:  toolUse.Name,
				}}}) {
					return
				}
			}
			processed = true

		case "content_block_delta":
			blockDelta := event.AsContentBlockDelta()
			switch blockDelta.Delta.Type {
			case "text_delta":
				if blockDelta.Delta.Text != "" {
					if !emit(&Chunk{Text: blockDelta.Delta.Text}) {
						return
					}
					processed = true
				}
			case "input_json_delta":
				if blockDelta.Delta.PartialJSON != "" {
					idx, ok := toolIndexes[blockDelta.Index]
					if !ok {
						break
					}
					if !emit(&Chunk{ToolCallDeltas: []ToolCallDelta{{
						Index:          idx,
						ArgumentsDelta: blockDelta.Delta.PartialJSON,
					}}}) {
						return
					}
					processed = true
				}
			case "thinking_delta":
				// Reasoning text is not surfaced to clients.
				processed = true
			}

		case "content_block_stop":
			processed = true

		case "message_delta":
			msgDelta := event.AsMessageDelta()
			if msgDelta.Usage.OutputTokens > 0 {
				outputTokens = int(msgDelta.Usage.OutputTokens)
			}
			if msgDelta.Delta.StopReason != "" {
				finishReason = normalizeFinishReason(string(msgDelta.Delta.StopReason))
			}
			processed = true

		case "message_stop":
			recordUsage(p.metrics, p.Name(), model, inputTokens, outputTokens)
			emit(&Chunk{
				Done:         true,
				FinishReason: finishReason,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			})
			return
		}

		if processed {
			emptyEvents = 0
			continue
		}
		emptyEvents++
		if emptyEvents >= maxEmptyStreamEvents {
			out <- &Chunk{
				Err:  fmt.Errorf("anthropic stream: %d consecutive unrecognized events", emptyEvents),
				Done: true,
			}
			return
		}
	}

	if err := stream.Err(); err != nil {
		out <- &Chunk{Err: fmt.Errorf("anthropic stream: %w", err), Done: true}
		return
	}
	recordUsage(p.metrics, p.Name(), model, inputTokens, outputTokens)
	out <- &Chunk{
		Done:         true,
		FinishReason: finishReason,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}
}

// collectSystem joins system-role messages into the system prompt.
func collectSystem(messages []Message) string {
	var system string
	for _, m := range messages {
		if m.Role != models.RoleSystem {
			continue
		}
		if system != "" {
			system += "\n\n"
		}
		system += m.Content
	}
	return system
}

func convertAnthropicMessages(messages []Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		} else if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return nil, fmt.Errorf("tool call %s: invalid arguments: %w", tc.ID, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}
