package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kortix-ai/agentpress/internal/backoff"
	"github.com/kortix-ai/agentpress/internal/observability"
	"github.com/kortix-ai/agentpress/pkg/models"
)

// OpenAIProvider adapts the OpenAI chat completions API, including
// OpenAI-compatible gateways selected via BaseURL.
type OpenAIProvider struct {
	client  *openai.Client
	policy  backoff.Policy
	logger  *slog.Logger
	metrics *observability.Metrics
}

// OpenAIOptions configures an OpenAIProvider.
type OpenAIOptions struct {
	APIKey  string
	BaseURL string
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// NewOpenAIProvider creates a provider for the OpenAI API. A non-empty
// BaseURL points the client at a compatible gateway instead.
func NewOpenAIProvider(opts OpenAIOptions) *OpenAIProvider {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIProvider{
		client:  openai.NewClientWithConfig(cfg),
		policy:  backoff.DefaultPolicy(),
		logger:  logger,
		metrics: opts.Metrics,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Complete opens a streaming completion. Tool-call fragments pass through
// as deltas keyed by the provider's call index.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	apiReq := p.buildRequest(req)
	start := time.Now()

	stream, err := withRetry(ctx, p.policy, func() (*openai.ChatCompletionStream, error) {
		return p.client.CreateChatCompletionStream(ctx, apiReq)
	})
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	out := make(chan *Chunk, 16)
	go func() {
		var inputTokens, outputTokens int
		defer func() {
			observeRequest(p.metrics, p.Name(), req.Model, start)
			recordUsage(p.metrics, p.Name(), req.Model, inputTokens, outputTokens)
		}()
		defer close(out)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				out <- &Chunk{Done: true}
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					out <- &Chunk{Err: ctx.Err(), Done: true}
					return
				}
				out <- &Chunk{Err: fmt.Errorf("openai recv: %w", err), Done: true}
				return
			}
			chunk := p.convertChunk(&resp)
			if chunk == nil {
				continue
			}
			if chunk.InputTokens > 0 {
				inputTokens = chunk.InputTokens
			}
			if chunk.OutputTokens > 0 {
				outputTokens = chunk.OutputTokens
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				out <- &Chunk{Err: ctx.Err(), Done: true}
				return
			}
		}
	}()
	return out, nil
}

// CompleteOnce sends a non-streaming completion request.
func (p *OpenAIProvider) CompleteOnce(ctx context.Context, req *Request) (*Response, error) {
	apiReq := p.buildRequest(req)
	apiReq.Stream = false
	start := time.Now()
	defer observeRequest(p.metrics, p.Name(), req.Model, start)

	resp, err := withRetry(ctx, p.policy, func() (openai.ChatCompletionResponse, error) {
		return p.client.CreateChatCompletion(ctx, apiReq)
	})
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai completion: empty choices")
	}

	recordUsage(p.metrics, p.Name(), req.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	choice := resp.Choices[0]
	result := &Response{
		Content:      choice.Message.Content,
		FinishReason: normalizeFinishReason(string(choice.FinishReason)),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
			Source:    models.SourceNative,
		})
	}
	return result, nil
}

func (p *OpenAIProvider) buildRequest(req *Request) openai.ChatCompletionRequest {
	apiReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		Stream:      true,
	}
	if req.MaxTokens > 0 {
		apiReq.MaxTokens = req.MaxTokens
	}
	if req.ReasoningEffort != "" {
		apiReq.ReasoningEffort = req.ReasoningEffort
	}

	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		apiReq.Messages = append(apiReq.Messages, msg)
	}

	for _, t := range req.Tools {
		var params map[string]any
		if err := json.Unmarshal(t.Parameters, &params); err != nil {
			p.logger.Warn("skipping tool with invalid schema", "tool", t.Name, "error", err)
			continue
		}
		apiReq.Tools = append(apiReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	if len(apiReq.Tools) > 0 && req.ToolChoice != "" {
		apiReq.ToolChoice = req.ToolChoice
	}
	return apiReq
}

func (p *OpenAIProvider) convertChunk(resp *openai.ChatCompletionStreamResponse) *Chunk {
	chunk := &Chunk{}
	if resp.Usage != nil {
		chunk.InputTokens = resp.Usage.PromptTokens
		chunk.OutputTokens = resp.Usage.CompletionTokens
	}
	if len(resp.Choices) == 0 {
		if chunk.InputTokens > 0 || chunk.OutputTokens > 0 {
			return chunk
		}
		return nil
	}

	choice := resp.Choices[0]
	chunk.Text = choice.Delta.Content
	for _, tc := range choice.Delta.ToolCalls {
		idx := 0
		if tc.Index != nil {
			idx = *tc.Index
		}
		chunk.ToolCallDeltas = append(chunk.ToolCallDeltas, ToolCallDelta{
			Index:          idx,
			ID:             tc.ID,
			Name:           tc.Function.Name,
			ArgumentsDelta: tc.Function.Arguments,
		})
	}
	if choice.FinishReason != "" {
		chunk.FinishReason = normalizeFinishReason(string(choice.FinishReason))
	}
	if chunk.Text == "" && len(chunk.ToolCallDeltas) == 0 && chunk.FinishReason == "" &&
		chunk.InputTokens == 0 && chunk.OutputTokens == 0 {
		return nil
	}
	return chunk
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "tool_calls", "function_call", "tool_use":
		return FinishReasonToolCalls
	case "length", "max_tokens":
		return FinishReasonLength
	case "stop", "end_turn", "stop_sequence":
		return FinishReasonStop
	default:
		return reason
	}
}
