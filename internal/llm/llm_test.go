package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kortix-ai/agentpress/internal/backoff"
	"github.com/kortix-ai/agentpress/pkg/models"
)

func fastPolicy() backoff.Policy {
	return backoff.Policy{Initial: time.Microsecond, Max: time.Millisecond, Factor: 2}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("429 Too Many Requests"), true},
		{errors.New("rate limit exceeded"), true},
		{errors.New("status code 503"), true},
		{errors.New("request timeout"), true},
		{errors.New("connection reset by peer"), true},
		{errors.New("401 Unauthorized"), false},
		{errors.New("invalid request: model not found"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := retryable(tc.err); got != tc.want {
			t.Errorf("retryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestRateLimitBackoffStretched(t *testing.T) {
	base := fastPolicy()

	got := sleepPolicy(base, errors.New("429 Too Many Requests"))
	if got.Initial != base.Initial*rateLimitStretch || got.Max != base.Max*rateLimitStretch {
		t.Errorf("rate-limit policy = %+v, want %dx of %+v", got, rateLimitStretch, base)
	}
	got = sleepPolicy(base, errors.New("rate limit exceeded"))
	if got.Initial != base.Initial*rateLimitStretch {
		t.Errorf("rate-limit policy = %+v, want stretched", got)
	}

	// Server-side failures keep the base schedule.
	got = sleepPolicy(base, errors.New("503 service unavailable"))
	if got != base {
		t.Errorf("transient policy = %+v, want %+v", got, base)
	}
	if got = sleepPolicy(base, nil); got != base {
		t.Errorf("nil error policy = %+v, want %+v", got, base)
	}
}

func TestWithRetryRecovers(t *testing.T) {
	attempts := 0
	v, err := withRetry(context.Background(), fastPolicy(), func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("503 service unavailable")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("got %v", err)
	}
	if v != "ok" || attempts != 3 {
		t.Errorf("v=%q attempts=%d", v, attempts)
	}
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	attempts := 0
	_, err := withRetry(context.Background(), fastPolicy(), func() (int, error) {
		attempts++
		return 0, errors.New("400 bad request")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestWithRetryExhausts(t *testing.T) {
	attempts := 0
	_, err := withRetry(context.Background(), fastPolicy(), func() (int, error) {
		attempts++
		return 0, errors.New("rate limit")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != maxAttempts {
		t.Errorf("attempts = %d, want %d", attempts, maxAttempts)
	}
}

func TestNormalizeFinishReason(t *testing.T) {
	cases := map[string]string{
		"stop":          FinishReasonStop,
		"end_turn":      FinishReasonStop,
		"stop_sequence": FinishReasonStop,
		"tool_calls":    FinishReasonToolCalls,
		"tool_use":      FinishReasonToolCalls,
		"length":        FinishReasonLength,
		"max_tokens":    FinishReasonLength,
		"custom":        "custom",
	}
	for in, want := range cases {
		if got := normalizeFinishReason(in); got != want {
			t.Errorf("normalizeFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildOpenAIRequest(t *testing.T) {
	p := NewOpenAIProvider(OpenAIOptions{APIKey: "test"})
	req := &Request{
		Model:     "gpt-4o",
		MaxTokens: 512,
		Messages: []Message{
			{Role: models.RoleSystem, Content: "be brief"},
			{Role: models.RoleUser, Content: "hi"},
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "search", Arguments: json.RawMessage(`{"q":"x"}`)},
			}},
			{Role: models.RoleTool, Content: `{"success":true}`, ToolCallID: "call_1"},
		},
		Tools: []ToolDefinition{
			{Name: "search", Description: "find things", Parameters: json.RawMessage(`{"type":"object"}`)},
			{Name: "broken", Parameters: json.RawMessage(`not json`)},
		},
		ToolChoice: ToolChoiceAuto,
	}

	apiReq := p.buildRequest(req)
	if apiReq.Model != "gpt-4o" || apiReq.MaxTokens != 512 {
		t.Errorf("model/max: %s %d", apiReq.Model, apiReq.MaxTokens)
	}
	if len(apiReq.Messages) != 4 {
		t.Fatalf("messages: got %d", len(apiReq.Messages))
	}
	if apiReq.Messages[2].ToolCalls[0].Function.Arguments != `{"q":"x"}` {
		t.Errorf("tool call args: %s", apiReq.Messages[2].ToolCalls[0].Function.Arguments)
	}
	if apiReq.Messages[3].ToolCallID != "call_1" {
		t.Errorf("tool call id: %s", apiReq.Messages[3].ToolCallID)
	}
	if len(apiReq.Tools) != 1 {
		t.Fatalf("tools: got %d, want broken schema skipped", len(apiReq.Tools))
	}
	if apiReq.Tools[0].Function.Name != "search" {
		t.Errorf("tool name: %s", apiReq.Tools[0].Function.Name)
	}
}

func TestCollectSystem(t *testing.T) {
	msgs := []Message{
		{Role: models.RoleSystem, Content: "first"},
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleSystem, Content: "second"},
	}
	if got := collectSystem(msgs); got != "first\n\nsecond" {
		t.Errorf("got %q", got)
	}
}

func TestConvertAnthropicMessages(t *testing.T) {
	msgs := []Message{
		{Role: models.RoleSystem, Content: "ignored here"},
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "checking", ToolCalls: []models.ToolCall{
			{ID: "call_1", Name: "search", Arguments: json.RawMessage(`{"q":"x"}`)},
		}},
		{Role: models.RoleTool, Content: `{"success":true}`, ToolCallID: "call_1"},
	}

	out, err := convertAnthropicMessages(msgs)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	// System dropped, three remaining.
	if len(out) != 3 {
		t.Fatalf("got %d messages", len(out))
	}
	if out[1].Role != "assistant" {
		t.Errorf("role: %s", out[1].Role)
	}
	// Assistant carries the text block plus the tool use block.
	if len(out[1].Content) != 2 {
		t.Errorf("assistant blocks: %d", len(out[1].Content))
	}
	// Tool result maps to a user message.
	if out[2].Role != "user" {
		t.Errorf("tool result role: %s", out[2].Role)
	}
}

func TestConvertAnthropicMessagesRejectsBadArguments(t *testing.T) {
	msgs := []Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "call_1", Name: "search", Arguments: json.RawMessage(`{broken`)},
		}},
	}
	if _, err := convertAnthropicMessages(msgs); err == nil {
		t.Fatal("expected error for invalid tool arguments")
	}
}
