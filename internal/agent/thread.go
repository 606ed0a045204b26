package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/kortix-ai/agentpress/internal/llm"
	"github.com/kortix-ai/agentpress/internal/store"
	"github.com/kortix-ai/agentpress/internal/tools"
	"github.com/kortix-ai/agentpress/pkg/models"
)

// ThreadManager owns conversation state: it appends messages, builds the
// effective prompt history, invokes the LLM, hands responses to the
// processor and runs the auto-continue loop.
type ThreadManager struct {
	store      store.ThreadStore
	provider   llm.Provider
	registry   *tools.Registry
	processor  *Processor
	contextMgr *ContextManager
	logger     *slog.Logger
}

// NewThreadManager wires a thread manager. contextMgr may be nil to disable
// summarization entirely.
func NewThreadManager(st store.ThreadStore, provider llm.Provider, registry *tools.Registry, processor *Processor, contextMgr *ContextManager, logger *slog.Logger) *ThreadManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThreadManager{
		store:      st,
		provider:   provider,
		registry:   registry,
		processor:  processor,
		contextMgr: contextMgr,
		logger:     logger,
	}
}

// AddMessage appends one message to a thread and returns the stored row.
func (tm *ThreadManager) AddMessage(ctx context.Context, threadID string, role models.Role, content string, isLLMMessage bool, metadata map[string]any) (*models.Message, error) {
	msg := &models.Message{
		ID:           uuid.NewString(),
		ThreadID:     threadID,
		Role:         role,
		Content:      content,
		IsLLMMessage: isLLMMessage,
		Metadata:     metadata,
		CreatedAt:    time.Now(),
	}
	if err := tm.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

// GetLLMMessages returns the effective prompt history: the most recent
// summary message, if any, followed by every later LLM-visible message.
func (tm *ThreadManager) GetLLMMessages(ctx context.Context, threadID string) ([]llm.Message, error) {
	msgs, err := tm.store.ListMessages(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	start := 0
	for i, m := range msgs {
		if m.Role == models.RoleSummary {
			start = i
		}
	}

	var out []llm.Message
	for _, m := range msgs[start:] {
		if !m.IsLLMMessage {
			continue
		}
		out = append(out, toLLMMessage(m))
	}
	return out, nil
}

func toLLMMessage(m *models.Message) llm.Message {
	msg := llm.Message{Content: m.Content}
	switch m.Role {
	case models.RoleSummary:
		// A summary reads as user-provided context for the model.
		msg.Role = models.RoleUser
	case models.RoleTool:
		msg.Role = models.RoleTool
		msg.ToolCallID = m.ToolCallID
	default:
		msg.Role = m.Role
	}
	for _, tc := range m.ToolCalls {
		// Arguments stay a JSON string; providers require the encoded
		// form, never a decoded object.
		msg.ToolCalls = append(msg.ToolCalls, tc)
	}
	return msg
}

// RunThreadOptions are the parameters of one run_thread invocation.
type RunThreadOptions struct {
	ThreadID     string
	SystemPrompt string
	Stream       bool

	// TemporaryMessage is an extra user message injected just before the
	// last user message on the first pass only. Never persisted.
	TemporaryMessage string

	Model       string
	Temperature float32
	MaxTokens   int

	Config     ProcessorConfig
	ToolChoice string

	// NativeMaxAutoContinues bounds follow-up LLM calls after a
	// tool_calls finish. Zero disables auto-continue.
	NativeMaxAutoContinues int

	IncludeXMLExamples   bool
	EnableThinking       bool
	ReasoningEffort      string
	EnableContextManager bool
}

// RunThread orchestrates one turn, possibly multi-step via auto-continue,
// and presents a single flattened event sequence. Finish events whose
// reason triggers an auto-continue are filtered out.
func (tm *ThreadManager) RunThread(ctx context.Context, opts RunThreadOptions) <-chan *Event {
	out := make(chan *Event, 64)
	go func() {
		defer close(out)
		defer func() {
			if r := recover(); r != nil {
				tm.logger.Error("run_thread panicked",
					"thread_id", opts.ThreadID,
					"panic", r,
					"stack", string(debug.Stack()))
				out <- errorEvent(fmt.Sprintf("internal error: %v", r))
			}
		}()
		tm.runThread(ctx, opts, out)
	}()
	return out
}

func (tm *ThreadManager) runThread(ctx context.Context, opts RunThreadOptions, out chan<- *Event) {
	emit := func(ev *Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	systemPrompt := opts.SystemPrompt
	if opts.IncludeXMLExamples && opts.Config.XMLToolCalling {
		if examples := tm.registry.XMLExamples(); examples != "" {
			systemPrompt += "\n\nYou can invoke tools by emitting their markup directly in your response. Available tools:\n\n" + examples
		}
	}

	if err := tm.repairTranscript(ctx, opts.ThreadID); err != nil {
		tm.logger.Warn("transcript repair failed", "thread_id", opts.ThreadID, "error", err)
	}

	autoContinue := true
	continueCount := 0
	limitReached := false
	firstPass := true

	for autoContinue {
		autoContinue = false

		history, err := tm.GetLLMMessages(ctx, opts.ThreadID)
		if err != nil {
			emit(errorEvent("failed to load history: "+err.Error()))
			return
		}

		if opts.EnableContextManager && tm.contextMgr != nil {
			summarized, err := tm.contextMgr.CheckAndSummarize(ctx, opts.ThreadID, tm, systemPrompt, opts.Model, false)
			if err != nil {
				tm.logger.Warn("summarization failed", "thread_id", opts.ThreadID, "error", err)
			}
			if summarized {
				if history, err = tm.GetLLMMessages(ctx, opts.ThreadID); err != nil {
					emit(errorEvent("failed to reload history: " + err.Error()))
					return
				}
			}
		}

		temp := ""
		if firstPass {
			temp = opts.TemporaryMessage
		}
		firstPass = false

		req := &llm.Request{
			Model:           opts.Model,
			Messages:        composePrompt(systemPrompt, history, temp),
			Temperature:     opts.Temperature,
			MaxTokens:       opts.MaxTokens,
			EnableThinking:  opts.EnableThinking,
			ReasoningEffort: opts.ReasoningEffort,
		}
		if opts.Config.NativeToolCalling {
			req.Tools = tm.registry.NativeDefinitions()
			req.ToolChoice = opts.ToolChoice
		}

		var events <-chan *Event
		if opts.Stream {
			chunks, err := tm.provider.Complete(ctx, req)
			if err != nil {
				emit(errorEvent("llm call failed: " + err.Error()))
				return
			}
			events = tm.processor.ProcessStream(ctx, opts.ThreadID, chunks, opts.Config)
		} else {
			resp, err := tm.provider.CompleteOnce(ctx, req)
			if err != nil {
				emit(errorEvent("llm call failed: " + err.Error()))
				return
			}
			events = tm.processor.ProcessResponse(ctx, opts.ThreadID, resp, opts.Config)
		}

		for ev := range events {
			if ev.Type == EventFinish && ev.FinishReason == llm.FinishReasonToolCalls && opts.NativeMaxAutoContinues > 0 {
				if continueCount < opts.NativeMaxAutoContinues {
					continueCount++
					autoContinue = true
					continue // swallowed; the loop issues another call
				}
				limitReached = true
			}
			if !emit(ev) {
				return
			}
			if ev.Type == EventError {
				return
			}
		}
	}

	if limitReached {
		emit(contentEvent(fmt.Sprintf(
			"\n[Agent reached the maximum of %d automatic continuations. Send a new message to continue.]",
			opts.NativeMaxAutoContinues)))
	}
}

// composePrompt assembles the final message list. The temporary message, if
// any, lands immediately before the last user message, or at the end when
// the history has no user message.
func composePrompt(systemPrompt string, history []llm.Message, temporary string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+2)
	if systemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: models.RoleSystem, Content: systemPrompt})
	}
	if temporary == "" {
		return append(msgs, history...)
	}

	insertAt := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleUser {
			insertAt = i
			break
		}
	}
	tempMsg := llm.Message{Role: models.RoleUser, Content: temporary}
	if insertAt < 0 {
		return append(append(msgs, history...), tempMsg)
	}
	msgs = append(msgs, history[:insertAt]...)
	msgs = append(msgs, tempMsg)
	msgs = append(msgs, history[insertAt:]...)
	return msgs
}

// repairTranscript restores the tool-result pairing invariant after an
// interrupted run: any native call on the last assistant message without a
// matching result gets a synthesized failure.
func (tm *ThreadManager) repairTranscript(ctx context.Context, threadID string) error {
	msgs, err := tm.store.ListMessages(ctx, threadID)
	if err != nil {
		return err
	}

	var lastAssistant *models.Message
	answered := make(map[string]bool)
	for _, m := range msgs {
		switch m.Role {
		case models.RoleAssistant:
			if len(m.ToolCalls) > 0 {
				lastAssistant = m
				answered = make(map[string]bool)
			}
		case models.RoleTool:
			if m.ToolCallID != "" {
				answered[m.ToolCallID] = true
			}
		}
	}
	if lastAssistant == nil {
		return nil
	}

	for _, tc := range lastAssistant.ToolCalls {
		if answered[tc.ID] {
			continue
		}
		result := &models.ToolResult{
			ToolCallID: tc.ID,
			Name:       tc.Name,
			Success:    false,
			Output:     "tool execution interrupted: run did not complete",
		}
		payload, err := json.Marshal(result)
		if err != nil {
			return err
		}
		msg := &models.Message{
			ID:           uuid.NewString(),
			ThreadID:     threadID,
			Role:         models.RoleTool,
			Content:      string(payload),
			ToolCallID:   tc.ID,
			IsLLMMessage: true,
			Metadata:     map[string]any{"synthesized": true},
			CreatedAt:    time.Now(),
		}
		if err := tm.store.AppendMessage(ctx, msg); err != nil {
			return err
		}
		tm.logger.Info("synthesized missing tool result",
			"thread_id", threadID, "tool_call_id", tc.ID, "tool", tc.Name)
	}
	return nil
}
