package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kortix-ai/agentpress/internal/llm"
	"github.com/kortix-ai/agentpress/internal/store"
	"github.com/kortix-ai/agentpress/internal/tools"
	"github.com/kortix-ai/agentpress/pkg/models"
)

// FinishReasonXMLLimit is reported when a response hits the markup call cap.
const FinishReasonXMLLimit = "xml_tool_limit_reached"

// Processor converts one LLM response into a stream of events, dispatches
// tool executions under the configured policy, and persists the assistant
// message plus tool-result messages.
type Processor struct {
	registry *tools.Registry
	store    store.ThreadStore
	executor *Executor
	logger   *slog.Logger
}

// NewProcessor creates a response processor.
func NewProcessor(registry *tools.Registry, st store.ThreadStore, executor *Executor, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{registry: registry, store: st, executor: executor, logger: logger}
}

// resultRecord pairs an executed call with its result, in completion order.
type resultRecord struct {
	call   models.ToolCall
	result *models.ToolResult
}

// responseState carries the per-response buffers.
type responseState struct {
	accumulated strings.Builder
	window      string

	native *nativeCallBuffer

	// calls holds every completed call in parse order.
	calls []models.ToolCall

	// deferred queues calls for execution after the stream ends.
	deferred []models.ToolCall

	mu      sync.Mutex
	results []resultRecord
	wg      sync.WaitGroup

	finishReason string
	xmlCount     int
	limitHit     bool
}

func (s *responseState) addResult(call models.ToolCall, result *models.ToolResult) {
	s.mu.Lock()
	s.results = append(s.results, resultRecord{call: call, result: result})
	s.mu.Unlock()
}

// ProcessStream consumes a provider stream and yields events until the
// response is fully processed. The returned channel is closed when the
// response reaches a terminal state.
func (p *Processor) ProcessStream(ctx context.Context, threadID string, chunks <-chan *llm.Chunk, cfg ProcessorConfig) <-chan *Event {
	out := make(chan *Event, 64)
	go func() {
		defer close(out)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("response processor panicked",
					"thread_id", threadID,
					"panic", r,
					"stack", string(debug.Stack()))
				out <- errorEvent(fmt.Sprintf("internal error: %v", r))
			}
		}()
		p.process(ctx, threadID, chunks, cfg, out)
	}()
	return out
}

// ProcessResponse handles a whole, non-streamed response through the same
// path as streaming, as a single synthetic chunk.
func (p *Processor) ProcessResponse(ctx context.Context, threadID string, resp *llm.Response, cfg ProcessorConfig) <-chan *Event {
	chunks := make(chan *llm.Chunk, 2)
	chunk := &llm.Chunk{Text: resp.Content, FinishReason: resp.FinishReason}
	for i, tc := range resp.ToolCalls {
		args := string(tc.Arguments)
		if !json.Valid(tc.Arguments) {
			// The call is already committed by the provider; route the
			// broken arguments through the text fallback so the tool
			// fails visibly instead of the call vanishing.
			wrapped, err := json.Marshal(map[string]string{"text": args})
			if err == nil {
				args = string(wrapped)
			}
		}
		chunk.ToolCallDeltas = append(chunk.ToolCallDeltas, llm.ToolCallDelta{
			Index:          i,
			ID:             tc.ID,
			Name:           tc.Name,
			ArgumentsDelta: args,
		})
	}
	chunks <- chunk
	chunks <- &llm.Chunk{Done: true, InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens}
	close(chunks)
	return p.ProcessStream(ctx, threadID, chunks, cfg)
}

func (p *Processor) process(ctx context.Context, threadID string, chunks <-chan *llm.Chunk, cfg ProcessorConfig, out chan<- *Event) {
	st := &responseState{native: newNativeCallBuffer()}
	tags := p.registry.Tags()

	emit := func(ev *Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

loop:
	for {
		var chunk *llm.Chunk
		var ok bool
		select {
		case chunk, ok = <-chunks:
		case <-ctx.Done():
			p.drain(chunks)
			return
		}
		if !ok {
			break
		}
		if chunk.Err != nil {
			st.wg.Wait()
			emit(errorEvent(chunk.Err.Error()))
			return
		}

		if chunk.Text != "" {
			st.accumulated.WriteString(chunk.Text)
			st.window += chunk.Text
			if !emit(contentEvent(chunk.Text)) {
				p.drain(chunks)
				return
			}
		}

		if cfg.XMLToolCalling && !st.limitHit {
			if !p.scanMarkup(ctx, st, cfg, tags, false, emit) {
				p.drain(chunks)
				return
			}
			if st.limitHit {
				go p.drain(chunks)
				break loop
			}
		}

		if cfg.NativeToolCalling && len(chunk.ToolCallDeltas) > 0 {
			for _, call := range st.native.merge(chunk.ToolCallDeltas) {
				st.calls = append(st.calls, call)
				if !p.dispatch(ctx, st, cfg, call, emit) {
					p.drain(chunks)
					return
				}
			}
		}

		if chunk.FinishReason != "" && st.finishReason == "" {
			st.finishReason = chunk.FinishReason
		}
	}

	// Finalizing. Catch markup completed only by the last fragments, then
	// any native call that finished with the final deltas.
	if cfg.XMLToolCalling && !st.limitHit {
		if !p.scanMarkup(ctx, st, cfg, tags, true, emit) {
			return
		}
	}
	if cfg.NativeToolCalling {
		for _, call := range st.native.finalize() {
			st.calls = append(st.calls, call)
			st.deferred = append(st.deferred, call)
		}
	}

	// On-stream executions finish before the turn is closed out.
	st.wg.Wait()

	assistantID := p.persistAssistant(ctx, threadID, st)

	if st.limitHit {
		st.finishReason = FinishReasonXMLLimit
	}
	if st.finishReason != "" {
		if !emit(finishEvent(st.finishReason)) {
			return
		}
	}

	if cfg.ExecuteTools && len(st.deferred) > 0 {
		if !p.drainDeferred(ctx, st, cfg, emit) {
			return
		}
	}

	p.persistResults(ctx, threadID, assistantID, st, cfg)
}

// scanMarkup pulls complete markup chunks out of the scan window. Returns
// false when the context is gone.
func (p *Processor) scanMarkup(ctx context.Context, st *responseState, cfg ProcessorConfig, tags []string, final bool, emit func(*Event) bool) bool {
	for {
		m := findMarkup(st.window, tags, final)
		if m == nil {
			return true
		}
		remainder := st.window[m.end:]
		st.window = remainder

		tool, ok := p.registry.GetByTag(m.tag)
		if !ok {
			continue
		}
		args, valid := parseMarkupArgs(m, tool.XMLDescriptor(), tool.Schema(), p.logger)
		if !valid {
			continue
		}

		raw, err := json.Marshal(args)
		if err != nil {
			p.logger.Warn("markup arguments not serializable", "tag", m.tag, "error", err)
			continue
		}
		call := models.ToolCall{
			ID:        uuid.NewString(),
			Name:      tool.Name(),
			Arguments: json.RawMessage(raw),
			Source:    models.SourceXML,
			Markup:    m.chunk,
		}
		st.calls = append(st.calls, call)
		st.xmlCount++

		if !p.dispatch(ctx, st, cfg, call, emit) {
			return false
		}

		if cfg.MaxXMLToolCalls > 0 && st.xmlCount >= cfg.MaxXMLToolCalls {
			st.limitHit = true
			// Text past the capped call is dropped from the persisted
			// assistant message.
			full := st.accumulated.String()
			st.accumulated.Reset()
			st.accumulated.WriteString(strings.TrimSuffix(full, remainder))
			return true
		}
	}
}

// dispatch routes one completed call: immediate execution on stream, or the
// deferred queue. Returns false when the context is gone.
func (p *Processor) dispatch(ctx context.Context, st *responseState, cfg ProcessorConfig, call models.ToolCall, emit func(*Event) bool) bool {
	if !cfg.ExecuteTools {
		return true
	}
	if !cfg.ExecuteOnStream {
		st.deferred = append(st.deferred, call)
		return true
	}

	if !emit(toolStartedEvent(call.Name, decodeArguments(call))) {
		return false
	}
	if cfg.Strategy == StrategyParallel {
		st.wg.Add(1)
		go func() {
			defer st.wg.Done()
			result := p.executor.Execute(ctx, call)
			st.addResult(call, result)
			select {
			case <-ctx.Done():
			default:
				emit(toolResultEvent(call.Name, result.Output))
			}
		}()
		return true
	}

	result := p.executor.Execute(ctx, call)
	st.addResult(call, result)
	return emit(toolResultEvent(call.Name, result.Output))
}

// drainDeferred runs the deferred queue after the stream has ended.
// Returns false when the context is gone.
func (p *Processor) drainDeferred(ctx context.Context, st *responseState, cfg ProcessorConfig, emit func(*Event) bool) bool {
	if cfg.Strategy == StrategyParallel {
		// Start order matches parse order; results land in completion
		// order.
		var wg sync.WaitGroup
		done := make(chan resultRecord, len(st.deferred))
		for _, call := range st.deferred {
			if !emit(toolStartedEvent(call.Name, decodeArguments(call))) {
				return false
			}
			wg.Add(1)
			go func(call models.ToolCall) {
				defer wg.Done()
				done <- resultRecord{call: call, result: p.executor.Execute(ctx, call)}
			}(call)
		}
		go func() {
			wg.Wait()
			close(done)
		}()
		for rec := range done {
			st.addResult(rec.call, rec.result)
			if !emit(toolResultEvent(rec.call.Name, rec.result.Output)) {
				return false
			}
		}
		return true
	}

	for _, call := range st.deferred {
		if !emit(toolStartedEvent(call.Name, decodeArguments(call))) {
			return false
		}
		result := p.executor.Execute(ctx, call)
		st.addResult(call, result)
		if !emit(toolResultEvent(call.Name, result.Output)) {
			return false
		}
	}
	return true
}

// persistAssistant writes the turn's single assistant message. Failures are
// logged, never fatal; live subscribers still get the events.
func (p *Processor) persistAssistant(ctx context.Context, threadID string, st *responseState) string {
	var nativeCalls []models.ToolCall
	for _, call := range st.calls {
		if call.Source == models.SourceNative {
			nativeCalls = append(nativeCalls, call)
		}
	}

	msg := &models.Message{
		ID:           uuid.NewString(),
		ThreadID:     threadID,
		Role:         models.RoleAssistant,
		Content:      st.accumulated.String(),
		ToolCalls:    nativeCalls,
		IsLLMMessage: true,
		CreatedAt:    time.Now(),
	}
	if err := p.store.AppendMessage(ctx, msg); err != nil {
		p.logger.Error("failed to persist assistant message",
			"thread_id", threadID, "error", err)
	}
	return msg.ID
}

// persistResults writes one tool-result message per executed call. Native
// results use the tool role with the call id; markup results use the
// configured role.
func (p *Processor) persistResults(ctx context.Context, threadID, assistantID string, st *responseState, cfg ProcessorConfig) {
	st.mu.Lock()
	records := append([]resultRecord(nil), st.results...)
	st.mu.Unlock()

	for _, rec := range records {
		payload, err := json.Marshal(rec.result)
		if err != nil {
			p.logger.Error("failed to encode tool result", "tool", rec.call.Name, "error", err)
			continue
		}

		msg := &models.Message{
			ID:           uuid.NewString(),
			ThreadID:     threadID,
			Content:      string(payload),
			IsLLMMessage: true,
			Metadata: map[string]any{
				"assistant_message_id": assistantID,
				"tool_name":            rec.call.Name,
			},
			CreatedAt: time.Now(),
		}
		if rec.call.Source == models.SourceNative {
			msg.Role = models.RoleTool
			msg.ToolCallID = rec.call.ID
		} else {
			msg.Role = models.Role(cfg.xmlResultRole())
		}
		if err := p.store.AppendMessage(ctx, msg); err != nil {
			p.logger.Error("failed to persist tool result",
				"thread_id", threadID, "tool", rec.call.Name, "error", err)
		}
	}
}

// drain discards the rest of a provider stream so its goroutine can exit.
func (p *Processor) drain(chunks <-chan *llm.Chunk) {
	for range chunks {
	}
}
