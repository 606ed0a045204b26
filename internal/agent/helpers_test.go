package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kortix-ai/agentpress/internal/llm"
	"github.com/kortix-ai/agentpress/internal/store"
	"github.com/kortix-ai/agentpress/internal/tools"
	"github.com/kortix-ai/agentpress/pkg/models"
)

// scriptedProvider replays pre-built chunk sequences, one per Complete
// call, in order.
type scriptedProvider struct {
	mu      sync.Mutex
	scripts [][]llm.Chunk
	reqs    []*llm.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req *llm.Request) (<-chan *llm.Chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.scripts) == 0 {
		return nil, fmt.Errorf("no scripted response left")
	}
	script := p.scripts[0]
	p.scripts = p.scripts[1:]
	p.reqs = append(p.reqs, req)

	ch := make(chan *llm.Chunk, len(script))
	for i := range script {
		ch <- &script[i]
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) CompleteOnce(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	chunks, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	resp := &llm.Response{}
	buf := newNativeCallBuffer()
	for c := range chunks {
		resp.Content += c.Text
		resp.ToolCalls = append(resp.ToolCalls, buf.merge(c.ToolCallDeltas)...)
		if c.FinishReason != "" {
			resp.FinishReason = c.FinishReason
		}
	}
	return resp, nil
}

func (p *scriptedProvider) requests() []*llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*llm.Request(nil), p.reqs...)
}

// echoTool is a native-only tool returning its text argument.
type echoTool struct{}

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "Echo text back." }
func (t *echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
}
func (t *echoTool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	text, ok := args["text"].(string)
	if !ok {
		return tools.Failure(t.Name(), "text argument missing or not a string"), nil
	}
	return tools.Success(t.Name(), text), nil
}

// createFileTool is a markup tool with a path attribute and body content.
type createFileTool struct {
	mu      sync.Mutex
	created []string
	delays  map[string]time.Duration
}

func (t *createFileTool) Name() string        { return "create_file" }
func (t *createFileTool) Description() string { return "Create a file with the given content." }
func (t *createFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path"]}`)
}
func (t *createFileTool) XMLDescriptor() *tools.XMLDescriptor {
	return &tools.XMLDescriptor{
		TagName: "create-file",
		Params: []tools.ParamMapping{
			{Name: "path", Kind: tools.ParamAttribute},
			{Name: "content", Kind: tools.ParamContent},
		},
		Example: `<create-file path="hello.txt">contents</create-file>`,
	}
}
func (t *createFileTool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	path, _ := args["path"].(string)
	t.mu.Lock()
	delay := t.delays[path]
	t.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return tools.Failure(t.Name(), "canceled"), nil
		}
	}
	t.mu.Lock()
	t.created = append(t.created, path)
	t.mu.Unlock()
	return tools.Success(t.Name(), "created "+path), nil
}

// waitStubTool records invocations of the wait markup tag without sleeping.
type waitStubTool struct {
	mu    sync.Mutex
	count int
}

func (t *waitStubTool) Name() string        { return "wait" }
func (t *waitStubTool) Description() string { return "Pause briefly." }
func (t *waitStubTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"seconds":{"type":"number"}},"required":["seconds"]}`)
}
func (t *waitStubTool) XMLDescriptor() *tools.XMLDescriptor {
	return &tools.XMLDescriptor{
		TagName: "wait",
		Params:  []tools.ParamMapping{{Name: "seconds", Kind: tools.ParamAttribute}},
		Example: `<wait seconds="1"/>`,
	}
}
func (t *waitStubTool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	t.mu.Lock()
	t.count++
	t.mu.Unlock()
	return tools.Success(t.Name(), "waited"), nil
}

type fixture struct {
	store     *store.MemoryStore
	registry  *tools.Registry
	processor *Processor
	provider  *scriptedProvider
	manager   *ThreadManager
}

func newFixture(t *testing.T, toolset ...tools.Tool) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	registry := tools.NewRegistry()
	if err := registry.RegisterAll(toolset...); err != nil {
		t.Fatalf("register tools: %v", err)
	}
	executor := NewExecutor(registry, ExecutorOptions{Timeout: 5 * time.Second})
	processor := NewProcessor(registry, st, executor, nil)
	provider := &scriptedProvider{}
	manager := NewThreadManager(st, provider, registry, processor, nil, nil)
	return &fixture{
		store:     st,
		registry:  registry,
		processor: processor,
		provider:  provider,
		manager:   manager,
	}
}

func collectEvents(t *testing.T, ch <-chan *Event) []*Event {
	t.Helper()
	var events []*Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events; got %d so far", len(events))
		}
	}
}

func eventTypes(events []*Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func chunksFrom(script ...llm.Chunk) <-chan *llm.Chunk {
	ch := make(chan *llm.Chunk, len(script))
	for i := range script {
		ch <- &script[i]
	}
	close(ch)
	return ch
}

func messagesByRole(t *testing.T, st *store.MemoryStore, threadID string, role models.Role) []*models.Message {
	t.Helper()
	msgs, err := st.ListMessages(context.Background(), threadID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	var out []*models.Message
	for _, m := range msgs {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}
