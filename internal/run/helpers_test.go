package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kortix-ai/agentpress/internal/agent"
	"github.com/kortix-ai/agentpress/internal/llm"
	"github.com/kortix-ai/agentpress/internal/observability"
	"github.com/kortix-ai/agentpress/internal/pubsub"
	"github.com/kortix-ai/agentpress/internal/store"
	"github.com/kortix-ai/agentpress/internal/tools"
	"github.com/kortix-ai/agentpress/pkg/models"
)

// scriptProvider pops one script per Complete call. A nil script streams
// content forever until the context ends; a non-nil gate pauses the stream
// at gateAt until the gate closes.
type scriptProvider struct {
	mu      sync.Mutex
	scripts [][]llm.Chunk

	gate   chan struct{}
	gateAt int
}

func contentScript(n int) []llm.Chunk {
	chunks := make([]llm.Chunk, 0, n+1)
	for i := 0; i < n; i++ {
		chunks = append(chunks, llm.Chunk{Text: fmt.Sprintf("c%02d ", i)})
	}
	chunks = append(chunks, llm.Chunk{FinishReason: llm.FinishReasonStop, Done: true})
	return chunks
}

func (p *scriptProvider) Complete(ctx context.Context, _ *llm.Request) (<-chan *llm.Chunk, error) {
	p.mu.Lock()
	if len(p.scripts) == 0 {
		p.mu.Unlock()
		return nil, errors.New("no script queued")
	}
	script := p.scripts[0]
	p.scripts = p.scripts[1:]
	gate, gateAt := p.gate, p.gateAt
	p.gate = nil
	p.mu.Unlock()

	out := make(chan *llm.Chunk)
	go func() {
		defer close(out)
		if script == nil {
			ticker := time.NewTicker(2 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					select {
					case out <- &llm.Chunk{Text: "tick "}:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}
		for i := range script {
			if gate != nil && i == gateAt {
				select {
				case <-gate:
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- &script[i]:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (p *scriptProvider) CompleteOnce(context.Context, *llm.Request) (*llm.Response, error) {
	return nil, errors.New("not scripted")
}

func (p *scriptProvider) Name() string { return "scripted" }

type fixture struct {
	store      *store.MemoryStore
	broker     *pubsub.MemoryBroker
	provider   *scriptProvider
	supervisor *Supervisor
}

func newFixture(t *testing.T, provider *scriptProvider) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()
	broker := pubsub.NewMemoryBroker()
	registry := tools.NewRegistry()
	executor := agent.NewExecutor(registry, agent.ExecutorOptions{Logger: logger})
	processor := agent.NewProcessor(registry, st, executor, logger)
	manager := agent.NewThreadManager(st, provider, registry, processor, nil, logger)

	sup := NewSupervisor(Options{
		InstanceID: "test-inst",
		Store:      st,
		Broker:     broker,
		Manager:    manager,
		Metrics:    observability.NewMetricsWith(prometheus.NewRegistry()),
		Logger:     logger,
		RunOptions: agent.RunThreadOptions{
			SystemPrompt: "You are a test agent.",
			Stream:       true,
			Model:        "test-model",
			Config:       agent.DefaultProcessorConfig(),
		},
		StreamIdleTimeout: 5 * time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return &fixture{store: st, broker: broker, provider: provider, supervisor: sup}
}

func (f *fixture) seedThread(t *testing.T, threadID string) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.CreateThread(ctx, &models.Thread{
		ID:        threadID,
		AccountID: "acct-1",
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if err := f.store.AppendMessage(ctx, &models.Message{
		ID:           "msg-1",
		ThreadID:     threadID,
		Role:         models.RoleUser,
		Content:      "hello",
		IsLLMMessage: true,
		CreatedAt:    time.Now(),
	}); err != nil {
		t.Fatalf("append message: %v", err)
	}
}

// collect drains a stream until it closes, failing the test on timeout.
func collect(t *testing.T, ch <-chan *agent.Event) []*agent.Event {
	t.Helper()
	var events []*agent.Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("stream did not close; got %d events", len(events))
		}
	}
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
