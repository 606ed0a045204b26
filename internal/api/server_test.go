package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kortix-ai/agentpress/internal/agent"
	"github.com/kortix-ai/agentpress/internal/llm"
	"github.com/kortix-ai/agentpress/internal/observability"
	"github.com/kortix-ai/agentpress/internal/pubsub"
	"github.com/kortix-ai/agentpress/internal/run"
	"github.com/kortix-ai/agentpress/internal/store"
	"github.com/kortix-ai/agentpress/internal/tools"
	"github.com/kortix-ai/agentpress/pkg/models"
)

// stubProvider streams a fixed reply for every call.
type stubProvider struct {
	text string
}

func (p *stubProvider) Complete(ctx context.Context, _ *llm.Request) (<-chan *llm.Chunk, error) {
	out := make(chan *llm.Chunk, 4)
	go func() {
		defer close(out)
		for _, word := range strings.SplitAfter(p.text, " ") {
			select {
			case out <- &llm.Chunk{Text: word}:
			case <-ctx.Done():
				return
			}
		}
		out <- &llm.Chunk{FinishReason: llm.FinishReasonStop, Done: true}
	}()
	return out, nil
}

func (p *stubProvider) CompleteOnce(context.Context, *llm.Request) (*llm.Response, error) {
	return nil, errors.New("not implemented")
}

func (p *stubProvider) Name() string { return "stub" }

type testEnv struct {
	store      *store.MemoryStore
	supervisor *run.Supervisor
	server     *httptest.Server
}

func newTestEnv(t *testing.T, opts func(*run.Options)) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()
	registry := tools.NewRegistry()
	executor := agent.NewExecutor(registry, agent.ExecutorOptions{Logger: logger})
	processor := agent.NewProcessor(registry, st, executor, logger)
	manager := agent.NewThreadManager(st, &stubProvider{text: "hello from the agent"}, registry, processor, nil, logger)

	supOpts := run.Options{
		InstanceID: "api-test",
		Store:      st,
		Broker:     pubsub.NewMemoryBroker(),
		Manager:    manager,
		Metrics:    observability.NewMetricsWith(prometheus.NewRegistry()),
		Logger:     logger,
		RunOptions: agent.RunThreadOptions{
			SystemPrompt: "test",
			Stream:       true,
			Model:        "test-model",
			Config:       agent.DefaultProcessorConfig(),
		},
	}
	if opts != nil {
		opts(&supOpts)
	}
	sup := run.NewSupervisor(supOpts)

	srv := NewServer(Config{
		Supervisor: sup,
		Metrics:    observability.NewMetricsWith(prometheus.NewRegistry()),
		Logger:     logger,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return &testEnv{store: st, supervisor: sup, server: ts}
}

func (e *testEnv) seedThread(t *testing.T, threadID string) {
	t.Helper()
	ctx := context.Background()
	if err := e.store.CreateThread(ctx, &models.Thread{ID: threadID, AccountID: "acct-1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if err := e.store.AppendMessage(ctx, &models.Message{
		ID: "msg-1", ThreadID: threadID, Role: models.RoleUser,
		Content: "hi", IsLLMMessage: true, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("append message: %v", err)
	}
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", resp.StatusCode, body)
	}
}

func TestStartRunAndGetStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedThread(t, "thread-1")

	resp, err := http.Post(env.server.URL+"/api/thread/thread-1/agent/start", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	var started map[string]string
	decodeBody(t, resp, &started)
	runID := started["agent_run_id"]
	if runID == "" {
		t.Fatal("no agent_run_id in response")
	}
	if started["status"] != string(models.RunStatusRunning) {
		t.Fatalf("start status field = %q, want running", started["status"])
	}

	deadline := time.Now().Add(5 * time.Second)
	var got runResponse
	for {
		resp, err := http.Get(env.server.URL + "/api/agent-run/" + runID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("get run status = %d", resp.StatusCode)
		}
		decodeBody(t, resp, &got)
		if got.Status == string(models.RunStatusCompleted) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never completed, status %q", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got.ThreadID != "thread-1" || got.CompletedAt == nil {
		t.Fatalf("run response = %+v", got)
	}
}

func TestStartRunErrors(t *testing.T) {
	env := newTestEnv(t, func(o *run.Options) {
		o.VerifyAccess = func(ctx context.Context, threadID, userID string) error {
			if userID != "owner" {
				return run.ErrAccessDenied
			}
			return nil
		}
		o.CheckBilling = func(ctx context.Context, accountID string) (bool, string, error) {
			return false, "payment required", nil
		}
	})
	env.seedThread(t, "thread-1")

	resp, err := http.Post(env.server.URL+"/api/thread/missing/agent/start", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing thread = %d, want 404", resp.StatusCode)
	}

	resp, err = http.Post(env.server.URL+"/api/thread/thread-1/agent/start", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("no access = %d, want 403", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/api/thread/thread-1/agent/start", nil)
	req.Header.Set("X-User-ID", "owner")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("billing = %d, want 402", resp.StatusCode)
	}
	if !strings.Contains(body["error"], "payment required") {
		t.Fatalf("billing body = %v", body)
	}
}

func TestStopRun(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	// A running row with no owning task on this instance still stops.
	if err := env.store.InsertRun(ctx, &models.AgentRun{
		ID:        "run-1",
		ThreadID:  "thread-1",
		Status:    models.RunStatusRunning,
		StartedAt: time.Now(),
	}); err != nil {
		t.Fatalf("insert run: %v", err)
	}

	resp, err := http.Post(env.server.URL+"/api/agent-run/run-1/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["status"] != string(models.RunStatusStopped) {
		t.Fatalf("stop body status = %q, want stopped", body["status"])
	}

	got, err := env.store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != models.RunStatusStopped || got.CompletedAt == nil {
		t.Fatalf("run row = %+v, want stopped with completed_at", got)
	}
}

func TestStopRunNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Post(env.server.URL+"/api/agent-run/missing/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stop missing = %d, want 404", resp.StatusCode)
	}
}

func TestListRuns(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedThread(t, "thread-1")
	ctx := context.Background()

	runID, err := env.supervisor.Start(ctx, "thread-1", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	resp, err := http.Get(env.server.URL + "/api/thread/thread-1/agent-runs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var body struct {
		AgentRuns []runResponse `json:"agent_runs"`
	}
	decodeBody(t, resp, &body)
	if len(body.AgentRuns) != 1 || body.AgentRuns[0].ID != runID {
		t.Fatalf("agent_runs = %+v", body.AgentRuns)
	}

	resp, err = http.Get(env.server.URL + "/api/thread/missing/agent-runs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing thread = %d, want 404", resp.StatusCode)
	}
}

func TestStreamRunSSE(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedThread(t, "thread-1")

	runID, err := env.supervisor.Start(context.Background(), "thread-1", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	resp, err := http.Get(env.server.URL + "/api/agent-run/" + runID + "/stream")
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	var events []agent.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev agent.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad event line %q: %v", line, err)
		}
		events = append(events, ev)
		if ev.Terminal() {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(events) == 0 {
		t.Fatal("no events received")
	}
	var text strings.Builder
	for _, ev := range events {
		if ev.Type == agent.EventContent {
			text.WriteString(ev.Content)
		}
	}
	if text.String() != "hello from the agent" {
		t.Fatalf("streamed text = %q", text.String())
	}
	last := events[len(events)-1]
	if !last.Terminal() || last.Status != string(models.RunStatusCompleted) {
		t.Fatalf("last event = %+v", last)
	}

	resp, err = http.Get(env.server.URL + "/api/agent-run/missing/stream")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing run stream = %d, want 404", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedThread(t, "thread-1")

	resp, err := http.Get(env.server.URL + "/api/thread/thread-1/agent/start")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET start = %d, want 405", resp.StatusCode)
	}
}
