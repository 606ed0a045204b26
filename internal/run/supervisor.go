package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kortix-ai/agentpress/internal/agent"
	"github.com/kortix-ai/agentpress/internal/observability"
	"github.com/kortix-ai/agentpress/internal/pubsub"
	"github.com/kortix-ai/agentpress/internal/store"
	"github.com/kortix-ai/agentpress/pkg/models"
)

// ErrAccessDenied is returned when the caller may not touch the thread.
var ErrAccessDenied = errors.New("thread access denied")

// BillingError carries the billing system's refusal message.
type BillingError struct {
	Message string
}

func (e *BillingError) Error() string { return "billing check failed: " + e.Message }

// VerifyAccessFunc checks that a user may act on a thread. Nil allows all.
type VerifyAccessFunc func(ctx context.Context, threadID, userID string) error

// CheckBillingFunc checks whether an account may start runs. Nil allows all.
type CheckBillingFunc func(ctx context.Context, accountID string) (allowed bool, message string, err error)

// defaultStreamIdleTimeout bounds how long a subscriber waits for the next
// event before the stream ends cleanly.
const defaultStreamIdleTimeout = 5 * time.Minute

// Options configures a Supervisor.
type Options struct {
	InstanceID string
	Store      store.Store
	Broker     pubsub.Broker
	Manager    *agent.ThreadManager
	Metrics    *observability.Metrics
	Logger     *slog.Logger

	VerifyAccess VerifyAccessFunc
	CheckBilling CheckBillingFunc

	// RunOptions is the per-run template; ThreadID is filled per start.
	RunOptions agent.RunThreadOptions

	StreamIdleTimeout time.Duration
}

// Supervisor owns the lifecycle of agent runs on this instance.
type Supervisor struct {
	opts    Options
	buffers *BufferRegistry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a supervisor. Call Shutdown to stop background
// tasks.
func NewSupervisor(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics()
	}
	if opts.StreamIdleTimeout <= 0 {
		opts.StreamIdleTimeout = defaultStreamIdleTimeout
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()[:8]
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		opts:    opts,
		buffers: NewBufferRegistry(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// InstanceID returns this supervisor's identity on the control bus.
func (s *Supervisor) InstanceID() string { return s.opts.InstanceID }

// Start authorizes and launches a run on a thread. A thread with a live run
// has it implicitly stopped first.
func (s *Supervisor) Start(ctx context.Context, threadID, userID string) (string, error) {
	thread, err := s.opts.Store.GetThread(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("load thread: %w", err)
	}
	if s.opts.VerifyAccess != nil {
		if err := s.opts.VerifyAccess(ctx, threadID, userID); err != nil {
			return "", err
		}
	}
	if s.opts.CheckBilling != nil {
		allowed, msg, err := s.opts.CheckBilling(ctx, thread.AccountID)
		if err != nil {
			return "", fmt.Errorf("billing check: %w", err)
		}
		if !allowed {
			return "", &BillingError{Message: msg}
		}
	}

	// At most one running run per thread.
	existing, err := s.opts.Store.ListRunsByThread(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("list runs: %w", err)
	}
	for _, r := range existing {
		if r.Status == models.RunStatusRunning {
			s.opts.Logger.Info("implicitly stopping live run",
				"thread_id", threadID, "run_id", r.ID)
			if err := s.Stop(ctx, r.ID); err != nil {
				s.opts.Logger.Warn("implicit stop failed", "run_id", r.ID, "error", err)
			}
		}
	}

	runID := uuid.NewString()
	if err := s.opts.Store.InsertRun(ctx, &models.AgentRun{
		ID:        runID,
		ThreadID:  threadID,
		Status:    models.RunStatusRunning,
		StartedAt: time.Now(),
	}); err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}

	task := &runTask{
		runID:      runID,
		threadID:   threadID,
		instanceID: s.opts.InstanceID,
		opts:       s.opts.RunOptions,
		store:      s.opts.Store,
		broker:     s.opts.Broker,
		manager:    s.opts.Manager,
		buffers:    s.buffers,
		metrics:    s.opts.Metrics,
		logger:     s.opts.Logger,
		buffer:     s.buffers.Create(runID),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		task.run(s.ctx)
	}()

	s.opts.Metrics.RunsStarted.Inc()
	s.opts.Logger.Info("run started", "run_id", runID, "thread_id", threadID)
	return runID, nil
}

// Stop signals a run to stop. Stopping an already-terminal run is a no-op.
func (s *Supervisor) Stop(ctx context.Context, runID string) error {
	run, err := s.opts.Store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run.Terminal() {
		return nil
	}

	// Write the terminal row here rather than waiting for the owning
	// task: the task may live on another instance or be gone entirely.
	// Terminal statuses are sticky in the store, so the task's own
	// write on exit becomes a no-op.
	if err := s.opts.Store.UpdateRunStatus(ctx, runID, models.RunStatusStopped, ""); err != nil {
		return fmt.Errorf("mark run stopped: %w", err)
	}

	// The signal reaches the owning task through either control channel.
	for _, ch := range []string{
		pubsub.ControlChannel(runID),
		pubsub.InstanceControlChannel(runID, s.opts.InstanceID),
	} {
		if err := s.opts.Broker.Publish(ctx, ch, StopSignal); err != nil {
			s.opts.Logger.Warn("failed to publish stop", "run_id", runID, "channel", ch, "error", err)
		}
	}
	return nil
}

// Get returns a run's metadata.
func (s *Supervisor) Get(ctx context.Context, runID string) (*models.AgentRun, error) {
	return s.opts.Store.GetRun(ctx, runID)
}

// ListByThread returns all runs for a thread.
func (s *Supervisor) ListByThread(ctx context.Context, threadID string) ([]*models.AgentRun, error) {
	if _, err := s.opts.Store.GetThread(ctx, threadID); err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	return s.opts.Store.ListRunsByThread(ctx, threadID)
}

// Stream returns the run's events: the buffered prefix first, then the live
// tail, until a terminal event or the idle timeout. The channel always
// closes cleanly; errors never surface mid-stream.
func (s *Supervisor) Stream(ctx context.Context, runID string) (<-chan *agent.Event, error) {
	if buffer := s.buffers.Get(runID); buffer != nil {
		return s.streamLocal(ctx, buffer), nil
	}

	run, err := s.opts.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	if run.Terminal() {
		return s.replayPersisted(ctx, run), nil
	}
	return s.streamRemote(ctx, run), nil
}

// streamLocal follows the in-memory buffer: replay by recorded length, then
// index forward as the task appends.
func (s *Supervisor) streamLocal(ctx context.Context, buffer *EventBuffer) <-chan *agent.Event {
	out := make(chan *agent.Event, 64)
	go func() {
		defer close(out)
		sent := 0
		deadline := time.NewTimer(s.opts.StreamIdleTimeout)
		defer deadline.Stop()

		for {
			for _, ev := range buffer.Slice(sent, buffer.Len()) {
				sent++
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Terminal() {
					return
				}
				deadline.Reset(s.opts.StreamIdleTimeout)
			}
			if buffer.Closed() && sent >= buffer.Len() {
				return
			}

			waitCtx, cancel := context.WithCancel(ctx)
			waitDone := make(chan bool, 1)
			go func() { waitDone <- buffer.Wait(waitCtx) }()
			select {
			case ok := <-waitDone:
				cancel()
				if !ok {
					return
				}
			case <-deadline.C:
				// A quiet stream ends cleanly, not with an error.
				cancel()
				<-waitDone
				return
			}
		}
	}()
	return out
}

// replayPersisted serves a finished run from its responses array.
func (s *Supervisor) replayPersisted(ctx context.Context, run *models.AgentRun) <-chan *agent.Event {
	out := make(chan *agent.Event, 64)
	go func() {
		defer close(out)
		for _, ev := range s.decodePersisted(run) {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// streamRemote follows a run owned by another instance: persisted prefix,
// then the pub/sub tail.
func (s *Supervisor) streamRemote(ctx context.Context, run *models.AgentRun) <-chan *agent.Event {
	out := make(chan *agent.Event, 64)
	go func() {
		defer close(out)

		sub, err := s.opts.Broker.Subscribe(ctx, pubsub.EventsChannel(run.ID))
		if err != nil {
			s.opts.Logger.Warn("event channel unavailable", "run_id", run.ID, "error", err)
			return
		}
		defer sub.Close()

		for _, ev := range s.decodePersisted(run) {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Terminal() {
				return
			}
		}

		idle := time.NewTimer(s.opts.StreamIdleTimeout)
		defer idle.Stop()
		for {
			select {
			case msg, ok := <-sub.C():
				if !ok {
					return
				}
				var ev agent.Event
				if err := json.Unmarshal([]byte(msg), &ev); err != nil {
					continue
				}
				select {
				case out <- &ev:
				case <-ctx.Done():
					return
				}
				if ev.Terminal() {
					return
				}
				idle.Reset(s.opts.StreamIdleTimeout)
			case <-idle.C:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (s *Supervisor) decodePersisted(run *models.AgentRun) []*agent.Event {
	var events []*agent.Event
	if len(run.Responses) > 0 {
		if err := json.Unmarshal(run.Responses, &events); err != nil {
			s.opts.Logger.Warn("unreadable responses array", "run_id", run.ID, "error", err)
		}
	}
	return events
}

// Restore marks every run left in running state as failed. Called once at
// startup; the engine never resumes runs across restarts.
func (s *Supervisor) Restore(ctx context.Context) error {
	runs, err := s.opts.Store.ListRunsByStatus(ctx, models.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("list running runs: %w", err)
	}
	for _, r := range runs {
		if err := s.opts.Store.UpdateRunStatus(ctx, r.ID, models.RunStatusFailed, "server restarted"); err != nil {
			s.opts.Logger.Error("failed to mark orphaned run", "run_id", r.ID, "error", err)
			continue
		}
		s.opts.Logger.Info("marked orphaned run as failed", "run_id", r.ID)
	}
	return nil
}

// Shutdown stops all run tasks and waits for them to clean up.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
