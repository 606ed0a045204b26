package run

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kortix-ai/agentpress/internal/agent"
	"github.com/kortix-ai/agentpress/internal/backoff"
	"github.com/kortix-ai/agentpress/internal/observability"
	"github.com/kortix-ai/agentpress/internal/pubsub"
	"github.com/kortix-ai/agentpress/internal/store"
	"github.com/kortix-ai/agentpress/pkg/models"
)

const (
	// StopSignal is the payload that stops a run through either control
	// channel.
	StopSignal = "STOP"

	// EndStreamSignal is published on the control channels when the run
	// task has fully exited.
	EndStreamSignal = "END_STREAM"

	activeRunTTL     = 10 * time.Second
	ttlRefreshEvery  = 3 * time.Second
	persistResponses = 2 * time.Second
	cleanupTimeout   = 10 * time.Second
)

// runTask drives one agent run to completion: it owns the event buffer,
// publishes every event, persists the growing responses array on a coarse
// schedule and reacts to stop signals from both control channels.
type runTask struct {
	runID      string
	threadID   string
	instanceID string
	opts       agent.RunThreadOptions

	store   store.Store
	broker  pubsub.Broker
	manager *agent.ThreadManager
	buffers *BufferRegistry
	metrics *observability.Metrics
	logger  *slog.Logger

	buffer  *EventBuffer
	stopped atomic.Bool
}

func (t *runTask) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopCh := make(chan struct{})
	var stopOnce sync.Once
	signalStop := func() { stopOnce.Do(func() { close(stopCh) }) }
	globalSub := t.watchControl(ctx, pubsub.ControlChannel(t.runID), signalStop)
	instanceSub := t.watchControl(ctx, pubsub.InstanceControlChannel(t.runID, t.instanceID), signalStop)

	key := pubsub.ActiveRunKey(t.instanceID, t.runID)
	if err := t.broker.SetWithTTL(ctx, key, t.instanceID, activeRunTTL); err != nil {
		t.logger.Warn("failed to register active-run key", "run_id", t.runID, "error", err)
	}
	refreshDone := make(chan struct{})
	go t.refreshLoop(ctx, key, refreshDone)

	opts := t.opts
	opts.ThreadID = t.threadID
	events := t.manager.RunThread(ctx, opts)

	var errMsg string
	lastPersist := time.Now()

consume:
	for {
		select {
		case <-stopCh:
			t.stopped.Store(true)
			break consume
		case ev, ok := <-events:
			if !ok {
				break consume
			}
			t.emit(ctx, ev)
			if ev.Type == agent.EventError {
				errMsg = ev.Message
			}
			if time.Since(lastPersist) >= persistResponses {
				t.persistBuffer(ctx)
				lastPersist = time.Now()
			}
		}
	}

	// Unwind the producer; any in-flight tool finishes on its own but its
	// result may no longer reach the stream.
	cancel()
	go func() {
		for range events {
		}
	}()

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cleanupCancel()

	status := models.RunStatusCompleted
	switch {
	case t.stopped.Load():
		status = models.RunStatusStopped
	case errMsg != "":
		status = models.RunStatusFailed
	}

	t.emit(cleanupCtx, agent.StatusEvent(string(status)))
	t.persistBuffer(cleanupCtx)

	if err := t.store.UpdateRunStatus(cleanupCtx, t.runID, status, errMsg); err != nil {
		t.logger.Error("failed to write terminal run status",
			"run_id", t.runID, "status", status, "error", err)
	}
	t.metrics.RunsFinished.WithLabelValues(string(status)).Inc()
	t.logger.Info("run finished", "run_id", t.runID, "thread_id", t.threadID, "status", status)

	for _, ch := range []string{
		pubsub.ControlChannel(t.runID),
		pubsub.InstanceControlChannel(t.runID, t.instanceID),
	} {
		if err := t.broker.Publish(cleanupCtx, ch, EndStreamSignal); err != nil {
			t.logger.Warn("failed to publish end-stream", "run_id", t.runID, "channel", ch, "error", err)
		}
	}

	if globalSub != nil {
		_ = globalSub.Close()
	}
	if instanceSub != nil {
		_ = instanceSub.Close()
	}
	<-refreshDone
	if err := t.broker.Delete(cleanupCtx, key); err != nil {
		t.logger.Warn("failed to delete active-run key", "run_id", t.runID, "error", err)
	}
	t.buffers.Remove(t.runID)
}

// emit appends to the buffer first, then publishes; subscribers replaying
// the buffer and following the channel therefore see one total order.
func (t *runTask) emit(ctx context.Context, ev *agent.Event) {
	t.buffer.Append(ev)
	if err := t.broker.Publish(ctx, pubsub.EventsChannel(t.runID), ev.Encode()); err != nil {
		t.logger.Warn("failed to publish event", "run_id", t.runID, "type", ev.Type, "error", err)
	}
	t.metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
}

// watchControl subscribes to a control channel with bounded retries. A
// subscribe failure leaves the run running but not stoppable through that
// channel.
func (t *runTask) watchControl(ctx context.Context, channel string, signalStop func()) pubsub.Subscription {
	var sub pubsub.Subscription
	var err error
	policy := backoff.DefaultPolicy()
	for attempt := 1; attempt <= 3; attempt++ {
		sub, err = t.broker.Subscribe(ctx, channel)
		if err == nil {
			break
		}
		if backoff.SleepAttempt(ctx, policy, attempt) != nil {
			return nil
		}
	}
	if err != nil {
		t.logger.Error("control channel unavailable", "run_id", t.runID, "channel", channel, "error", err)
		return nil
	}

	go func() {
		for msg := range sub.C() {
			if msg == StopSignal {
				signalStop()
				return
			}
		}
	}()
	return sub
}

func (t *runTask) refreshLoop(ctx context.Context, key string, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(ttlRefreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.broker.Refresh(ctx, key, activeRunTTL); err != nil {
				t.logger.Warn("failed to refresh active-run key", "run_id", t.runID, "error", err)
			}
		}
	}
}

// persistBuffer writes the whole event array to the run row so a late
// subscriber can replay after process loss. Loss here is tolerable; one
// retry, then wait for the next flush.
func (t *runTask) persistBuffer(ctx context.Context) {
	events := t.buffer.Slice(0, t.buffer.Len())
	payload, err := json.Marshal(events)
	if err != nil {
		t.logger.Error("failed to encode responses", "run_id", t.runID, "error", err)
		return
	}
	for attempt := 0; attempt < 2; attempt++ {
		if err = t.store.UpdateRunResponses(ctx, t.runID, payload); err == nil {
			return
		}
	}
	t.logger.Warn("failed to persist responses", "run_id", t.runID, "error", err)
}
