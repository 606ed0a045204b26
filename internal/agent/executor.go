package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/kortix-ai/agentpress/internal/observability"
	"github.com/kortix-ai/agentpress/internal/tools"
	"github.com/kortix-ai/agentpress/pkg/models"
)

const (
	defaultToolTimeout     = 2 * time.Minute
	defaultToolConcurrency = 8
)

// Executor runs individual tool calls with a concurrency cap, a per-call
// timeout and panic containment. A tool failure of any kind becomes a
// failed result; Execute never returns an error to the caller.
type Executor struct {
	registry *tools.Registry
	logger   *slog.Logger
	metrics  *observability.Metrics
	sem      chan struct{}
	timeout  time.Duration
}

// ExecutorOptions configures an Executor. Zero values use defaults.
type ExecutorOptions struct {
	MaxConcurrency int
	Timeout        time.Duration
	Logger         *slog.Logger
	Metrics        *observability.Metrics
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *tools.Registry, opts ExecutorOptions) *Executor {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = defaultToolConcurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultToolTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		sem:      make(chan struct{}, opts.MaxConcurrency),
		timeout:  opts.Timeout,
	}
}

// Execute runs one call to completion and returns its normalized result.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) *models.ToolResult {
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return e.withID(call, tools.Failure(call.Name, "tool execution canceled: "+ctx.Err().Error()))
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	result := e.run(execCtx, call)
	if execCtx.Err() == context.DeadlineExceeded && !result.Success {
		result = tools.Failure(call.Name, fmt.Sprintf("tool timed out after %s", e.timeout))
	}
	if e.metrics != nil {
		status := "success"
		if !result.Success {
			status = "error"
		}
		e.metrics.ToolExecutions.WithLabelValues(call.Name, status).Inc()
	}
	return e.withID(call, result)
}

func (e *Executor) run(ctx context.Context, call models.ToolCall) (result *models.ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panicked",
				"tool", call.Name,
				"panic", r,
				"stack", string(debug.Stack()))
			result = tools.Failure(call.Name, fmt.Sprintf("tool panicked: %v", r))
		}
	}()

	res, err := e.registry.Execute(ctx, call.Name, decodeArguments(call))
	if err != nil {
		e.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
		return tools.Failure(call.Name, err.Error())
	}
	if res == nil {
		return tools.Failure(call.Name, "tool returned no result")
	}
	return res
}

func (e *Executor) withID(call models.ToolCall, result *models.ToolResult) *models.ToolResult {
	if call.Source == models.SourceNative {
		result.ToolCallID = call.ID
	}
	return result
}
