package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kortix-ai/agentpress/internal/llm"
	"github.com/kortix-ai/agentpress/pkg/models"
)

// DefaultTokenThreshold triggers summarization when the prompt estimate
// crosses it.
const DefaultTokenThreshold = 120000

const summaryInstruction = `Summarize the conversation so far for your own future reference. Preserve: the user's goals and constraints, decisions made, important facts and identifiers, tool actions taken and their outcomes, and any unresolved questions. Be thorough but concise. Reply with only the summary.`

// ContextManager watches prompt size and inserts summary messages that
// truncate effective history.
type ContextManager struct {
	provider  llm.Provider
	threshold int
	logger    *slog.Logger
}

// NewContextManager creates a context manager. A non-positive threshold
// uses the default.
func NewContextManager(provider llm.Provider, threshold int, logger *slog.Logger) *ContextManager {
	if threshold <= 0 {
		threshold = DefaultTokenThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextManager{provider: provider, threshold: threshold, logger: logger}
}

// CheckAndSummarize counts tokens for the effective history plus system
// prompt and, above the threshold or when forced, writes a summary message
// that supersedes everything before it. Returns whether a summary was
// written.
func (cm *ContextManager) CheckAndSummarize(ctx context.Context, threadID string, tm *ThreadManager, systemPrompt, model string, force bool) (bool, error) {
	history, err := tm.GetLLMMessages(ctx, threadID)
	if err != nil {
		return false, fmt.Errorf("load history: %w", err)
	}
	if len(history) == 0 {
		return false, nil
	}

	prompt := append([]llm.Message{{Role: models.RoleSystem, Content: systemPrompt}}, history...)
	count, err := CountTokens(model, prompt)
	if err != nil {
		return false, fmt.Errorf("count tokens: %w", err)
	}
	if count < cm.threshold && !force {
		return false, nil
	}

	cm.logger.Info("summarizing thread",
		"thread_id", threadID, "tokens", count, "threshold", cm.threshold)

	summary, err := cm.summarize(ctx, history, model)
	if err != nil {
		return false, fmt.Errorf("summarize: %w", err)
	}

	content := "Summary of the conversation so far:\n\n" + summary
	if _, err := tm.AddMessage(ctx, threadID, models.RoleSummary, content, true, map[string]any{
		"token_count_before": count,
	}); err != nil {
		return false, fmt.Errorf("write summary: %w", err)
	}
	return true, nil
}

func (cm *ContextManager) summarize(ctx context.Context, history []llm.Message, model string) (string, error) {
	// Tool-role messages are folded into plain text; the summarization
	// call carries no tool linkage.
	var b strings.Builder
	for _, m := range history {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&b, "\n[called tool %s with %s]", tc.Name, tc.Arguments)
		}
		b.WriteString("\n\n")
	}

	resp, err := cm.provider.CompleteOnce(ctx, &llm.Request{
		Model: model,
		Messages: []llm.Message{
			{Role: models.RoleSystem, Content: summaryInstruction},
			{Role: models.RoleUser, Content: b.String()},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}
	if resp.Content == "" {
		return "", fmt.Errorf("empty summary response")
	}
	return resp.Content, nil
}
