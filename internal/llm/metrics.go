package llm

import (
	"time"

	"github.com/kortix-ai/agentpress/internal/observability"
)

// observeRequest records one completed LLM call. Nil metrics are a no-op so
// providers work unwired in tests.
func observeRequest(m *observability.Metrics, provider, model string, start time.Time) {
	if m == nil {
		return
	}
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(time.Since(start).Seconds())
}

func recordUsage(m *observability.Metrics, provider, model string, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	if inputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(outputTokens))
	}
}
