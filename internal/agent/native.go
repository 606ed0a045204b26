package agent

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/kortix-ai/agentpress/internal/llm"
	"github.com/kortix-ai/agentpress/pkg/models"
)

// nativeCallBuffer assembles native tool calls from streamed fragments,
// keyed by the provider-assigned index. A call is complete when it has an
// id, a name and arguments that parse as JSON.
type nativeCallBuffer struct {
	partial map[int]*partialCall
}

type partialCall struct {
	index    int
	id       string
	name     string
	args     strings.Builder
	complete bool
}

func newNativeCallBuffer() *nativeCallBuffer {
	return &nativeCallBuffer{partial: make(map[int]*partialCall)}
}

// merge folds a batch of deltas in and returns the calls that became
// complete, in index order.
func (b *nativeCallBuffer) merge(deltas []llm.ToolCallDelta) []models.ToolCall {
	touched := make(map[int]bool)
	for _, d := range deltas {
		pc, ok := b.partial[d.Index]
		if !ok {
			pc = &partialCall{index: d.Index}
			b.partial[d.Index] = pc
		}
		if d.ID != "" {
			pc.id = d.ID
		}
		if d.Name != "" {
			pc.name = d.Name
		}
		if d.ArgumentsDelta != "" {
			pc.args.WriteString(d.ArgumentsDelta)
		}
		touched[d.Index] = true
	}

	var indexes []int
	for idx := range touched {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	var completed []models.ToolCall
	for _, idx := range indexes {
		pc := b.partial[idx]
		if pc.complete || !pc.isComplete() {
			continue
		}
		pc.complete = true
		completed = append(completed, pc.toCall())
	}
	return completed
}

func (pc *partialCall) isComplete() bool {
	if pc.id == "" || pc.name == "" {
		return false
	}
	return json.Valid([]byte(pc.args.String()))
}

func (pc *partialCall) toCall() models.ToolCall {
	return models.ToolCall{
		ID:        pc.id,
		Name:      pc.name,
		Arguments: json.RawMessage(pc.args.String()),
		Source:    models.SourceNative,
	}
}

// finalize returns any calls that completed only with the last fragments.
// Entries still incomplete at stream end are discarded.
func (b *nativeCallBuffer) finalize() []models.ToolCall {
	var indexes []int
	for idx, pc := range b.partial {
		if !pc.complete && pc.isComplete() {
			indexes = append(indexes, idx)
		}
	}
	sort.Ints(indexes)

	var completed []models.ToolCall
	for _, idx := range indexes {
		pc := b.partial[idx]
		pc.complete = true
		completed = append(completed, pc.toCall())
	}
	return completed
}

// decodeArguments turns a call's argument JSON into the map handed to the
// tool. Arguments that fail to decode fall back to {"text": raw}.
func decodeArguments(call models.ToolCall) map[string]any {
	var args map[string]any
	if err := json.Unmarshal(call.Arguments, &args); err != nil || args == nil {
		return map[string]any{"text": string(call.Arguments)}
	}
	return args
}
