package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kortix-ai/agentpress/internal/llm"
	"github.com/kortix-ai/agentpress/pkg/models"
)

// Argument limits applied before execution.
const (
	MaxToolNameLength = 256
	MaxToolArgsSize   = 10 << 20
)

// Registry holds the tools available to a run. It maintains two indexes:
// native function names and markup tag names. Registration fails fast on a
// collision in either index so a misconfigured toolset cannot silently
// shadow a tool.
type Registry struct {
	mu     sync.RWMutex
	native map[string]Tool
	xml    map[string]XMLTool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		native: make(map[string]Tool),
		xml:    make(map[string]XMLTool),
	}
}

// Register adds a tool under its native name, and under its markup tag when
// it implements XMLTool.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool has empty name")
	}
	if _, exists := r.native[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}

	if xt, ok := tool.(XMLTool); ok {
		if desc := xt.XMLDescriptor(); desc != nil {
			if desc.TagName == "" {
				return fmt.Errorf("tool %q has empty markup tag", name)
			}
			if prev, exists := r.xml[desc.TagName]; exists {
				return fmt.Errorf("markup tag %q already registered by tool %q", desc.TagName, prev.Name())
			}
			r.xml[desc.TagName] = xt
		}
	}

	r.native[name] = tool
	return nil
}

// RegisterAll registers several tools, stopping at the first failure.
func (r *Registry) RegisterAll(tools ...Tool) error {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// RegisterFiltered registers only the named tools from the given set. An
// empty allow-list registers everything.
func (r *Registry) RegisterFiltered(toolset []Tool, allowed ...string) error {
	if len(allowed) == 0 {
		return r.RegisterAll(toolset...)
	}
	allow := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		allow[name] = true
	}
	for _, t := range toolset {
		if allow[t.Name()] {
			if err := r.Register(t); err != nil {
				return err
			}
		}
	}
	return nil
}

// Get returns a tool by native name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.native[name]
	return t, ok
}

// GetByTag returns a tool by markup tag name.
func (r *Registry) GetByTag(tag string) (XMLTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.xml[tag]
	return t, ok
}

// Tags returns all registered markup tag names.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.xml))
	for tag := range r.xml {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// NativeDefinitions returns tool definitions for the LLM request, sorted by
// name for a stable prompt.
func (r *Registry) NativeDefinitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.native))
	for _, t := range r.native {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// XMLExamples renders the usage examples of all markup tools for inclusion
// in the system prompt. Empty when no markup tools are registered.
func (r *Registry) XMLExamples() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.xml))
	for tag := range r.xml {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	var b strings.Builder
	for _, tag := range tags {
		desc := r.xml[tag].XMLDescriptor()
		if desc.Example == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(desc.Example)
	}
	return b.String()
}

// Execute runs a tool by native name with validated arguments. Lookup
// failures and validation failures come back as failed results, not errors;
// an error return means execution itself broke.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (*models.ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return Failure(name, fmt.Sprintf("tool name exceeds %d characters", MaxToolNameLength)), nil
	}

	tool, ok := r.Get(name)
	if !ok {
		return Failure(name, "tool not found: "+name), nil
	}

	if err := validateArgs(tool.Schema(), args); err != nil {
		return Failure(name, "invalid arguments: "+err.Error()), nil
	}
	return tool.Execute(ctx, args)
}
