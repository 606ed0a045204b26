// Package tools defines the tool abstraction, the dual-index registry that
// resolves both native function names and markup tag names, and schema
// generation and validation for tool arguments.
package tools

import (
	"context"
	"encoding/json"

	"github.com/kortix-ai/agentpress/pkg/models"
)

// Tool is a callable capability exposed to the model. Execute receives
// decoded arguments and returns a result; an error return means the tool
// itself could not run, not that it ran and failed.
type Tool interface {
	Name() string
	Description() string

	// Schema returns the JSON schema for the tool's arguments.
	Schema() json.RawMessage

	Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error)
}

// XMLTool is a Tool that can also be invoked through markup tags embedded
// in assistant text.
type XMLTool interface {
	Tool
	XMLDescriptor() *XMLDescriptor
}

// ParamKind says where in the markup a parameter's value comes from.
type ParamKind string

const (
	// ParamAttribute reads the value from a tag attribute.
	ParamAttribute ParamKind = "attribute"

	// ParamElement reads the value from a child element's text.
	ParamElement ParamKind = "element"

	// ParamContent reads the value from the tag's own text content.
	ParamContent ParamKind = "content"
)

// ParamMapping maps one markup location to one argument name.
type ParamMapping struct {
	// Name is the argument key passed to Execute.
	Name string

	Kind ParamKind

	// Path is the attribute or child element name. Defaults to Name when
	// empty; ignored for ParamContent.
	Path string
}

// Location returns the attribute or element name to read.
func (m ParamMapping) Location() string {
	if m.Path != "" {
		return m.Path
	}
	return m.Name
}

// XMLDescriptor declares how a tool is invoked through markup.
type XMLDescriptor struct {
	// TagName is the markup tag, e.g. "str-replace".
	TagName string

	Params []ParamMapping

	// Example is shown to the model in the system prompt.
	Example string
}

// Success builds a successful tool result.
func Success(name, output string) *models.ToolResult {
	return &models.ToolResult{Name: name, Success: true, Output: output}
}

// Failure builds a failed tool result.
func Failure(name, output string) *models.ToolResult {
	return &models.ToolResult{Name: name, Success: false, Output: output}
}
