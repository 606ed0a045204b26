package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	schemavalidate "github.com/santhosh-tekuri/jsonschema/v5"
)

// GenerateSchema reflects a JSON schema from a Go struct type. Field tags
// drive the result:
//
//	json:"name"                          parameter name
//	json:",omitempty"                    optional parameter
//	jsonschema:"required,description=.." constraints and docs
func GenerateSchema[T any]() (json.RawMessage, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	delete(m, "$schema")
	delete(m, "$id")
	delete(m, "$defs")

	out, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MustSchema is GenerateSchema for package-level tool declarations.
func MustSchema[T any]() json.RawMessage {
	s, err := GenerateSchema[T]()
	if err != nil {
		panic(err)
	}
	return s
}

var schemaCache sync.Map

// validateArgs checks decoded arguments against a tool's schema. Returns
// nil when the schema is empty.
func validateArgs(schema json.RawMessage, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	// Round-trip so numeric types match what the validator expects.
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return compiled.Validate(decoded)
}

func compileSchema(schema json.RawMessage) (*schemavalidate.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*schemavalidate.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := schemavalidate.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
