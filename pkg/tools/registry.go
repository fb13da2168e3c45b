package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/aerovox/orchestrator/pkg/orchestrator"
)

// Registry holds the set of tool schemas advertised to the LLM and
// validates incoming call arguments against them before dispatch (spec
// §4.F: "Validate arguments against schema; on invalid, return a
// structured tool error without calling the backend"). Grounded on
// teradata-labs-loom's ValidateToolArguments (pkg/mcp/protocol/validation.go),
// which runs the identical gojsonschema.NewGoLoader/Validate pair against
// MCP tool arguments.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]orchestrator.ToolSchema
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]orchestrator.ToolSchema)}
}

// Register adds schema to the registry, keyed by its Name. A later call
// with the same name replaces the earlier registration.
func (r *Registry) Register(schema orchestrator.ToolSchema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schema.Name] = schema
}

// Schemas returns the full set of registered tool schemas, for passing to
// StreamingLLMProvider.Generate.
func (r *Registry) Schemas() []orchestrator.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]orchestrator.ToolSchema, 0, len(r.schemas))
	for _, s := range r.schemas {
		out = append(out, s)
	}
	return out
}

// Validate checks call.Arguments against the registered schema for
// call.Name, returning an error describing the first violation(s). An
// unregistered tool name is itself a validation failure.
func (r *Registry) Validate(call orchestrator.ToolCallRequest) error {
	r.mu.RLock()
	schema, ok := r.schemas[call.Name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tools: unknown tool %q", call.Name)
	}
	if len(schema.Parameters) == 0 {
		return nil
	}

	var schemaDoc interface{}
	if err := json.Unmarshal(schema.Parameters, &schemaDoc); err != nil {
		return fmt.Errorf("tools: invalid schema for %q: %w", call.Name, err)
	}
	var args interface{}
	if len(call.Arguments) == 0 {
		args = map[string]interface{}{}
	} else if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return fmt.Errorf("tools: invalid arguments JSON for %q: %w", call.Name, err)
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schemaDoc), gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("tools: schema validation error for %q: %w", call.Name, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("tools: invalid arguments for %q: %v", call.Name, msgs)
	}
	return nil
}
