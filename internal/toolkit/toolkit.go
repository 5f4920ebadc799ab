// Package toolkit defines the Tool interface and the thread-safe Registry
// that backs the Tool Pipeline (SPEC_FULL.md §7), grounded on
// internal/agent/provider_types.go's Tool interface and
// internal/agent/tool_registry.go's ToolRegistry.
package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/nexus-assist/core/internal/corerr"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool is the interface every registered tool implements.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	// ConcurrencySafe reports whether this tool may run in parallel with
	// other tool calls within the same batch (SPEC_FULL.md §7 batch policy).
	ConcurrencySafe() bool
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// Result is a tool's raw execution output, before the pipeline normalizes
// it into a models.ToolResult's ResultForAssistant string.
type Result struct {
	Content string
	IsError bool
}

const (
	MaxToolNameLength = 256
	MaxToolParamsSize = 10 << 20
)

// Registry holds registered tools and validates call arguments against each
// tool's JSON Schema before execution.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   map[string]Tool{},
		schemas: map[string]*jsonschema.Schema{},
	}
}

// Register compiles the tool's schema up front so a malformed schema fails
// at registration time, not at first call.
func (r *Registry) Register(tool Tool) error {
	compiled, err := compileSchema(tool.Name(), tool.Schema())
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	r.schemas[tool.Name()] = compiled
	return nil
}

func compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	resource := "tool://" + name + ".json"
	if err := c.AddResource(resource, strings.NewReader(string(schema))); err != nil {
		return nil, corerr.Wrap(corerr.Validation, "compile schema for tool "+name, err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return nil, corerr.Wrap(corerr.Validation, "compile schema for tool "+name, err)
	}
	return compiled, nil
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Validate checks params against the tool's compiled schema, if any.
func (r *Registry) Validate(name string, params json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok || schema == nil {
		return nil
	}
	var v any
	if len(params) == 0 {
		params = []byte("{}")
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return corerr.Wrap(corerr.Validation, "tool params are not valid JSON", err)
	}
	if err := schema.Validate(v); err != nil {
		return corerr.Wrap(corerr.Validation, fmt.Sprintf("arguments for tool %s fail schema validation", name), err)
	}
	return nil
}

// Execute validates params then runs the named tool. Unknown tool names and
// oversized input are reported as Result errors rather than Go errors, so
// callers can feed them straight back to the model as a failed ToolResult.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) (*Result, error) {
	if len(name) > MaxToolNameLength {
		return &Result{Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength), IsError: true}, nil
	}
	if len(params) > MaxToolParamsSize {
		return &Result{Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize), IsError: true}, nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &Result{Content: "tool not found: " + name, IsError: true}, nil
	}

	if err := r.Validate(name, params); err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return tool.Execute(ctx, params)
}

// MatchPattern implements the allowed_tools glob semantics from
// SPEC_FULL.md §7: an exact name, or a "group.*" prefix, or "mcp:*".
func MatchPattern(pattern, toolName string) bool {
	if pattern == "" || toolName == "" {
		return false
	}
	if pattern == "mcp:*" {
		return strings.HasPrefix(toolName, "mcp:")
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(toolName, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == toolName
}

// MatchAny reports whether toolName matches any of patterns. An empty
// pattern list is treated as "match nothing" (callers decide the polarity:
// an empty allowed_tools list means "all tools allowed", handled by the
// pipeline, not here).
func MatchAny(patterns []string, toolName string) bool {
	for _, p := range patterns {
		if MatchPattern(p, toolName) {
			return true
		}
	}
	return false
}
