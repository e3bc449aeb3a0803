package pipewise

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CallContext is what every tool invocation receives alongside its raw
// arguments. Tools must scope reads and writes by Tenant.
type CallContext struct {
	Tenant     TenantContext
	Memory     *MemoryManager
	WorkflowID string
	AgentID    string
}

// ToolFunc executes one tool invocation. Implementations return a
// ToolResult even on failure; an error return is reserved for context
// cancellation.
type ToolFunc func(ctx context.Context, call CallContext, args json.RawMessage) ToolResult

// ToolSpec describes one callable tool: its name, the JSON Schema for its
// arguments, where it executes, and the function that executes it.
type ToolSpec struct {
	Name        string
	Description string
	// Parameters is a JSON Schema (draft 2020-12) describing the
	// arguments object. Must compile.
	Parameters json.RawMessage
	// Locality is "local" for in-process tools or "mcp:<server>" for
	// proxied remote tools.
	Locality string
	Invoke   ToolFunc

	compiled *jsonschema.Schema
}

// Registry holds the tool catalog. Registration happens at bootstrap;
// lookup and invocation happen concurrently during workflows.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*ToolSpec
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*ToolSpec)}
}

// Register adds a tool. The name must be unique and the parameter schema
// must compile; violations fail registration, they are never deferred to
// invocation time.
func (r *Registry) Register(spec ToolSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("register: %w: empty name", ErrInvalidSchema)
	}
	if spec.Invoke == nil {
		return fmt.Errorf("register %q: nil invoke func", spec.Name)
	}
	if spec.Locality == "" {
		spec.Locality = "local"
	}
	params := spec.Parameters
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object"}`)
		spec.Parameters = params
	}
	compiled, err := jsonschema.CompileString(spec.Name+".json", string(params))
	if err != nil {
		return fmt.Errorf("register %q: %w: %v", spec.Name, ErrInvalidSchema, err)
	}
	spec.compiled = compiled

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[spec.Name]; ok {
		return fmt.Errorf("register %q: %w", spec.Name, ErrDuplicateTool)
	}
	r.tools[spec.Name] = &spec
	return nil
}

// Unregister removes a tool by name. Removing an absent tool is a no-op.
// Used by the MCP pool when a server's manifest changes.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// Resolve returns the spec for a registered tool.
func (r *Registry) Resolve(name string) (*ToolSpec, error) {
	r.mu.RLock()
	spec, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("resolve %q: %w", name, ErrUnknownTool)
	}
	return spec, nil
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// SchemasFor returns tool definitions for the given names in alphabetical
// order, so the catalog the model sees is stable across calls.
func (r *Registry) SchemasFor(names []string) ([]ToolDefinition, error) {
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)

	defs := make([]ToolDefinition, 0, len(sorted))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range sorted {
		spec, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("schemas: %q: %w", name, ErrUnknownTool)
		}
		defs = append(defs, ToolDefinition{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  spec.Parameters,
		})
	}
	return defs, nil
}

// Invoke validates args against the tool's schema and executes it.
// Validation failures and unknown tools come back as failed ToolResults,
// not errors, so the model gets a correctable message.
func (r *Registry) Invoke(ctx context.Context, call CallContext, name string, args json.RawMessage) ToolResult {
	spec, err := r.Resolve(name)
	if err != nil {
		return ToolError(ToolErrInvalidArgs, "unknown tool: "+name)
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return ToolError(ToolErrInvalidArgs, "arguments are not valid JSON: "+err.Error())
	}
	if err := spec.compiled.Validate(decoded); err != nil {
		return ToolError(ToolErrInvalidArgs, validationMessage(err))
	}
	return spec.Invoke(ctx, call, args)
}

// validationMessage extracts the first concrete violation from a
// jsonschema validation error.
func validationMessage(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := leaf.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("invalid arguments at %s: %s", loc, leaf.Message)
}
