package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/loomhq/loom/pkg/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool is an executable capability the model can request. Implementations
// accept structured JSON input and return text/error payloads.
type Tool interface {
	// Name is the identifier the model uses to request this tool.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Schema returns the JSON Schema for the tool's input.
	Schema() json.RawMessage

	// ReturnDirect marks the tool's output as the final turn answer.
	ReturnDirect() bool

	// Execute runs the tool. A returned error becomes an isError tool
	// result; it never fails the surrounding turn.
	Execute(ctx context.Context, input json.RawMessage) (*ToolOutput, error)
}

// ToolOutput is what a tool execution produces.
type ToolOutput struct {
	Content []models.ToolResultContent
	IsError bool
}

// TextOutput builds a single-part text output.
func TextOutput(text string) *ToolOutput {
	return &ToolOutput{Content: models.TextResult(text)}
}

// ErrNotFound is returned when a requested tool is not registered.
type ErrNotFound struct {
	Name string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("tool %q not registered", e.Name)
}

// Registry resolves tool names to executable capabilities. Safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool, replacing any existing tool of the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Definitions returns provider-facing definitions for all registered tools,
// sorted by name for deterministic prompts.
func (r *Registry) Definitions() []ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]ToolDef, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, ToolDef{
			Name:         tool.Name(),
			Description:  tool.Description(),
			InputSchema:  tool.Schema(),
			ReturnDirect: tool.ReturnDirect(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// ValidateInput checks structured input against the named tool's schema.
// Tools without a schema accept anything.
func (r *Registry) ValidateInput(name string, input json.RawMessage) error {
	tool, ok := r.Get(name)
	if !ok {
		return &ErrNotFound{Name: name}
	}
	raw := tool.Schema()
	if len(raw) == 0 {
		return nil
	}

	schema, err := compileSchema(raw)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", name, err)
	}

	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("decode input for %s: %w", name, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("input for %s invalid: %w", name, err)
	}
	return nil
}

var schemaCache sync.Map

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
