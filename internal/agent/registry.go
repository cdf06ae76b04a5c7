package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Registration limits. Oversized names break provider APIs; oversized
// params are almost certainly a model hallucination.
const (
	MaxToolNameLength = 256
	MaxToolParamsSize = 10 * 1024 * 1024
)

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ToolRegistry holds the tools offered to the LLM and validates inputs
// against each tool's JSON schema before dispatch.
type ToolRegistry struct {
	mu         sync.RWMutex
	tools      map[string]Tool
	validators map[string]*jsonschema.Schema
	logger     *slog.Logger
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(logger *slog.Logger) *ToolRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolRegistry{
		tools:      make(map[string]Tool),
		validators: make(map[string]*jsonschema.Schema),
		logger:     logger.With("component", "tool_registry"),
	}
}

// Register adds a tool, compiling its schema for input validation.
// Re-registering a name replaces the previous tool.
func (r *ToolRegistry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("nil tool")
	}
	name := t.Name()
	if name == "" || len(name) > MaxToolNameLength || !toolNamePattern.MatchString(name) {
		return fmt.Errorf("invalid tool name %q", name)
	}

	var validator *jsonschema.Schema
	if schema := t.Schema(); len(schema) > 0 {
		compiled, err := jsonschema.CompileString(name+".schema.json", string(schema))
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", name, err)
		}
		validator = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		r.logger.Warn("tool re-registered", "tool", name)
	}
	r.tools[name] = t
	if validator != nil {
		r.validators[name] = validator
	} else {
		delete(r.validators, name)
	}
	return nil
}

// Get returns the named tool.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *ToolRegistry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names returns all tool names sorted.
func (r *ToolRegistry) Names() []string {
	tools := r.List()
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name()
	}
	return names
}

// ValidateInput checks params against the tool's schema. Violations come
// back as VALIDATION ToolErrors so the model can fix its arguments.
func (r *ToolRegistry) ValidateInput(name string, params json.RawMessage) error {
	if len(params) > MaxToolParamsSize {
		return NewToolError(name, fmt.Errorf("参数过大（%d 字节），上限 %d 字节", len(params), MaxToolParamsSize)).
			WithType(ToolErrorValidation)
	}

	r.mu.RLock()
	validator := r.validators[name]
	r.mu.RUnlock()
	if validator == nil {
		return nil
	}

	var value any
	if len(params) == 0 {
		value = map[string]any{}
	} else if err := json.Unmarshal(params, &value); err != nil {
		return NewToolError(name, fmt.Errorf("参数不是合法的 JSON: %w", err)).WithType(ToolErrorValidation)
	}
	if err := validator.Validate(value); err != nil {
		return NewToolError(name, fmt.Errorf("参数校验失败: %w", err)).WithType(ToolErrorValidation)
	}
	return nil
}

// SchemasJSON renders every tool's name, description and schema as one JSON
// document, used for context budgeting.
func (r *ToolRegistry) SchemasJSON() string {
	type entry struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"input_schema,omitempty"`
	}
	tools := r.List()
	entries := make([]entry, len(tools))
	for i, t := range tools {
		entries[i] = entry{Name: t.Name(), Description: t.Description(), InputSchema: t.Schema()}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		var sb strings.Builder
		for _, t := range tools {
			sb.WriteString(t.Name())
			sb.WriteString(": ")
			sb.WriteString(t.Description())
			sb.WriteString("\n")
		}
		return sb.String()
	}
	return string(raw)
}
