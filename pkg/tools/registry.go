package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mkarlsen/ragline/internal/models"
)

// Tool is a named, schema-described callable action.
type Tool struct {
	models.ToolDefinition
	Execute func(ctx context.Context, args map[string]any) (any, error)
}

// Registry holds the tool catalogue. A failing tool degrades the
// conversation instead of aborting it: execution errors come back as a
// descriptive string result. An unknown tool name is fatal.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *logrus.Logger
}

func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{tools: make(map[string]Tool), logger: logger}
}

func (r *Registry) Register(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Execute == nil {
		return fmt.Errorf("tool %q has no execute function", tool.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
	return nil
}

func (r *Registry) GetTool(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Definitions returns the tool catalogue sorted by name for
// deterministic prompt construction.
func (r *Registry) Definitions() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]models.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.ToolDefinition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ExecuteTool runs a registered tool against the model-supplied JSON
// arguments. Non-conforming arguments are rejected before invocation.
func (r *Registry) ExecuteTool(ctx context.Context, name, rawArgs string) (string, error) {
	tool, ok := r.GetTool(name)
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}

	args, err := parseArgs(rawArgs)
	if err != nil {
		return fmt.Sprintf("Error executing tool %s: %v", name, err), nil
	}
	if err := validateArgs(tool.InputSchema, args); err != nil {
		return fmt.Sprintf("Error executing tool %s: %v", name, err), nil
	}

	result, err := tool.Execute(ctx, args)
	if err != nil {
		r.logger.WithError(err).WithField("tool", name).Warn("tool execution failed")
		return fmt.Sprintf("Error executing tool %s: %v", name, err), nil
	}
	return serializeResult(result)
}

func parseArgs(rawArgs string) (map[string]any, error) {
	if rawArgs == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %v", err)
	}
	return args, nil
}

// validateArgs enforces the schema's required-properties list.
func validateArgs(schema map[string]any, args map[string]any) error {
	if schema == nil {
		return nil
	}
	required, _ := schema["required"].([]any)
	for _, item := range required {
		name, ok := item.(string)
		if !ok {
			continue
		}
		if _, present := args[name]; !present {
			return fmt.Errorf("missing required argument %q", name)
		}
	}
	return nil
}

func serializeResult(result any) (string, error) {
	if s, ok := result.(string); ok {
		return s, nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to serialize tool result: %w", err)
	}
	return string(encoded), nil
}
