package tools_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/ragline/internal/models"
	"github.com/mkarlsen/ragline/pkg/tools"
)

func echoTool() tools.Tool {
	return tools.Tool{
		ToolDefinition: models.ToolDefinition{
			Name:        "echo",
			Description: "echoes its input",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []any{"text"},
				"properties": map[string]any{
					"text": map[string]any{"type": "string"},
				},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		},
	}
}

func TestExecuteTool(t *testing.T) {
	r := tools.NewRegistry(nil)
	require.NoError(t, r.Register(echoTool()))

	result, err := r.ExecuteTool(context.Background(), "echo", `{"text":"hello"}`)
	require.NoError(t, err)
	assert.Equal(t, "hello", result)
}

func TestUnknownToolIsFatal(t *testing.T) {
	r := tools.NewRegistry(nil)
	_, err := r.ExecuteTool(context.Background(), "nope", "{}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestFailingToolBecomesStringResult(t *testing.T) {
	r := tools.NewRegistry(nil)
	require.NoError(t, r.Register(tools.Tool{
		ToolDefinition: models.ToolDefinition{Name: "boom"},
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("kaput")
		},
	}))

	result, err := r.ExecuteTool(context.Background(), "boom", "{}")
	require.NoError(t, err, "a failing tool must not abort the conversation")
	assert.Equal(t, "Error executing tool boom: kaput", result)
}

func TestMissingRequiredArgumentRejectedBeforeInvocation(t *testing.T) {
	r := tools.NewRegistry(nil)
	invoked := false
	tool := echoTool()
	tool.Execute = func(ctx context.Context, args map[string]any) (any, error) {
		invoked = true
		return "x", nil
	}
	require.NoError(t, r.Register(tool))

	result, err := r.ExecuteTool(context.Background(), "echo", `{}`)
	require.NoError(t, err)
	assert.Contains(t, result, `missing required argument "text"`)
	assert.False(t, invoked)
}

func TestNonStringResultIsSerialized(t *testing.T) {
	r := tools.NewRegistry(nil)
	require.NoError(t, r.Register(tools.Tool{
		ToolDefinition: models.ToolDefinition{Name: "calc"},
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"sum": 3}, nil
		},
	}))

	result, err := r.ExecuteTool(context.Background(), "calc", "{}")
	require.NoError(t, err)
	assert.JSONEq(t, `{"sum":3}`, result)
}

func TestDefinitionsSorted(t *testing.T) {
	r := tools.NewRegistry(nil)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(tools.Tool{
			ToolDefinition: models.ToolDefinition{Name: name},
			Execute:        func(ctx context.Context, args map[string]any) (any, error) { return "", nil },
		}))
	}

	defs := r.Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "mid", defs[1].Name)
	assert.Equal(t, "zeta", defs[2].Name)
}
