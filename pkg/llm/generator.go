package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/mkarlsen/ragline/internal/models"
)

// ErrNoResponse is returned when the model yields no choices at all.
var ErrNoResponse = errors.New("no response from model")

type GenerateOptions struct {
	Temperature float64
	MaxTokens   int
	Tools       []models.ToolDefinition
}

// Generation is the structured result of one model call.
type Generation struct {
	Content   string
	ToolCalls []models.ToolCall
	Usage     *models.Usage
	Model     string
}

// StreamFunc receives each text fragment as it arrives.
type StreamFunc func(chunk string) error

// Generator is the generation capability the pipeline consumes.
type Generator interface {
	Generate(ctx context.Context, messages []models.ChatMessage, opts GenerateOptions) (*Generation, error)
	GenerateStream(ctx context.Context, messages []models.ChatMessage, opts GenerateOptions, fn StreamFunc) (*Generation, error)
}

type GeneratorConfig struct {
	Provider string // "ollama" (default) or "openai"
	Model    string
	BaseURL  string
	APIKey   string
	Logger   *logrus.Logger
}

// ChatEngine is a langchaingo-backed Generator.
type ChatEngine struct {
	config GeneratorConfig
	model  llms.Model
	logger *logrus.Logger
}

func NewGenerator(config GeneratorConfig) (*ChatEngine, error) {
	if config.Provider == "" {
		config.Provider = "ollama"
	}
	if config.Model == "" {
		config.Model = "mistral"
	}
	if config.BaseURL == "" && config.Provider == "ollama" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	var model llms.Model
	var err error
	switch config.Provider {
	case "ollama":
		model, err = ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(config.BaseURL))
	case "openai":
		opts := []openai.Option{openai.WithModel(config.Model)}
		if config.APIKey != "" {
			opts = append(opts, openai.WithToken(config.APIKey))
		}
		if config.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(config.BaseURL))
		}
		model, err = openai.New(opts...)
	default:
		return nil, fmt.Errorf("unknown generation provider: %q", config.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	return &ChatEngine{config: config, model: model, logger: config.Logger}, nil
}

func (ce *ChatEngine) Generate(ctx context.Context, messages []models.ChatMessage, opts GenerateOptions) (*Generation, error) {
	resp, err := ce.model.GenerateContent(ctx, toContent(messages), callOptions(opts)...)
	if err != nil {
		return nil, fmt.Errorf("generation error: %w", err)
	}
	return ce.fromResponse(resp)
}

func (ce *ChatEngine) GenerateStream(ctx context.Context, messages []models.ChatMessage, opts GenerateOptions, fn StreamFunc) (*Generation, error) {
	callOpts := callOptions(opts)
	callOpts = append(callOpts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
		return fn(string(chunk))
	}))

	resp, err := ce.model.GenerateContent(ctx, toContent(messages), callOpts...)
	if err != nil {
		return nil, fmt.Errorf("generation stream error: %w", err)
	}
	return ce.fromResponse(resp)
}

func (ce *ChatEngine) fromResponse(resp *llms.ContentResponse) (*Generation, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, ErrNoResponse
	}
	choice := resp.Choices[0]

	gen := &Generation{
		Content: choice.Content,
		Model:   ce.config.Model,
	}
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		gen.ToolCalls = append(gen.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.FunctionCall.Name,
			Arguments: tc.FunctionCall.Arguments,
		})
	}
	if usage := usageFromInfo(choice.GenerationInfo); usage != nil {
		gen.Usage = usage
	}
	return gen, nil
}

func callOptions(opts GenerateOptions) []llms.CallOption {
	callOpts := []llms.CallOption{llms.WithTemperature(opts.Temperature)}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}
	if len(opts.Tools) > 0 {
		tools := make([]llms.Tool, 0, len(opts.Tools))
		for _, t := range opts.Tools {
			tools = append(tools, llms.Tool{
				Type: "function",
				Function: &llms.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.InputSchema,
				},
			})
		}
		callOpts = append(callOpts, llms.WithTools(tools))
	}
	return callOpts
}

func toContent(messages []models.ChatMessage) []llms.MessageContent {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, m.Content))
		case models.RoleUser:
			content = append(content, llms.TextParts(llms.ChatMessageTypeHuman, m.Content))
		case models.RoleAssistant:
			mc := llms.MessageContent{Role: llms.ChatMessageTypeAI}
			if m.Content != "" {
				mc.Parts = append(mc.Parts, llms.TextContent{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				mc.Parts = append(mc.Parts, llms.ToolCall{
					ID:   tc.ID,
					Type: "function",
					FunctionCall: &llms.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			content = append(content, mc)
		case models.RoleTool:
			content = append(content, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: m.ToolCallID,
					Content:    m.Content,
				}},
			})
		}
	}
	return content
}

func usageFromInfo(info map[string]any) *models.Usage {
	if info == nil {
		return nil
	}
	prompt := intFromInfo(info, "PromptTokens")
	completion := intFromInfo(info, "CompletionTokens")
	total := intFromInfo(info, "TotalTokens")
	if prompt == 0 && completion == 0 && total == 0 {
		return nil
	}
	if total == 0 {
		total = prompt + completion
	}
	return &models.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total}
}

func intFromInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
