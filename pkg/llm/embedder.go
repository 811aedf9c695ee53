package llm

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms/ollama"
)

// Embedder is the embedding capability the pipeline consumes. Embed
// returns one vector per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

type EmbedderConfig struct {
	Model      string
	BaseURL    string
	Dimensions int
	Logger     *logrus.Logger
}

// OllamaEmbedder produces embeddings through a local Ollama model.
type OllamaEmbedder struct {
	config EmbedderConfig
	client *ollama.LLM
}

func NewEmbedderWithConfig(config EmbedderConfig) (*OllamaEmbedder, error) {
	if config.Model == "" {
		config.Model = "nomic-embed-text:latest"
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Dimensions == 0 {
		config.Dimensions = 768
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	client, err := ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(config.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	return &OllamaEmbedder{config: config, client: client}, nil
}

func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors, err := e.client.CreateEmbedding(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding error: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d vectors for %d texts", len(vectors), len(texts))
	}
	return vectors, nil
}

func (e *OllamaEmbedder) Dimensions() int {
	return e.config.Dimensions
}
