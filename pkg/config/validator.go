package config

import (
	"fmt"
	"net/url"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var validBackends = map[string]bool{"memory": true, "pgvector": true, "qdrant": true}
var validModes = map[string]bool{"vector": true, "keyword": true, "hybrid": true}
var validStrategies = map[string]bool{"fixed": true, "semantic": true, "recursive": true}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	if c.LLM.Provider != "ollama" && c.LLM.Provider != "openai" {
		errors = append(errors, ValidationError{
			Field:   "llm.provider",
			Message: fmt.Sprintf("unknown provider: %s", c.LLM.Provider),
		})
	}

	if c.LLM.MaxTokens < 1 {
		errors = append(errors, ValidationError{
			Field:   "llm.max_tokens",
			Message: "max_tokens must be positive",
		})
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errors = append(errors, ValidationError{
			Field:   "llm.temperature",
			Message: "temperature must be between 0 and 2",
		})
	}

	if _, err := url.Parse(c.LLM.BaseURL); err != nil {
		errors = append(errors, ValidationError{
			Field:   "llm.base_url",
			Message: "invalid base URL",
		})
	}

	if c.Embedder.VectorDim < 1 {
		errors = append(errors, ValidationError{
			Field:   "embedder.vector_dim",
			Message: "vector_dim must be positive",
		})
	}

	if !validBackends[c.Store.Backend] {
		errors = append(errors, ValidationError{
			Field:   "store.backend",
			Message: fmt.Sprintf("unknown backend: %s", c.Store.Backend),
		})
	}
	if (c.Store.Backend == "pgvector" || c.Store.Backend == "qdrant") && c.Store.URL == "" {
		errors = append(errors, ValidationError{
			Field:   "store.url",
			Message: fmt.Sprintf("url is required for the %s backend", c.Store.Backend),
		})
	}

	if !validStrategies[c.Chunking.Strategy] {
		errors = append(errors, ValidationError{
			Field:   "chunking.strategy",
			Message: fmt.Sprintf("unknown strategy: %s", c.Chunking.Strategy),
		})
	}
	if c.Chunking.MaxTokens < 1 {
		errors = append(errors, ValidationError{
			Field:   "chunking.max_tokens",
			Message: "max_tokens must be positive",
		})
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.MaxTokens {
		errors = append(errors, ValidationError{
			Field:   "chunking.overlap",
			Message: "overlap must be non-negative and less than max_tokens",
		})
	}

	if !validModes[c.Retrieval.Mode] {
		errors = append(errors, ValidationError{
			Field:   "retrieval.mode",
			Message: fmt.Sprintf("unknown mode: %s", c.Retrieval.Mode),
		})
	}
	// Qdrant carries no text index, so it cannot serve keyword queries.
	if c.Store.Backend == "qdrant" && c.Retrieval.Mode == "keyword" {
		errors = append(errors, ValidationError{
			Field:   "retrieval.mode",
			Message: "keyword mode is not available on the qdrant backend",
		})
	}
	if c.Retrieval.TopK < 1 {
		errors = append(errors, ValidationError{
			Field:   "retrieval.top_k",
			Message: "top_k must be positive",
		})
	}
	if c.Retrieval.ScoreThreshold < 0 || c.Retrieval.ScoreThreshold > 1 {
		errors = append(errors, ValidationError{
			Field:   "retrieval.score_threshold",
			Message: "score_threshold must be between 0 and 1",
		})
	}

	if c.Engine.MaxContextTokens < 1 {
		errors = append(errors, ValidationError{
			Field:   "engine.max_context_tokens",
			Message: "max_context_tokens must be positive",
		})
	}
	if c.Engine.MaxToolIterations < 1 {
		errors = append(errors, ValidationError{
			Field:   "engine.max_tool_iterations",
			Message: "max_tool_iterations must be positive",
		})
	}
	if c.Engine.MemoryWindow < 1 {
		errors = append(errors, ValidationError{
			Field:   "engine.memory_window",
			Message: "memory_window must be positive",
		})
	}

	if c.Loader.MaxDepth < 1 {
		errors = append(errors, ValidationError{
			Field:   "loader.max_depth",
			Message: "max_depth must be positive",
		})
	}
	if c.Loader.RateLimit <= 0 {
		errors = append(errors, ValidationError{
			Field:   "loader.rate_limit",
			Message: "rate_limit must be positive",
		})
	}
	for _, ext := range c.Loader.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") && ext != "" && ext != "/" {
			errors = append(errors, ValidationError{
				Field:   "loader.allowed_extensions",
				Message: fmt.Sprintf("invalid extension format: %s", ext),
			})
		}
	}

	return errors
}
