package models

import "time"

// Document is the unit of ingestion. The ID is caller-assigned and unique
// within an agent namespace; chunks reference it, they never copy it.
type Document struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Source   string         `json:"source"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DocumentChunk is a bounded slice of a document, the unit of embedding
// and retrieval. The ID is stable for a given document, position and
// chunking strategy.
type DocumentChunk struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	DocumentID string         `json:"document_id"`
	Position   int            `json:"position"`
	TokenCount int            `json:"token_count"`
	Checksum   string         `json:"checksum"`
	CreatedAt  time.Time      `json:"created_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// RetrievedDocument pairs a chunk with its retrieval-stage score. Scores
// from different strategies are not comparable with each other.
type RetrievedDocument struct {
	Chunk  DocumentChunk `json:"chunk"`
	Score  float64       `json:"score"`
	Source string        `json:"source"`
}

// RAGContext is the exact evidence set shown to the model for one query.
type RAGContext struct {
	Query        string              `json:"query"`
	Documents    []RetrievedDocument `json:"documents"`
	History      []ChatMessage       `json:"history,omitempty"`
	SystemPrompt string              `json:"system_prompt"`
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ChatMessage is the unit of conversation and of tool-loop bookkeeping.
type ChatMessage struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Timestamp  time.Time  `json:"timestamp"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-issued request to invoke a registered tool.
// Arguments is the raw JSON object text as produced by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a callable tool to the model. Schemas are
// JSON-schema shaped maps.
type ToolDefinition struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}

// Source is the caller-facing citation for one admitted document.
type Source struct {
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

// Usage aggregates token accounting reported by the generation capability.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// RAGResponse is the terminal output of one query.
type RAGResponse struct {
	Answer            string   `json:"answer"`
	Sources           []Source `json:"sources"`
	ContextSufficient bool     `json:"context_sufficient"`
	Usage             *Usage   `json:"usage,omitempty"`
	Cost              float64  `json:"cost,omitempty"`
}

// InsufficientContext is the reserved answer literal. It is the only
// answer value with contractual meaning to downstream consumers and must
// never be paraphrased.
const InsufficientContext = "INSUFFICIENT_CONTEXT"

// IngestResult reports what one ingest call committed.
type IngestResult struct {
	Processed int `json:"processed"`
	Chunks    int `json:"chunks"`
}
