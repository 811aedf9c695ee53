package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mkarlsen/ragline/internal/models"
)

const defaultSystemPrompt = "You are a helpful assistant. Answer using only the provided context. " +
	"If the context does not contain the answer, reply with exactly INSUFFICIENT_CONTEXT."

// TokenCounter must be the same function used for budget checks across
// the pipeline.
type TokenCounter func(text string) int

type BuilderConfig struct {
	SystemPrompt string
	// TemplateOverhead accounts for fixed prompt decorations.
	TemplateOverhead int
	// PerDocOverhead accounts for the per-document citation header.
	PerDocOverhead int
	// GroundingThreshold is the minimum fraction of answer words that
	// must appear in the admitted context.
	GroundingThreshold float64
	Logger             *logrus.Logger
}

// Builder packs query, history and retrieved documents into a
// token-bounded context, renders it for the model, and verifies
// grounding of a candidate answer.
type Builder struct {
	countTokens TokenCounter
	config      BuilderConfig
	logger      *logrus.Logger
}

func NewBuilder(countTokens TokenCounter, config BuilderConfig) *Builder {
	if config.SystemPrompt == "" {
		config.SystemPrompt = defaultSystemPrompt
	}
	if config.TemplateOverhead == 0 {
		config.TemplateOverhead = 20
	}
	if config.PerDocOverhead == 0 {
		config.PerDocOverhead = 8
	}
	if config.GroundingThreshold == 0 {
		config.GroundingThreshold = 0.30
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	return &Builder{countTokens: countTokens, config: config, logger: config.Logger}
}

// Build admits documents greedily in the order given, stopping at the
// first one that does not fit. The admitted set is always a prefix of
// the input: relevance order wins over packing efficiency.
func (b *Builder) Build(query string, docs []models.RetrievedDocument, maxTokens int, history []models.ChatMessage) models.RAGContext {
	running := b.countTokens(b.config.SystemPrompt) +
		b.countTokens(query) +
		b.config.TemplateOverhead
	for _, m := range history {
		running += b.countTokens(string(m.Role)+": "+m.Content) + 1
	}

	var admitted []models.RetrievedDocument
	for _, doc := range docs {
		docTokens := doc.Chunk.TokenCount
		if docTokens == 0 {
			docTokens = b.countTokens(doc.Chunk.Content)
		}
		if running+docTokens+b.config.PerDocOverhead > maxTokens {
			break
		}
		running += docTokens + b.config.PerDocOverhead
		admitted = append(admitted, doc)
	}

	return models.RAGContext{
		Query:        query,
		Documents:    admitted,
		History:      history,
		SystemPrompt: b.config.SystemPrompt,
	}
}

// FormatPrompt renders the context as one string: system prompt,
// enumerated source blocks, history, query, assistant cue.
func (b *Builder) FormatPrompt(ctx models.RAGContext) string {
	var sb strings.Builder
	sb.WriteString(ctx.SystemPrompt)
	sb.WriteString("\n\nContext:\n")
	for i, doc := range ctx.Documents {
		fmt.Fprintf(&sb, "[%d] Source: %s (Score: %.2f)\n%s\n\n", i+1, doc.Source, doc.Score, doc.Chunk.Content)
	}
	for _, m := range ctx.History {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	fmt.Fprintf(&sb, "\nQuestion: %s\nAnswer:", ctx.Query)
	return sb.String()
}

// BuildMessages renders the equivalent conversation as role-tagged
// messages for providers that accept structured turns.
func (b *Builder) BuildMessages(ctx models.RAGContext) []models.ChatMessage {
	now := time.Now().UTC()
	messages := make([]models.ChatMessage, 0, len(ctx.History)+2)

	var system strings.Builder
	system.WriteString(ctx.SystemPrompt)
	system.WriteString("\n\nContext:\n")
	for i, doc := range ctx.Documents {
		fmt.Fprintf(&system, "[%d] Source: %s (Score: %.2f)\n%s\n\n", i+1, doc.Source, doc.Score, doc.Chunk.Content)
	}
	messages = append(messages, models.ChatMessage{Role: models.RoleSystem, Content: system.String(), Timestamp: now})

	messages = append(messages, ctx.History...)
	messages = append(messages, models.ChatMessage{Role: models.RoleUser, Content: ctx.Query, Timestamp: now})
	return messages
}

// VerifyGrounding applies the word-overlap heuristic: the sentinel is
// always grounded, an empty context never is, and otherwise the
// fraction of answer words (longer than 3 characters) present in the
// admitted content must reach the threshold. This is a proxy, not
// semantic entailment.
func (b *Builder) VerifyGrounding(answer string, ctx models.RAGContext) bool {
	if answer == models.InsufficientContext {
		return true
	}
	if len(ctx.Documents) == 0 {
		return false
	}

	var corpus strings.Builder
	for _, doc := range ctx.Documents {
		corpus.WriteString(strings.ToLower(doc.Chunk.Content))
		corpus.WriteString(" ")
	}
	haystack := corpus.String()

	total := 0
	found := 0
	for _, word := range strings.Fields(strings.ToLower(answer)) {
		word = strings.Trim(word, ".,;:!?\"'()[]")
		if len(word) <= 3 {
			continue
		}
		total++
		if strings.Contains(haystack, word) {
			found++
		}
	}
	if total == 0 {
		// Nothing checkable in the answer; do not downgrade it.
		return true
	}
	return float64(found)/float64(total) >= b.config.GroundingThreshold
}
