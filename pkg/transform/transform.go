package transform

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mkarlsen/ragline/internal/models"
	"github.com/mkarlsen/ragline/pkg/llm"
)

// rewritePrompt turns a possibly context-dependent question into a
// standalone query.
const rewritePrompt = "Rewrite the following question as a single standalone search query. " +
	"Resolve pronouns and references using the conversation so far. " +
	"Reply with the query only, no explanation."

const expandPrompt = "Generate %d alternative phrasings of the following search query. " +
	"Reply with one phrasing per line, nothing else."

const decomposePrompt = "Break the following compound question into its atomic sub-questions. " +
	"Reply with one sub-question per line, nothing else. " +
	"If the question is already atomic, reply with it unchanged."

const hydePrompt = "Write a short, plausible passage that answers the following question. " +
	"The passage is used for document retrieval only and is never shown to a user. " +
	"Do not hedge, do not mention that it is hypothetical."

type TransformerConfig struct {
	Temperature float64
	Logger      *logrus.Logger
}

// Transformer rewrites, expands and decomposes queries through the
// generation capability at a fixed low temperature. Generation failures
// are not caught here; they propagate to the orchestrator.
type Transformer struct {
	generator llm.Generator
	config    TransformerConfig
	logger    *logrus.Logger
}

func NewWithConfig(generator llm.Generator, config TransformerConfig) *Transformer {
	if config.Temperature == 0 {
		config.Temperature = 0.1
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	return &Transformer{generator: generator, config: config, logger: config.Logger}
}

// Rewrite produces one standalone query string, folding history in.
func (t *Transformer) Rewrite(ctx context.Context, query string, history []models.ChatMessage) (string, error) {
	var prompt strings.Builder
	prompt.WriteString(rewritePrompt)
	if len(history) > 0 {
		prompt.WriteString("\n\nConversation:\n")
		for _, m := range history {
			fmt.Fprintf(&prompt, "%s: %s\n", m.Role, m.Content)
		}
	}
	fmt.Fprintf(&prompt, "\nQuestion: %s", query)

	gen, err := t.generate(ctx, prompt.String())
	if err != nil {
		return "", err
	}
	rewritten := strings.TrimSpace(gen.Content)
	if rewritten == "" {
		return query, nil
	}
	return rewritten, nil
}

// Expand produces up to maxExpansions related queries. The result always
// starts with the original query.
func (t *Transformer) Expand(ctx context.Context, query string, maxExpansions int) ([]string, error) {
	if maxExpansions < 1 {
		return []string{query}, nil
	}

	gen, err := t.generate(ctx, fmt.Sprintf(expandPrompt, maxExpansions)+"\n\nQuery: "+query)
	if err != nil {
		return nil, err
	}

	queries := append([]string{query}, parseLines(gen.Content)...)
	if len(queries) > maxExpansions+1 {
		queries = queries[:maxExpansions+1]
	}
	return queries, nil
}

// Decompose splits a compound query into atomic sub-questions, falling
// back to the original query when generation yields nothing usable.
func (t *Transformer) Decompose(ctx context.Context, query string) ([]string, error) {
	gen, err := t.generate(ctx, decomposePrompt+"\n\nQuestion: "+query)
	if err != nil {
		return nil, err
	}

	parts := parseLines(gen.Content)
	if len(parts) == 0 {
		return []string{query}, nil
	}
	return parts, nil
}

// GenerateHypotheticalDocument synthesizes a HyDE passage used only to
// drive retrieval.
func (t *Transformer) GenerateHypotheticalDocument(ctx context.Context, query string) (string, error) {
	gen, err := t.generate(ctx, hydePrompt+"\n\nQuestion: "+query)
	if err != nil {
		return "", err
	}
	doc := strings.TrimSpace(gen.Content)
	if doc == "" {
		return query, nil
	}
	return doc, nil
}

func (t *Transformer) generate(ctx context.Context, prompt string) (*llm.Generation, error) {
	return t.generator.Generate(ctx, []models.ChatMessage{
		{Role: models.RoleUser, Content: prompt},
	}, llm.GenerateOptions{Temperature: t.config.Temperature})
}

// parseLines extracts non-empty lines, stripping list decoration the
// model tends to add.
func parseLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*• ")
		line = stripNumbering(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// stripNumbering removes a leading "1." / "1)" list marker. The marker
// must be followed by whitespace; a line that merely starts with a
// number ("1.2 million users") is left intact.
func stripNumbering(line string) string {
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i == 0 || i == len(line) {
		return line
	}
	if line[i] != '.' && line[i] != ')' {
		return line
	}
	rest := line[i+1:]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return line
	}
	return strings.TrimSpace(rest)
}
