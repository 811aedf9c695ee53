package compressor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mkarlsen/ragline/internal/models"
	"github.com/mkarlsen/ragline/pkg/chunker"
	"github.com/mkarlsen/ragline/pkg/llm"
	"github.com/mkarlsen/ragline/pkg/store"
)

// Irrelevant is the sentinel the extraction prompt uses for a no-match
// document.
const Irrelevant = "IRRELEVANT"

const extractPrompt = "Extract the passages from the following text that are relevant to the question. " +
	"Reply with the relevant passages only, verbatim. " +
	"If nothing in the text is relevant, reply with exactly IRRELEVANT.\n\n" +
	"Question: %s\n\nText:\n%s"

type Strategy string

const (
	StrategyGeneration Strategy = "generation"
	StrategyEmbedding  Strategy = "embedding"
)

type CompressorConfig struct {
	Strategy Strategy
	// Temperature for the extraction calls.
	Temperature float64
	// PerDocTokenBudget bounds each compressed document under the
	// embedding strategy.
	PerDocTokenBudget int
	Logger            *logrus.Logger
}

// Compressor shrinks retrieved chunk content to the query-relevant
// subset. Both strategies preserve score and source; only the chunk's
// content and token count change.
type Compressor struct {
	generator   llm.Generator
	embedder    llm.Embedder
	countTokens func(string) int
	config      CompressorConfig
	logger      *logrus.Logger
}

func NewWithConfig(generator llm.Generator, embedder llm.Embedder, countTokens func(string) int, config CompressorConfig) *Compressor {
	if config.Strategy == "" {
		config.Strategy = StrategyGeneration
	}
	if config.Temperature == 0 {
		config.Temperature = 0.1
	}
	if config.PerDocTokenBudget == 0 {
		config.PerDocTokenBudget = 150
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	return &Compressor{
		generator:   generator,
		embedder:    embedder,
		countTokens: countTokens,
		config:      config,
		logger:      config.Logger,
	}
}

func (c *Compressor) Compress(ctx context.Context, query string, docs []models.RetrievedDocument) ([]models.RetrievedDocument, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	switch c.config.Strategy {
	case StrategyEmbedding:
		return c.compressByEmbedding(ctx, query, docs)
	default:
		return c.compressByGeneration(ctx, query, docs)
	}
}

// compressByGeneration asks the model, independently and concurrently
// per document, to extract only the query-relevant snippets. Documents
// answered with the sentinel (or nothing) are dropped.
func (c *Compressor) compressByGeneration(ctx context.Context, query string, docs []models.RetrievedDocument) ([]models.RetrievedDocument, error) {
	distilled := make([]string, len(docs))
	g, gctx := errgroup.WithContext(ctx)

	for i, doc := range docs {
		i, doc := i, doc
		g.Go(func() error {
			gen, err := c.generator.Generate(gctx, []models.ChatMessage{
				{Role: models.RoleUser, Content: fmt.Sprintf(extractPrompt, query, doc.Chunk.Content)},
			}, llm.GenerateOptions{Temperature: c.config.Temperature})
			if err != nil {
				return fmt.Errorf("compression failed for chunk %s: %w", doc.Chunk.ID, err)
			}
			distilled[i] = strings.TrimSpace(gen.Content)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []models.RetrievedDocument
	for i, doc := range docs {
		text := distilled[i]
		if text == "" || text == Irrelevant {
			continue
		}
		doc.Chunk.Content = text
		doc.Chunk.TokenCount = c.countTokens(text)
		out = append(out, doc)
	}
	return out, nil
}

// compressByEmbedding ranks each document's sentences by cosine
// similarity to the query embedding, admits the best under the
// per-document budget, then restores original sentence order so the
// result stays readable.
func (c *Compressor) compressByEmbedding(ctx context.Context, query string, docs []models.RetrievedDocument) ([]models.RetrievedDocument, error) {
	queryVecs, err := c.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query for compression: %w", err)
	}
	if len(queryVecs) == 0 {
		return nil, fmt.Errorf("failed to embed query for compression: no vector returned")
	}
	queryVec := queryVecs[0]

	out := make([]models.RetrievedDocument, 0, len(docs))
	for _, doc := range docs {
		sentences := chunker.SplitSentences(doc.Chunk.Content)
		if len(sentences) <= 1 {
			out = append(out, doc)
			continue
		}

		vectors, err := c.embedder.Embed(ctx, sentences)
		if err != nil {
			return nil, fmt.Errorf("failed to embed sentences for chunk %s: %w", doc.Chunk.ID, err)
		}

		selected := c.selectSentences(queryVec, sentences, vectors)
		if len(selected) == 0 {
			out = append(out, doc)
			continue
		}
		text := strings.Join(selected, " ")
		doc.Chunk.Content = text
		doc.Chunk.TokenCount = c.countTokens(text)
		out = append(out, doc)
	}
	return out, nil
}

func (c *Compressor) selectSentences(queryVec []float32, sentences []string, vectors [][]float32) []string {
	type ranked struct {
		index int
		score float64
	}
	order := make([]ranked, len(sentences))
	for i := range sentences {
		var score float64
		if i < len(vectors) {
			score = store.CosineSimilarity(queryVec, vectors[i])
		}
		order[i] = ranked{index: i, score: score}
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i].score > order[j].score })

	budget := c.config.PerDocTokenBudget
	used := 0
	var admitted []int
	for _, r := range order {
		tokens := c.countTokens(sentences[r.index])
		if used+tokens > budget {
			continue
		}
		used += tokens
		admitted = append(admitted, r.index)
	}
	sort.Ints(admitted)

	selected := make([]string, 0, len(admitted))
	for _, idx := range admitted {
		selected = append(selected, sentences[idx])
	}
	return selected
}
