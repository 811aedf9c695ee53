package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sirupsen/logrus"

	"github.com/mkarlsen/ragline/internal/models"
)

// Strategy selects how a document is split into chunks.
type Strategy string

const (
	StrategyFixed     Strategy = "fixed"
	StrategySemantic  Strategy = "semantic"
	StrategyRecursive Strategy = "recursive"
)

type ChunkerConfig struct {
	MaxTokens     int
	MinTokens     int
	Overlap       int
	TokensPerWord float64
	Encoding      string
	Logger        *logrus.Logger
}

// Chunker splits documents into bounded, checksummed chunks. Token counts
// come from tiktoken when the encoding is available and fall back to a
// deterministic words-per-token approximation otherwise; either way the
// same function is used for every budget check in the pipeline.
type Chunker struct {
	config   ChunkerConfig
	encoding *tiktoken.Tiktoken
	logger   *logrus.Logger
}

func NewWithConfig(config ChunkerConfig) *Chunker {
	if config.MaxTokens == 0 {
		config.MaxTokens = 500
	}
	if config.MinTokens == 0 {
		config.MinTokens = 50
	}
	if config.Overlap == 0 {
		config.Overlap = 50
	}
	if config.TokensPerWord == 0 {
		config.TokensPerWord = 1.3
	}
	if config.Encoding == "" {
		config.Encoding = "cl100k_base"
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	enc, err := tiktoken.GetEncoding(config.Encoding)
	if err != nil {
		config.Logger.WithError(err).Warn("tiktoken encoding unavailable, using word-ratio token estimate")
		enc = nil
	}

	return &Chunker{
		config:   config,
		encoding: enc,
		logger:   config.Logger,
	}
}

// CountTokens returns a deterministic token count for text.
func (c *Chunker) CountTokens(text string) int {
	if c.encoding != nil {
		return len(c.encoding.Encode(text, nil, nil))
	}
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * c.config.TokensPerWord))
}

// Checksum returns the hex SHA-256 of text.
func (c *Chunker) Checksum(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Process splits a document with the given strategy. Positions start at 0
// and increase only for chunks that are actually emitted.
func (c *Chunker) Process(doc models.Document, strategy Strategy) ([]models.DocumentChunk, error) {
	switch strategy {
	case StrategyFixed:
		return c.fixedChunks(doc), nil
	case StrategySemantic:
		return c.semanticChunks(doc), nil
	case StrategyRecursive:
		return c.recursiveChunks(doc), nil
	default:
		return nil, fmt.Errorf("unknown chunking strategy: %q", strategy)
	}
}

func (c *Chunker) fixedChunks(doc models.Document) []models.DocumentChunk {
	words := strings.Fields(doc.Content)
	if len(words) == 0 {
		return nil
	}

	window := int(float64(c.config.MaxTokens) / c.config.TokensPerWord)
	if window < 1 {
		window = 1
	}
	overlap := int(float64(c.config.Overlap) / c.config.TokensPerWord)
	advance := window - overlap
	// An overlap at or above the window size cannot advance the cursor;
	// chunking stops after the first window instead of re-reading it.
	stalled := advance < 1
	if stalled {
		advance = window
	}

	var chunks []models.DocumentChunk
	position := 0
	for start := 0; start < len(words); start += advance {
		end := start + window
		if end > len(words) {
			end = len(words)
		}
		content := strings.Join(words[start:end], " ")
		tokens := c.CountTokens(content)
		final := end == len(words)

		// Undersized slices are discarded unless they are the final
		// remainder of the document.
		if tokens >= c.config.MinTokens || final {
			chunks = append(chunks, c.newChunk(doc, content, position, tokens, StrategyFixed))
			position++
		}
		if final || stalled {
			break
		}
	}
	return chunks
}

func (c *Chunker) semanticChunks(doc models.Document) []models.DocumentChunk {
	sentences := SplitSentences(doc.Content)
	return c.accumulate(doc, sentences, " ", StrategySemantic)
}

func (c *Chunker) recursiveChunks(doc models.Document) []models.DocumentChunk {
	paragraphs := splitNonEmpty(doc.Content, "\n\n")

	var chunks []models.DocumentChunk
	position := 0
	for _, paragraph := range paragraphs {
		if c.CountTokens(paragraph) <= c.config.MaxTokens {
			tokens := c.CountTokens(paragraph)
			chunks = append(chunks, c.newChunk(doc, paragraph, position, tokens, StrategyRecursive))
			position++
			continue
		}
		// Oversized paragraphs fall back to line-level accumulation.
		lines := splitNonEmpty(paragraph, "\n")
		for _, content := range c.greedyJoin(lines, "\n") {
			chunks = append(chunks, c.newChunk(doc, content, position, c.CountTokens(content), StrategyRecursive))
			position++
		}
	}
	return chunks
}

// accumulate greedily packs pieces into chunks that stay under MaxTokens,
// emitting a trailing partial chunk at end of input.
func (c *Chunker) accumulate(doc models.Document, pieces []string, sep string, strategy Strategy) []models.DocumentChunk {
	var chunks []models.DocumentChunk
	position := 0
	for _, content := range c.greedyJoin(pieces, sep) {
		chunks = append(chunks, c.newChunk(doc, content, position, c.CountTokens(content), strategy))
		position++
	}
	return chunks
}

func (c *Chunker) greedyJoin(pieces []string, sep string) []string {
	var out []string
	var current strings.Builder
	currentTokens := 0

	for _, piece := range pieces {
		pieceTokens := c.CountTokens(piece)
		if current.Len() > 0 && currentTokens+pieceTokens > c.config.MaxTokens {
			out = append(out, current.String())
			current.Reset()
			currentTokens = 0
		}
		if current.Len() > 0 {
			current.WriteString(sep)
		}
		current.WriteString(piece)
		currentTokens += pieceTokens
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}

func (c *Chunker) newChunk(doc models.Document, content string, position, tokens int, strategy Strategy) models.DocumentChunk {
	metadata := make(map[string]any, len(doc.Metadata)+1)
	for k, v := range doc.Metadata {
		metadata[k] = v
	}
	metadata["chunkStrategy"] = string(strategy)

	return models.DocumentChunk{
		ID:         fmt.Sprintf("%s:%s:%d", doc.ID, strategy, position),
		Content:    content,
		DocumentID: doc.ID,
		Position:   position,
		TokenCount: tokens,
		Checksum:   c.Checksum(content),
		CreatedAt:  time.Now().UTC(),
		Metadata:   metadata,
	}
}

// SplitSentences performs basic sentence boundary splitting on
// terminating punctuation followed by whitespace.
func SplitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			next := i + 1
			if next >= len(runes) || runes[next] == ' ' || runes[next] == '\n' || runes[next] == '\t' {
				if s := strings.TrimSpace(current.String()); s != "" {
					sentences = append(sentences, s)
				}
				current.Reset()
			}
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func splitNonEmpty(text, sep string) []string {
	var out []string
	for _, part := range strings.Split(text, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
