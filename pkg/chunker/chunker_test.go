package chunker_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/ragline/internal/models"
	"github.com/mkarlsen/ragline/pkg/chunker"
)

func longDocument(words int) models.Document {
	parts := make([]string, words)
	for i := range parts {
		parts[i] = fmt.Sprintf("token%d", i)
	}
	return models.Document{
		ID:      "doc-1",
		Content: strings.Join(parts, " "),
		Source:  "test",
	}
}

func TestFixedChunking(t *testing.T) {
	c := chunker.NewWithConfig(chunker.ChunkerConfig{
		MaxTokens: 150,
		MinTokens: 20,
		Overlap:   30,
	})

	doc := longDocument(600)
	chunks, err := c.Process(doc, chunker.StrategyFixed)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1, "a long document must produce multiple chunks")

	for i, ch := range chunks {
		assert.Equal(t, i, ch.Position, "positions must be contiguous from 0")
		assert.Equal(t, "doc-1", ch.DocumentID)
		assert.Equal(t, "fixed", ch.Metadata["chunkStrategy"])
		if i < len(chunks)-1 {
			assert.GreaterOrEqual(t, ch.TokenCount, 20, "only the final chunk may fall below the minimum")
		}
	}
}

func TestFixedChunkingStopsWhenCursorCannotAdvance(t *testing.T) {
	// Overlap at or above the window size means the cursor cannot make
	// progress; chunking emits the first window and stops.
	c := chunker.NewWithConfig(chunker.ChunkerConfig{
		MaxTokens: 10,
		MinTokens: 1,
		Overlap:   50,
	})

	chunks, err := c.Process(longDocument(100), chunker.StrategyFixed)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Position)
}

func TestChunkingIdempotence(t *testing.T) {
	c := chunker.NewWithConfig(chunker.ChunkerConfig{MaxTokens: 120, MinTokens: 10, Overlap: 20})
	doc := longDocument(400)

	first, err := c.Process(doc, chunker.StrategyFixed)
	require.NoError(t, err)
	second, err := c.Process(doc, chunker.StrategyFixed)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Content, second[i].Content)
		assert.Equal(t, first[i].Checksum, second[i].Checksum)
		assert.Equal(t, first[i].ID, second[i].ID)
	}
}

func TestSemanticChunking(t *testing.T) {
	c := chunker.NewWithConfig(chunker.ChunkerConfig{MaxTokens: 25, MinTokens: 1, Overlap: 1})
	doc := models.Document{
		ID: "doc-sem",
		Content: "The first sentence sets the scene. The second sentence adds detail. " +
			"The third sentence keeps going with more words than before. " +
			"The fourth sentence closes out the paragraph entirely.",
	}

	chunks, err := c.Process(doc, chunker.StrategySemantic)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	var joined []string
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Position)
		assert.Equal(t, "semantic", ch.Metadata["chunkStrategy"])
		joined = append(joined, ch.Content)
	}
	// No sentence may be lost.
	all := strings.Join(joined, " ")
	assert.Contains(t, all, "first sentence")
	assert.Contains(t, all, "fourth sentence")
}

func TestRecursiveChunking(t *testing.T) {
	c := chunker.NewWithConfig(chunker.ChunkerConfig{MaxTokens: 30, MinTokens: 1, Overlap: 1})
	small := "A short paragraph that fits."
	bigLines := make([]string, 40)
	for i := range bigLines {
		bigLines[i] = fmt.Sprintf("line %d of an oversized paragraph", i)
	}
	doc := models.Document{
		ID:      "doc-rec",
		Content: small + "\n\n" + strings.Join(bigLines, "\n"),
	}

	chunks, err := c.Process(doc, chunker.StrategyRecursive)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 2)
	assert.Equal(t, small, chunks[0].Content, "a fitting paragraph becomes exactly one chunk")
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Position)
	}
}

func TestUnknownStrategy(t *testing.T) {
	c := chunker.NewWithConfig(chunker.ChunkerConfig{})
	_, err := c.Process(models.Document{ID: "d", Content: "x"}, chunker.Strategy("bogus"))
	assert.Error(t, err)
}

func TestChecksumDeterministic(t *testing.T) {
	c := chunker.NewWithConfig(chunker.ChunkerConfig{})
	assert.Equal(t, c.Checksum("hello"), c.Checksum("hello"))
	assert.NotEqual(t, c.Checksum("hello"), c.Checksum("world"))
}

func TestSplitSentences(t *testing.T) {
	got := chunker.SplitSentences("One. Two! Three? Trailing fragment")
	assert.Equal(t, []string{"One.", "Two!", "Three?", "Trailing fragment"}, got)
}
