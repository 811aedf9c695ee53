package retriever_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/ragline/internal/models"
	"github.com/mkarlsen/ragline/pkg/retriever"
	"github.com/mkarlsen/ragline/pkg/store"
)

type fixedBackend struct {
	matches  []store.Match
	lastTopK int
}

func (f *fixedBackend) Add(ctx context.Context, chunks []models.DocumentChunk, vectors [][]float32) error {
	return nil
}

func (f *fixedBackend) Search(ctx context.Context, req store.SearchRequest) ([]store.Match, error) {
	f.lastTopK = req.TopK
	return f.matches, nil
}

func (f *fixedBackend) Delete(ctx context.Context, documentIDs []string) error { return nil }

func (f *fixedBackend) Info(ctx context.Context) (store.Info, error) { return store.Info{}, nil }

type fixedEmbedder struct {
	vectors [][]float32
	err     error
}

func (f *fixedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vectors, nil
}

func (f *fixedEmbedder) Dimensions() int { return 2 }

type reverseReranker struct{}

func (reverseReranker) Rerank(ctx context.Context, query string, chunks []models.DocumentChunk, topK int) ([]retriever.RankedResult, error) {
	var out []retriever.RankedResult
	for i := len(chunks) - 1; i >= 0; i-- {
		out = append(out, retriever.RankedResult{Index: i, Score: float64(len(chunks) - i)})
	}
	return out, nil
}

func match(id string, score float64) store.Match {
	return store.Match{Chunk: models.DocumentChunk{ID: id, DocumentID: "doc-" + id, Content: "content " + id}, Score: score}
}

func TestThresholdFilterAndOrder(t *testing.T) {
	backend := &fixedBackend{matches: []store.Match{match("a", 0.9), match("b", 0.75), match("c", 0.6)}}
	r := retriever.New(backend, &fixedEmbedder{vectors: [][]float32{{1, 0}}}, nil, nil, retriever.RetrieverConfig{})

	docs, err := r.Retrieve(context.Background(), "q", 5, 0.7)
	require.NoError(t, err)
	require.Len(t, docs, 2, "scores below the threshold are filtered")
	assert.Equal(t, "a", docs[0].Chunk.ID)
	assert.Equal(t, "b", docs[1].Chunk.ID)
	assert.Equal(t, 5, backend.lastTopK, "without a reranker the backend gets exactly topK")
}

func TestRerankerOrderIsAuthoritative(t *testing.T) {
	backend := &fixedBackend{matches: []store.Match{match("a", 0.9), match("b", 0.8), match("c", 0.7)}}
	r := retriever.New(backend, &fixedEmbedder{vectors: [][]float32{{1, 0}}}, reverseReranker{}, nil, retriever.RetrieverConfig{})

	docs, err := r.Retrieve(context.Background(), "q", 3, 0)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "c", docs[0].Chunk.ID, "reranker order must not be re-sorted")
	assert.Equal(t, "b", docs[1].Chunk.ID)
	assert.Equal(t, "a", docs[2].Chunk.ID)
	assert.Equal(t, 20, backend.lastTopK, "reranker path over-fetches max(topK*4, 20)")
}

func TestVectorModeWithoutEmbeddingIsFatal(t *testing.T) {
	backend := &fixedBackend{}
	r := retriever.New(backend, &fixedEmbedder{vectors: nil}, nil, nil, retriever.RetrieverConfig{Mode: store.ModeVector})

	_, err := r.Retrieve(context.Background(), "q", 5, 0)
	assert.ErrorIs(t, err, retriever.ErrNoEmbedding)
}

func TestKeywordModeToleratesNoEmbedding(t *testing.T) {
	backend := &fixedBackend{matches: []store.Match{match("a", 0.5)}}
	embedder := &fixedEmbedder{err: assert.AnError}
	r := retriever.New(backend, embedder, nil, nil, retriever.RetrieverConfig{Mode: store.ModeKeyword})

	docs, err := r.Retrieve(context.Background(), "q", 5, 0)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestParentExpansion(t *testing.T) {
	parents := store.NewMemoryDocumentStore()
	require.NoError(t, parents.Add(context.Background(), []models.Document{
		{ID: "doc-a", Content: "the full parent document"},
	}))

	backend := &fixedBackend{matches: []store.Match{
		match("a", 0.9),
		{Chunk: models.DocumentChunk{ID: "a2", DocumentID: "doc-a", Content: "second slice"}, Score: 0.8},
		match("b", 0.7),
	}}
	r := retriever.New(backend, &fixedEmbedder{vectors: [][]float32{{1, 0}}}, nil, parents,
		retriever.RetrieverConfig{ParentRetrieval: true})

	docs, err := r.Retrieve(context.Background(), "q", 5, 0)
	require.NoError(t, err)
	require.Len(t, docs, 2, "chunks sharing a parent are deduplicated, first occurrence wins")
	assert.Equal(t, "the full parent document", docs[0].Chunk.Content)
	assert.Equal(t, 0.9, docs[0].Score, "score is kept when content is substituted")
	assert.Equal(t, "content b", docs[1].Chunk.Content, "a missing parent keeps the original chunk")
}

func TestSourceResolution(t *testing.T) {
	backend := &fixedBackend{matches: []store.Match{
		{Chunk: models.DocumentChunk{ID: "x", DocumentID: "doc-x", Content: "c",
			Metadata: map[string]any{"source": "guide.pdf"}}, Score: 0.9},
		match("y", 0.8),
	}}
	r := retriever.New(backend, &fixedEmbedder{vectors: [][]float32{{1, 0}}}, nil, nil, retriever.RetrieverConfig{})

	docs, err := r.Retrieve(context.Background(), "q", 5, 0)
	require.NoError(t, err)
	assert.Equal(t, "guide.pdf", docs[0].Source)
	assert.Equal(t, "doc-y", docs[1].Source, "document id is the fallback source label")
}
