package retriever

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/mkarlsen/ragline/internal/models"
	"github.com/mkarlsen/ragline/pkg/llm"
	"github.com/mkarlsen/ragline/pkg/store"
)

// ErrNoEmbedding indicates a missing or empty query embedding under a
// mode that requires one. This is fatal for the whole query.
var ErrNoEmbedding = errors.New("query embedding unavailable")

// RankedResult is a reranker verdict: an index into the candidate slice
// plus the reranker's own score.
type RankedResult struct {
	Index int
	Score float64
}

// Reranker reorders a candidate pool by query relevance. Its output
// order is authoritative.
type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []models.DocumentChunk, topK int) ([]RankedResult, error)
}

type RetrieverConfig struct {
	Mode            store.SearchMode
	ParentRetrieval bool
	Logger          *logrus.Logger
}

// Retriever turns a query into ranked RetrievedDocuments using the
// search backend, an optional reranker, and optional parent-document
// expansion.
type Retriever struct {
	backend  store.SearchBackend
	embedder llm.Embedder
	reranker Reranker
	parents  store.DocumentStore
	config   RetrieverConfig
	logger   *logrus.Logger
}

func New(backend store.SearchBackend, embedder llm.Embedder, reranker Reranker, parents store.DocumentStore, config RetrieverConfig) *Retriever {
	if config.Mode == "" {
		config.Mode = store.ModeVector
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	return &Retriever{
		backend:  backend,
		embedder: embedder,
		reranker: reranker,
		parents:  parents,
		config:   config,
		logger:   config.Logger,
	}
}

func (r *Retriever) Retrieve(ctx context.Context, query string, topK int, scoreThreshold float64) ([]models.RetrievedDocument, error) {
	req := store.SearchRequest{Mode: r.config.Mode, TopK: topK}

	if r.config.Mode != store.ModeKeyword {
		vectors, err := r.embedder.Embed(ctx, []string{query})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoEmbedding, err)
		}
		if len(vectors) == 0 || len(vectors[0]) == 0 {
			return nil, ErrNoEmbedding
		}
		req.Vector = vectors[0]
	}
	if r.config.Mode != store.ModeVector {
		req.Query = query
	}

	// With a reranker in play, over-fetch a candidate pool for it to
	// judge; without one the backend's topK is final.
	if r.reranker != nil {
		req.TopK = overFetch(topK)
	}

	matches, err := r.backend.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	var docs []models.RetrievedDocument
	if r.reranker != nil {
		docs, err = r.rerank(ctx, query, matches, topK, scoreThreshold)
		if err != nil {
			return nil, err
		}
	} else {
		docs = selectTop(matches, topK, scoreThreshold)
	}

	if r.config.ParentRetrieval && r.parents != nil {
		docs = r.expandParents(ctx, docs)
	}
	return docs, nil
}

func overFetch(topK int) int {
	pool := topK * 4
	if pool < 20 {
		pool = 20
	}
	return pool
}

// rerank sends the full pool to the reranker and honors its order as-is,
// filtering by threshold only.
func (r *Retriever) rerank(ctx context.Context, query string, matches []store.Match, topK int, scoreThreshold float64) ([]models.RetrievedDocument, error) {
	if len(matches) == 0 {
		return nil, nil
	}
	chunks := make([]models.DocumentChunk, len(matches))
	for i, m := range matches {
		chunks[i] = m.Chunk
	}

	ranked, err := r.reranker.Rerank(ctx, query, chunks, topK)
	if err != nil {
		return nil, fmt.Errorf("rerank failed: %w", err)
	}

	var docs []models.RetrievedDocument
	for _, rr := range ranked {
		if rr.Index < 0 || rr.Index >= len(chunks) {
			continue
		}
		if rr.Score < scoreThreshold {
			continue
		}
		docs = append(docs, retrieved(chunks[rr.Index], rr.Score))
	}
	return docs, nil
}

func selectTop(matches []store.Match, topK int, scoreThreshold float64) []models.RetrievedDocument {
	var docs []models.RetrievedDocument
	for _, m := range matches {
		if m.Score < scoreThreshold {
			continue
		}
		docs = append(docs, retrieved(m.Chunk, m.Score))
	}
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Score > docs[j].Score })
	if topK > 0 && len(docs) > topK {
		docs = docs[:topK]
	}
	return docs
}

// expandParents substitutes each surviving chunk's content with its
// parent document's full content, deduplicating by parent id with the
// first occurrence winning. A missing parent keeps the original chunk.
func (r *Retriever) expandParents(ctx context.Context, docs []models.RetrievedDocument) []models.RetrievedDocument {
	seen := make(map[string]bool, len(docs))
	out := make([]models.RetrievedDocument, 0, len(docs))

	for _, doc := range docs {
		parentID := doc.Chunk.DocumentID
		if pid, ok := doc.Chunk.Metadata["parentId"].(string); ok && pid != "" {
			parentID = pid
		}
		if seen[parentID] {
			continue
		}
		seen[parentID] = true

		parent, found, err := r.parents.Get(ctx, parentID)
		if err != nil || !found {
			if err != nil {
				r.logger.WithError(err).WithField("parent", parentID).Debug("parent lookup failed, keeping chunk")
			}
			out = append(out, doc)
			continue
		}
		doc.Chunk.Content = parent.Content
		out = append(out, doc)
	}
	return out
}

func (r *Retriever) AddDocuments(ctx context.Context, chunks []models.DocumentChunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunk/embedding count mismatch: %d chunks, %d vectors", len(chunks), len(vectors))
	}
	return r.backend.Add(ctx, chunks, vectors)
}

func (r *Retriever) DeleteDocuments(ctx context.Context, ids []string) error {
	if err := r.backend.Delete(ctx, ids); err != nil {
		return err
	}
	if r.config.ParentRetrieval && r.parents != nil {
		return r.parents.Delete(ctx, ids)
	}
	return nil
}

func retrieved(chunk models.DocumentChunk, score float64) models.RetrievedDocument {
	source := chunk.DocumentID
	if s, ok := chunk.Metadata["source"].(string); ok && s != "" {
		source = s
	}
	return models.RetrievedDocument{Chunk: chunk, Score: score, Source: source}
}
