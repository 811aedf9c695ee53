package store

import (
	"context"
	"math"
	"sort"

	"github.com/mkarlsen/ragline/internal/models"
)

// SearchMode selects which index a search consults.
type SearchMode string

const (
	ModeVector  SearchMode = "vector"
	ModeKeyword SearchMode = "keyword"
	ModeHybrid  SearchMode = "hybrid"
)

// SearchRequest carries the query embedding (vector/hybrid) and/or the
// raw query text (keyword/hybrid).
type SearchRequest struct {
	Vector []float32
	Query  string
	Mode   SearchMode
	TopK   int
}

// Match is one search hit.
type Match struct {
	Chunk models.DocumentChunk
	Score float64
}

// Info summarizes a backend.
type Info struct {
	Count      int64
	Dimensions int
}

// SearchBackend is the contract the retriever consumes. Under hybrid
// mode the backend owns candidate fusion.
type SearchBackend interface {
	Add(ctx context.Context, chunks []models.DocumentChunk, vectors [][]float32) error
	Search(ctx context.Context, req SearchRequest) ([]Match, error)
	Delete(ctx context.Context, documentIDs []string) error
	Info(ctx context.Context) (Info, error)
}

// DocumentStore holds parent documents for parent-document retrieval.
type DocumentStore interface {
	Add(ctx context.Context, docs []models.Document) error
	Get(ctx context.Context, id string) (models.Document, bool, error)
	Delete(ctx context.Context, ids []string) error
}

// rrfK is the standard Reciprocal Rank Fusion constant.
const rrfK = 60

// ReciprocalRankFusion merges ranked lists by summing 1/(k+rank) per
// list for each chunk id. Ties break on chunk id for determinism.
func ReciprocalRankFusion(lists ...[]Match) []Match {
	scores := make(map[string]float64)
	chunks := make(map[string]models.DocumentChunk)
	var order []string

	for _, list := range lists {
		for rank, m := range list {
			if _, seen := scores[m.Chunk.ID]; !seen {
				order = append(order, m.Chunk.ID)
				chunks[m.Chunk.ID] = m.Chunk
			}
			scores[m.Chunk.ID] += 1.0 / float64(rrfK+rank+1)
		}
	}

	fused := make([]Match, 0, len(order))
	for _, id := range order {
		fused = append(fused, Match{Chunk: chunks[id], Score: scores[id]})
	}
	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].Chunk.ID < fused[j].Chunk.ID
	})
	return fused
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when either has zero magnitude.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
