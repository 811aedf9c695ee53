package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/mkarlsen/ragline/internal/models"
)

type memoryEntry struct {
	chunk  models.DocumentChunk
	vector []float32
}

// MemoryStore is an in-memory SearchBackend used for tests and for
// running without external infrastructure. Vector search is brute-force
// cosine similarity; keyword search is term-overlap scoring; hybrid
// fuses the two lists with RRF.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	order   []string
	dims    int
}

func NewMemoryStore(dimensions int) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		dims:    dimensions,
	}
}

func (s *MemoryStore) Add(ctx context.Context, chunks []models.DocumentChunk, vectors [][]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, chunk := range chunks {
		if _, exists := s.entries[chunk.ID]; !exists {
			s.order = append(s.order, chunk.ID)
		}
		var vec []float32
		if i < len(vectors) {
			vec = vectors[i]
		}
		s.entries[chunk.ID] = memoryEntry{chunk: chunk, vector: vec}
	}
	return nil
}

func (s *MemoryStore) Search(ctx context.Context, req SearchRequest) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch req.Mode {
	case ModeKeyword:
		return topN(s.keywordMatches(req.Query), req.TopK), nil
	case ModeHybrid:
		fused := ReciprocalRankFusion(
			s.vectorMatches(req.Vector),
			s.keywordMatches(req.Query),
		)
		return topN(fused, req.TopK), nil
	default:
		return topN(s.vectorMatches(req.Vector), req.TopK), nil
	}
}

func (s *MemoryStore) vectorMatches(vector []float32) []Match {
	var matches []Match
	for _, id := range s.order {
		entry := s.entries[id]
		if entry.vector == nil {
			continue
		}
		matches = append(matches, Match{
			Chunk: entry.chunk,
			Score: CosineSimilarity(vector, entry.vector),
		})
	}
	sortMatches(matches)
	return matches
}

func (s *MemoryStore) keywordMatches(query string) []Match {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil
	}
	var matches []Match
	for _, id := range s.order {
		entry := s.entries[id]
		content := strings.ToLower(entry.chunk.Content)
		hits := 0
		for _, term := range terms {
			if strings.Contains(content, term) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		matches = append(matches, Match{
			Chunk: entry.chunk,
			Score: float64(hits) / float64(len(terms)),
		})
	}
	sortMatches(matches)
	return matches
}

func (s *MemoryStore) Delete(ctx context.Context, documentIDs []string) error {
	drop := make(map[string]bool, len(documentIDs))
	for _, id := range documentIDs {
		drop[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []string
	for _, id := range s.order {
		if drop[s.entries[id].chunk.DocumentID] {
			delete(s.entries, id)
		} else {
			kept = append(kept, id)
		}
	}
	s.order = kept
	return nil
}

func (s *MemoryStore) Info(ctx context.Context) (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{Count: int64(len(s.entries)), Dimensions: s.dims}, nil
}

func sortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Chunk.ID < matches[j].Chunk.ID
	})
}

func topN(matches []Match, n int) []Match {
	if n > 0 && len(matches) > n {
		return matches[:n]
	}
	return matches
}

// MemoryDocumentStore is an in-memory DocumentStore.
type MemoryDocumentStore struct {
	mu   sync.RWMutex
	docs map[string]models.Document
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{docs: make(map[string]models.Document)}
}

func (s *MemoryDocumentStore) Add(ctx context.Context, docs []models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range docs {
		s.docs[doc.ID] = doc
	}
	return nil
}

func (s *MemoryDocumentStore) Get(ctx context.Context, id string) (models.Document, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	return doc, ok, nil
}

func (s *MemoryDocumentStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.docs, id)
	}
	return nil
}
