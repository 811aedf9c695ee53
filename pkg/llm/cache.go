package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// CachingEmbedder memoizes embeddings keyed by content checksum. The
// cache is append-only and shared across every caller of the same
// instance; identical concurrent lookups are safe.
type CachingEmbedder struct {
	inner Embedder
	mu    sync.RWMutex
	cache map[string][]float32
}

func NewCachingEmbedder(inner Embedder) *CachingEmbedder {
	return &CachingEmbedder{
		inner: inner,
		cache: make(map[string][]float32),
	}
}

func (c *CachingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	c.mu.RLock()
	for i, text := range texts {
		if vec, ok := c.cache[cacheKey(text)]; ok {
			out[i] = vec
		} else {
			missing = append(missing, text)
			missingIdx = append(missingIdx, i)
		}
	}
	c.mu.RUnlock()

	if len(missing) == 0 {
		return out, nil
	}

	vectors, err := c.inner.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	for i, vec := range vectors {
		out[missingIdx[i]] = vec
		c.cache[cacheKey(missing[i])] = vec
	}
	c.mu.Unlock()

	return out, nil
}

func (c *CachingEmbedder) Dimensions() int {
	return c.inner.Dimensions()
}

// Len reports how many distinct texts have been cached.
func (c *CachingEmbedder) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
