package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/mkarlsen/ragline/internal/models"
)

// RetryGenerator wraps a Generator with exponential-backoff retries. Any
// capability implementation can opt in by composition.
type RetryGenerator struct {
	inner       Generator
	maxAttempts int
	baseDelay   time.Duration
}

func NewRetryGenerator(inner Generator, maxAttempts int, baseDelay time.Duration) *RetryGenerator {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &RetryGenerator{inner: inner, maxAttempts: maxAttempts, baseDelay: baseDelay}
}

func (r *RetryGenerator) Generate(ctx context.Context, messages []models.ChatMessage, opts GenerateOptions) (*Generation, error) {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.baseDelay << (attempt - 1)):
			}
		}
		gen, err := r.inner.Generate(ctx, messages, opts)
		if err == nil {
			return gen, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("generation failed after %d attempts: %w", r.maxAttempts, lastErr)
}

// GenerateStream retries only while nothing has been forwarded to the
// caller; a stream that already emitted fragments cannot be restarted.
func (r *RetryGenerator) GenerateStream(ctx context.Context, messages []models.ChatMessage, opts GenerateOptions, fn StreamFunc) (*Generation, error) {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.baseDelay << (attempt - 1)):
			}
		}
		emitted := false
		gen, err := r.inner.GenerateStream(ctx, messages, opts, func(chunk string) error {
			emitted = true
			return fn(chunk)
		})
		if err == nil {
			return gen, nil
		}
		if emitted {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("generation stream failed after %d attempts: %w", r.maxAttempts, lastErr)
}

// RetryEmbedder wraps an Embedder with exponential-backoff retries.
type RetryEmbedder struct {
	inner       Embedder
	maxAttempts int
	baseDelay   time.Duration
}

func NewRetryEmbedder(inner Embedder, maxAttempts int, baseDelay time.Duration) *RetryEmbedder {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &RetryEmbedder{inner: inner, maxAttempts: maxAttempts, baseDelay: baseDelay}
}

func (r *RetryEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.baseDelay << (attempt - 1)):
			}
		}
		vectors, err := r.inner.Embed(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", r.maxAttempts, lastErr)
}

func (r *RetryEmbedder) Dimensions() int {
	return r.inner.Dimensions()
}
