package engine

import (
	"context"

	"github.com/mkarlsen/ragline/internal/models"
)

// StreamResult carries the terminal outcome of a streaming query. It is
// delivered exactly once, after the fragment channel is closed.
type StreamResult struct {
	Response *models.RAGResponse
	Err      error
}

// QueryStream runs the pipeline like Query but streams the terminal
// answer's fragments as they arrive; content generated during tool-call
// rounds is withheld, so the streamed text always matches the terminal
// response's Answer. The fragment channel closes before the result is
// sent. Fragments already delivered cannot be retracted, so a grounding
// failure only clears ContextSufficient on the terminal response; the
// streamed text stands. The exchange is persisted to session memory
// regardless of the grounding verdict.
func (e *Engine) QueryStream(ctx context.Context, query, sessionID string) (<-chan string, <-chan StreamResult) {
	fragments := make(chan string)
	done := make(chan StreamResult, 1)

	go func() {
		defer close(done)
		response, err := e.runStream(ctx, query, sessionID, fragments)
		close(fragments)
		done <- StreamResult{Response: response, Err: err}
	}()

	return fragments, done
}

func (e *Engine) runStream(ctx context.Context, query, sessionID string, fragments chan<- string) (*models.RAGResponse, error) {
	history := e.history(sessionID)

	queries, err := e.transformQueries(ctx, query, history)
	if err != nil {
		return nil, err
	}

	pool, err := e.retrieveAll(ctx, queries)
	if err != nil {
		return nil, err
	}
	pool = capPool(pool, 2*e.config.TopK)

	if e.config.EnableCompression && e.deps.Compressor != nil {
		pool, err = e.deps.Compressor.Compress(ctx, query, pool)
		if err != nil {
			return nil, err
		}
	}

	if len(pool) == 0 {
		if err := emit(ctx, fragments, models.InsufficientContext); err != nil {
			return nil, err
		}
		return insufficientResponse(), nil
	}

	ragCtx := e.deps.Builder.Build(query, pool, e.config.MaxContextTokens, history)

	forward := func(chunk string) error {
		return emit(ctx, fragments, chunk)
	}
	gen, usage, err := e.generateLoop(ctx, ragCtx, forward)
	if err != nil {
		return nil, err
	}

	answer := gen.Content
	grounded := e.deps.Builder.VerifyGrounding(answer, ragCtx)

	if sessionID != "" && e.deps.Sessions != nil {
		e.persist(sessionID, query, answer)
	}

	return e.assembleResponse(answer, ragCtx, grounded && answer != models.InsufficientContext, usage), nil
}

func emit(ctx context.Context, fragments chan<- string, chunk string) error {
	select {
	case fragments <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
