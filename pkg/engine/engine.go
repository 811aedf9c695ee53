package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mkarlsen/ragline/internal/models"
	"github.com/mkarlsen/ragline/pkg/chunker"
	"github.com/mkarlsen/ragline/pkg/compressor"
	"github.com/mkarlsen/ragline/pkg/llm"
	"github.com/mkarlsen/ragline/pkg/memory"
	"github.com/mkarlsen/ragline/pkg/prompt"
	"github.com/mkarlsen/ragline/pkg/retriever"
	"github.com/mkarlsen/ragline/pkg/store"
	"github.com/mkarlsen/ragline/pkg/tools"
)

// ErrNoFinalResponse indicates the generation loop produced nothing.
var ErrNoFinalResponse = errors.New("no final response from generation loop")

type EngineConfig struct {
	TopK                int
	ScoreThreshold      float64
	MaxContextTokens    int
	MaxToolIterations   int
	MaxExpansions       int
	Temperature         float64
	MaxTokens           int
	ChunkStrategy       chunker.Strategy
	EnableRewrite       bool
	EnableExpansion     bool
	EnableDecomposition bool
	EnableHyDE          bool
	EnableCompression   bool
	ParentRetrieval     bool
	CostPer1KTokens     float64
	Logger              *logrus.Logger
}

// Dependencies wires the engine's collaborators together.
type Dependencies struct {
	Chunker     *chunker.Chunker
	Transformer QueryTransformer
	Retriever   *retriever.Retriever
	Compressor  *compressor.Compressor
	Builder     *prompt.Builder
	Sessions    *memory.SessionMemory
	Registry    *tools.Registry
	Generator   llm.Generator
	Embedder    llm.Embedder
	Parents     store.DocumentStore
	Backend     store.SearchBackend
}

// QueryTransformer is the query-transformation capability the engine
// drives. Satisfied by *transform.Transformer.
type QueryTransformer interface {
	Rewrite(ctx context.Context, query string, history []models.ChatMessage) (string, error)
	Expand(ctx context.Context, query string, maxExpansions int) ([]string, error)
	Decompose(ctx context.Context, query string) ([]string, error)
	GenerateHypotheticalDocument(ctx context.Context, query string) (string, error)
}

// Engine composes the pipeline into the query / streaming-query /
// ingest / delete state machine.
type Engine struct {
	deps   Dependencies
	config EngineConfig
	logger *logrus.Logger
}

func New(deps Dependencies, config EngineConfig) (*Engine, error) {
	if deps.Retriever == nil {
		return nil, fmt.Errorf("retriever is required")
	}
	if deps.Builder == nil {
		return nil, fmt.Errorf("context builder is required")
	}
	if deps.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if config.TopK == 0 {
		config.TopK = 5
	}
	if config.MaxContextTokens == 0 {
		config.MaxContextTokens = 4000
	}
	if config.MaxToolIterations == 0 {
		config.MaxToolIterations = 5
	}
	if config.MaxExpansions == 0 {
		config.MaxExpansions = 3
	}
	if config.Temperature == 0 {
		config.Temperature = 0.7
	}
	if config.ChunkStrategy == "" {
		config.ChunkStrategy = chunker.StrategyFixed
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	return &Engine{deps: deps, config: config, logger: config.Logger}, nil
}

// Query runs the full non-streaming pipeline for one question.
func (e *Engine) Query(ctx context.Context, query, sessionID string) (*models.RAGResponse, error) {
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
		// Nothing to ground an answer in; generation is skipped.
		return insufficientResponse(), nil
	}

	ragCtx := e.deps.Builder.Build(query, pool, e.config.MaxContextTokens, history)

	gen, usage, err := e.generateLoop(ctx, ragCtx, nil)
	if err != nil {
		return nil, err
	}

	answer := gen.Content
	grounded := e.deps.Builder.VerifyGrounding(answer, ragCtx)
	if !grounded && answer != models.InsufficientContext {
		e.logger.WithField("query", query).Debug("answer failed grounding verification")
		answer = models.InsufficientContext
	}

	if grounded && sessionID != "" && e.deps.Sessions != nil {
		e.persist(sessionID, query, answer)
	}

	return e.assembleResponse(answer, ragCtx, grounded && answer != models.InsufficientContext, usage), nil
}

// Ingest chunks each document, embeds the chunk texts, optionally
// stores the parent document, and adds chunk/embedding pairs to the
// search backend. A failure propagates; earlier documents stay
// committed.
func (e *Engine) Ingest(ctx context.Context, docs []models.Document) (models.IngestResult, error) {
	var result models.IngestResult
	if e.deps.Chunker == nil || e.deps.Embedder == nil {
		return result, fmt.Errorf("ingest requires a chunker and an embedder")
	}

	for _, doc := range docs {
		chunks, err := e.deps.Chunker.Process(doc, e.config.ChunkStrategy)
		if err != nil {
			return result, fmt.Errorf("failed to chunk document %s: %w", doc.ID, err)
		}
		if len(chunks) == 0 {
			result.Processed++
			continue
		}
		for i := range chunks {
			if doc.Source != "" {
				chunks[i].Metadata["source"] = doc.Source
			}
		}

		texts := make([]string, len(chunks))
		for i, chunk := range chunks {
			texts[i] = chunk.Content
		}
		vectors, err := e.deps.Embedder.Embed(ctx, texts)
		if err != nil {
			return result, fmt.Errorf("failed to embed document %s: %w", doc.ID, err)
		}
		if len(vectors) != len(chunks) {
			return result, fmt.Errorf("chunk/embedding count mismatch for document %s: %d chunks, %d vectors",
				doc.ID, len(chunks), len(vectors))
		}

		if e.config.ParentRetrieval && e.deps.Parents != nil {
			if err := e.deps.Parents.Add(ctx, []models.Document{doc}); err != nil {
				return result, fmt.Errorf("failed to store parent document %s: %w", doc.ID, err)
			}
		}
		if err := e.deps.Retriever.AddDocuments(ctx, chunks, vectors); err != nil {
			return result, fmt.Errorf("failed to index document %s: %w", doc.ID, err)
		}

		result.Processed++
		result.Chunks += len(chunks)
	}
	return result, nil
}

// DeleteDocuments removes chunks from the search backend and, when
// parent retrieval is enabled, the parent documents too.
func (e *Engine) DeleteDocuments(ctx context.Context, ids []string) error {
	return e.deps.Retriever.DeleteDocuments(ctx, ids)
}

// Info reports search backend statistics.
func (e *Engine) Info(ctx context.Context) (store.Info, error) {
	if e.deps.Backend == nil {
		return store.Info{}, fmt.Errorf("no search backend configured")
	}
	return e.deps.Backend.Info(ctx)
}

func (e *Engine) history(sessionID string) []models.ChatMessage {
	if sessionID == "" || e.deps.Sessions == nil {
		return nil
	}
	return e.deps.Sessions.GetHistory(sessionID)
}

// transformQueries applies rewrite, expansion and decomposition in that
// order. Rewrite replaces the seed query; the other transformations
// union their output with the accumulated set, preserving first-seen
// order.
func (e *Engine) transformQueries(ctx context.Context, query string, history []models.ChatMessage) ([]string, error) {
	seed := query
	if e.deps.Transformer == nil {
		return []string{seed}, nil
	}

	if e.config.EnableRewrite {
		rewritten, err := e.deps.Transformer.Rewrite(ctx, query, history)
		if err != nil {
			return nil, err
		}
		seed = rewritten
	}

	queries := []string{seed}
	seen := map[string]bool{seed: true}
	union := func(more []string) {
		for _, q := range more {
			if !seen[q] {
				seen[q] = true
				queries = append(queries, q)
			}
		}
	}

	if e.config.EnableExpansion {
		expanded, err := e.deps.Transformer.Expand(ctx, seed, e.config.MaxExpansions)
		if err != nil {
			return nil, err
		}
		union(expanded)
	}
	if e.config.EnableDecomposition {
		parts, err := e.deps.Transformer.Decompose(ctx, seed)
		if err != nil {
			return nil, err
		}
		union(parts)
	}
	return queries, nil
}

// retrieveAll fans out one retrieval per query concurrently, then merges
// per-query result lists in the order the queries were issued so the
// output is deterministic regardless of completion order. The merged
// pool carries no duplicate chunk ids: first seen wins.
func (e *Engine) retrieveAll(ctx context.Context, queries []string) ([]models.RetrievedDocument, error) {
	results := make([][]models.RetrievedDocument, len(queries))
	g, gctx := errgroup.WithContext(ctx)

	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			target := q
			if e.config.EnableHyDE && e.deps.Transformer != nil {
				hypothetical, err := e.deps.Transformer.GenerateHypotheticalDocument(gctx, q)
				if err != nil {
					return err
				}
				target = hypothetical
			}
			docs, err := e.deps.Retriever.Retrieve(gctx, target, e.config.TopK, e.config.ScoreThreshold)
			if err != nil {
				return err
			}
			results[i] = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var pool []models.RetrievedDocument
	for _, docs := range results {
		for _, doc := range docs {
			if seen[doc.Chunk.ID] {
				continue
			}
			seen[doc.Chunk.ID] = true
			pool = append(pool, doc)
		}
	}
	return pool, nil
}

// capPool keeps the best-scoring documents as a diversity cap. Scores
// from different queries are not guaranteed commensurable, so this is
// best effort.
func capPool(pool []models.RetrievedDocument, limit int) []models.RetrievedDocument {
	sort.SliceStable(pool, func(i, j int) bool { return pool[i].Score > pool[j].Score })
	if limit > 0 && len(pool) > limit {
		pool = pool[:limit]
	}
	return pool
}

// generateLoop drives the model with the packed context and the tool
// catalogue for at most MaxToolIterations rounds. When forward is
// non-nil the terminal response's fragments are streamed through it;
// content produced during tool-call rounds is never forwarded. If the
// iteration cap is reached while the model still requests tools, the
// last response is used as-is.
func (e *Engine) generateLoop(ctx context.Context, ragCtx models.RAGContext, forward llm.StreamFunc) (*llm.Generation, *models.Usage, error) {
	messages := e.deps.Builder.BuildMessages(ragCtx)

	var toolDefs []models.ToolDefinition
	if e.deps.Registry != nil {
		toolDefs = e.deps.Registry.Definitions()
	}
	opts := llm.GenerateOptions{
		Temperature: e.config.Temperature,
		MaxTokens:   e.config.MaxTokens,
		Tools:       toolDefs,
	}

	var usage *models.Usage
	var gen *llm.Generation
	var err error

	for iteration := 0; iteration < e.config.MaxToolIterations; iteration++ {
		// With tools in play a round cannot be known terminal until the
		// call returns, so fragments are buffered per round: tool-call
		// rounds are discarded, only the terminal response reaches the
		// caller. Without tools the stream forwards live.
		var buffered []string
		sink := forward
		if forward != nil && len(toolDefs) > 0 {
			sink = func(chunk string) error {
				buffered = append(buffered, chunk)
				return nil
			}
		}

		if forward != nil {
			gen, err = e.deps.Generator.GenerateStream(ctx, messages, opts, sink)
		} else {
			gen, err = e.deps.Generator.Generate(ctx, messages, opts)
		}
		if err != nil {
			return nil, nil, err
		}
		usage = addUsage(usage, gen.Usage)

		terminal := len(gen.ToolCalls) == 0
		if !terminal && iteration == e.config.MaxToolIterations-1 {
			e.logger.WithField("iterations", e.config.MaxToolIterations).
				Warn("tool iteration cap reached; returning last response as-is")
			terminal = true
		}
		if terminal {
			for _, chunk := range buffered {
				if err := forward(chunk); err != nil {
					return nil, nil, err
				}
			}
			break
		}

		messages = append(messages, models.ChatMessage{
			Role:      models.RoleAssistant,
			Content:   gen.Content,
			Timestamp: time.Now().UTC(),
			ToolCalls: gen.ToolCalls,
		})

		toolResults, err := e.executeTools(ctx, gen.ToolCalls)
		if err != nil {
			return nil, nil, err
		}
		for i, call := range gen.ToolCalls {
			messages = append(messages, models.ChatMessage{
				Role:       models.RoleTool,
				Content:    toolResults[i],
				Timestamp:  time.Now().UTC(),
				ToolCallID: call.ID,
			})
		}
	}

	if gen == nil {
		return nil, nil, ErrNoFinalResponse
	}
	return gen, usage, nil
}

// executeTools runs all requested tools concurrently and returns one
// result per call, in call order. An unknown tool aborts the query.
func (e *Engine) executeTools(ctx context.Context, calls []models.ToolCall) ([]string, error) {
	if e.deps.Registry == nil {
		return nil, fmt.Errorf("model requested tools but no registry is configured")
	}
	results := make([]string, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			result, err := e.deps.Registry.ExecuteTool(gctx, call.Name, call.Arguments)
			if err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Engine) persist(sessionID, query, answer string) {
	now := time.Now().UTC()
	e.deps.Sessions.AddMessage(sessionID, models.ChatMessage{Role: models.RoleUser, Content: query, Timestamp: now})
	e.deps.Sessions.AddMessage(sessionID, models.ChatMessage{Role: models.RoleAssistant, Content: answer, Timestamp: now})
}

func (e *Engine) assembleResponse(answer string, ragCtx models.RAGContext, sufficient bool, usage *models.Usage) *models.RAGResponse {
	sources := make([]models.Source, 0, len(ragCtx.Documents))
	for _, doc := range ragCtx.Documents {
		sources = append(sources, models.Source{
			Content: doc.Chunk.Content,
			Source:  doc.Source,
			Score:   doc.Score,
		})
	}
	resp := &models.RAGResponse{
		Answer:            answer,
		Sources:           sources,
		ContextSufficient: sufficient,
		Usage:             usage,
	}
	if usage != nil && e.config.CostPer1KTokens > 0 {
		resp.Cost = float64(usage.TotalTokens) / 1000 * e.config.CostPer1KTokens
	}
	return resp
}

func insufficientResponse() *models.RAGResponse {
	return &models.RAGResponse{
		Answer:            models.InsufficientContext,
		Sources:           []models.Source{},
		ContextSufficient: false,
	}
}

func addUsage(total, delta *models.Usage) *models.Usage {
	if delta == nil {
		return total
	}
	if total == nil {
		u := *delta
		return &u
	}
	total.PromptTokens += delta.PromptTokens
	total.CompletionTokens += delta.CompletionTokens
	total.TotalTokens += delta.TotalTokens
	return total
}
