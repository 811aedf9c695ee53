package engine_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/ragline/internal/models"
	"github.com/mkarlsen/ragline/pkg/chunker"
	"github.com/mkarlsen/ragline/pkg/engine"
	"github.com/mkarlsen/ragline/pkg/llm"
	"github.com/mkarlsen/ragline/pkg/memory"
	"github.com/mkarlsen/ragline/pkg/prompt"
	"github.com/mkarlsen/ragline/pkg/retriever"
	"github.com/mkarlsen/ragline/pkg/store"
	"github.com/mkarlsen/ragline/pkg/tools"
)

type scriptedGenerator struct {
	mu     sync.Mutex
	queue  []*llm.Generation
	repeat *llm.Generation
	calls  int
}

func (g *scriptedGenerator) next() *llm.Generation {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if len(g.queue) > 0 {
		gen := g.queue[0]
		g.queue = g.queue[1:]
		return gen
	}
	return g.repeat
}

func (g *scriptedGenerator) Generate(ctx context.Context, messages []models.ChatMessage, opts llm.GenerateOptions) (*llm.Generation, error) {
	gen := g.next()
	if gen == nil {
		return nil, llm.ErrNoResponse
	}
	return gen, nil
}

func (g *scriptedGenerator) GenerateStream(ctx context.Context, messages []models.ChatMessage, opts llm.GenerateOptions, fn llm.StreamFunc) (*llm.Generation, error) {
	gen := g.next()
	if gen == nil {
		return nil, llm.ErrNoResponse
	}
	// Real providers stream whatever text accompanies a response, tool
	// calls included.
	if gen.Content != "" {
		half := len(gen.Content) / 2
		if err := fn(gen.Content[:half]); err != nil {
			return nil, err
		}
		if err := fn(gen.Content[half:]); err != nil {
			return nil, err
		}
	}
	return gen, nil
}

func (g *scriptedGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type recordingEmbedder struct {
	mu    sync.Mutex
	texts []string
}

func (e *recordingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.texts = append(e.texts, texts...)
	e.mu.Unlock()
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{1, 0}
	}
	return vectors, nil
}

func (e *recordingEmbedder) Dimensions() int { return 2 }

func (e *recordingEmbedder) seen() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.texts))
	copy(out, e.texts)
	return out
}

func wordCount(text string) int { return len(strings.Fields(text)) }

type testPipeline struct {
	engine    *engine.Engine
	backend   *store.MemoryStore
	generator *scriptedGenerator
	embedder  *recordingEmbedder
	sessions  *memory.SessionMemory
	registry  *tools.Registry
}

func newPipeline(t *testing.T, gen *scriptedGenerator, config engine.EngineConfig) *testPipeline {
	t.Helper()
	backend := store.NewMemoryStore(2)
	embedder := &recordingEmbedder{}
	sessions := memory.New(10)
	registry := tools.NewRegistry(nil)

	ret := retriever.New(backend, embedder, nil, nil, retriever.RetrieverConfig{Mode: store.ModeVector})
	builder := prompt.NewBuilder(wordCount, prompt.BuilderConfig{})

	e, err := engine.New(engine.Dependencies{
		Chunker:   chunker.NewWithConfig(chunker.ChunkerConfig{}),
		Retriever: ret,
		Builder:   builder,
		Sessions:  sessions,
		Registry:  registry,
		Generator: gen,
		Embedder:  embedder,
		Backend:   backend,
	}, config)
	require.NoError(t, err)

	return &testPipeline{
		engine:    e,
		backend:   backend,
		generator: gen,
		embedder:  embedder,
		sessions:  sessions,
		registry:  registry,
	}
}

func (p *testPipeline) seedChunk(t *testing.T, id, docID, content string) {
	t.Helper()
	chunk := models.DocumentChunk{
		ID:         id,
		DocumentID: docID,
		Content:    content,
		TokenCount: wordCount(content),
		Metadata:   map[string]any{},
	}
	require.NoError(t, p.backend.Add(context.Background(), []models.DocumentChunk{chunk}, [][]float32{{1, 0}}))
}

func TestQueryWithNoMatchesSkipsGeneration(t *testing.T) {
	gen := &scriptedGenerator{repeat: &llm.Generation{Content: "should never be used"}}
	p := newPipeline(t, gen, engine.EngineConfig{})

	resp, err := p.engine.Query(context.Background(), "anything at all", "")
	require.NoError(t, err)

	assert.Equal(t, models.InsufficientContext, resp.Answer)
	assert.False(t, resp.ContextSufficient)
	assert.NotNil(t, resp.Sources)
	assert.Empty(t, resp.Sources)
	assert.Zero(t, gen.callCount(), "generation must be skipped when retrieval finds nothing")
}

func TestQueryGroundedAnswerPersistsSession(t *testing.T) {
	gen := &scriptedGenerator{queue: []*llm.Generation{
		{Content: "The reactor runs sodium coolant loops.", Usage: &models.Usage{PromptTokens: 40, CompletionTokens: 8, TotalTokens: 48}},
	}}
	p := newPipeline(t, gen, engine.EngineConfig{})
	p.seedChunk(t, "c1", "doc-1", "the reactor uses sodium coolant loops for heat transfer")

	resp, err := p.engine.Query(context.Background(), "how is the reactor cooled", "sess-1")
	require.NoError(t, err)

	assert.Equal(t, "The reactor runs sodium coolant loops.", resp.Answer)
	assert.True(t, resp.ContextSufficient)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "doc-1", resp.Sources[0].Source)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 48, resp.Usage.TotalTokens)

	history := p.sessions.GetHistory("sess-1")
	require.Len(t, history, 2)
	assert.Equal(t, models.RoleUser, history[0].Role)
	assert.Equal(t, models.RoleAssistant, history[1].Role)
}

func TestUngroundedAnswerDowngraded(t *testing.T) {
	gen := &scriptedGenerator{queue: []*llm.Generation{
		{Content: "Zebras juggle quietly overnight somewhere."},
	}}
	p := newPipeline(t, gen, engine.EngineConfig{})
	p.seedChunk(t, "c1", "doc-1", "the reactor uses sodium coolant loops for heat transfer")

	resp, err := p.engine.Query(context.Background(), "how is the reactor cooled", "sess-1")
	require.NoError(t, err)

	assert.Equal(t, models.InsufficientContext, resp.Answer)
	assert.False(t, resp.ContextSufficient)
	assert.Len(t, resp.Sources, 1, "sources used for the attempt are still reported")
	assert.Empty(t, p.sessions.GetHistory("sess-1"), "ungrounded exchanges are not persisted")
}

func TestToolLoopIterationCap(t *testing.T) {
	gen := &scriptedGenerator{repeat: &llm.Generation{
		Content:   "still working on it",
		ToolCalls: []models.ToolCall{{ID: "call-1", Name: "probe", Arguments: `{}`}},
	}}
	p := newPipeline(t, gen, engine.EngineConfig{MaxToolIterations: 5})
	p.seedChunk(t, "c1", "doc-1", "still working on it says the probe")

	var executions int
	var mu sync.Mutex
	require.NoError(t, p.registry.Register(tools.Tool{
		ToolDefinition: models.ToolDefinition{Name: "probe"},
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			mu.Lock()
			executions++
			mu.Unlock()
			return "probe result", nil
		},
	}))

	resp, err := p.engine.Query(context.Background(), "probe the system", "")
	require.NoError(t, err)

	assert.Equal(t, 5, gen.callCount(), "loop stops after the iteration cap")
	mu.Lock()
	assert.Equal(t, 4, executions, "the capped iteration's tool calls are not executed")
	mu.Unlock()
	assert.Equal(t, "still working on it", resp.Answer)
}

func TestQueryStreamDeliversFragmentsThenResult(t *testing.T) {
	gen := &scriptedGenerator{queue: []*llm.Generation{
		{Content: "Zebras juggle quietly overnight somewhere."},
	}}
	p := newPipeline(t, gen, engine.EngineConfig{})
	p.seedChunk(t, "c1", "doc-1", "the reactor uses sodium coolant loops for heat transfer")

	fragments, done := p.engine.QueryStream(context.Background(), "how is the reactor cooled", "sess-s")

	var streamed strings.Builder
	count := 0
	for fragment := range fragments {
		streamed.WriteString(fragment)
		count++
	}
	result := <-done
	require.NoError(t, result.Err)

	assert.GreaterOrEqual(t, count, 2)
	assert.Equal(t, "Zebras juggle quietly overnight somewhere.", streamed.String())
	// Streamed text cannot be retracted; grounding failure only clears the flag.
	assert.Equal(t, "Zebras juggle quietly overnight somewhere.", result.Response.Answer)
	assert.False(t, result.Response.ContextSufficient)
	assert.Len(t, p.sessions.GetHistory("sess-s"), 2, "streaming persists regardless of grounding")
}

func TestQueryStreamWithholdsToolRoundContent(t *testing.T) {
	gen := &scriptedGenerator{queue: []*llm.Generation{
		{
			Content:   "Let me check the reactor gauges first. ",
			ToolCalls: []models.ToolCall{{ID: "call-1", Name: "gauge", Arguments: `{}`}},
		},
		{Content: "The reactor uses sodium coolant loops."},
	}}
	p := newPipeline(t, gen, engine.EngineConfig{})
	p.seedChunk(t, "c1", "doc-1", "the reactor uses sodium coolant loops for heat transfer")
	require.NoError(t, p.registry.Register(tools.Tool{
		ToolDefinition: models.ToolDefinition{Name: "gauge"},
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			return "nominal", nil
		},
	}))

	fragments, done := p.engine.QueryStream(context.Background(), "how is the reactor cooled", "")

	var streamed strings.Builder
	for fragment := range fragments {
		streamed.WriteString(fragment)
	}
	result := <-done
	require.NoError(t, result.Err)

	assert.Equal(t, "The reactor uses sodium coolant loops.", streamed.String(),
		"tool-round narration must not reach the caller")
	assert.Equal(t, result.Response.Answer, streamed.String(),
		"streamed text and the terminal answer must agree")
	assert.True(t, result.Response.ContextSufficient)
}

func TestQueryStreamNoMatchesEmitsSentinel(t *testing.T) {
	gen := &scriptedGenerator{}
	p := newPipeline(t, gen, engine.EngineConfig{})

	fragments, done := p.engine.QueryStream(context.Background(), "anything", "")

	var collected []string
	for fragment := range fragments {
		collected = append(collected, fragment)
	}
	result := <-done
	require.NoError(t, result.Err)

	assert.Equal(t, []string{models.InsufficientContext}, collected)
	assert.False(t, result.Response.ContextSufficient)
	assert.Zero(t, gen.callCount())
}

func TestIngestThenDelete(t *testing.T) {
	gen := &scriptedGenerator{}
	p := newPipeline(t, gen, engine.EngineConfig{})

	doc := models.Document{
		ID:      "doc-9",
		Content: strings.Repeat("sodium coolant loops move heat away from the core ", 30),
		Source:  "reactor-manual.md",
	}
	result, err := p.engine.Ingest(context.Background(), []models.Document{doc})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.GreaterOrEqual(t, result.Chunks, 1)

	info, err := p.engine.Info(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, result.Chunks, info.Count)

	require.NoError(t, p.engine.DeleteDocuments(context.Background(), []string{"doc-9"}))
	info, err = p.engine.Info(context.Background())
	require.NoError(t, err)
	assert.Zero(t, info.Count)
}

type fakeTransformer struct{}

func (fakeTransformer) Rewrite(ctx context.Context, query string, history []models.ChatMessage) (string, error) {
	return "rewritten query", nil
}

func (fakeTransformer) Expand(ctx context.Context, query string, maxExpansions int) ([]string, error) {
	return []string{query, "alternative one", "alternative two"}, nil
}

func (fakeTransformer) Decompose(ctx context.Context, query string) ([]string, error) {
	return []string{"rewritten query", "sub-question"}, nil
}

func (fakeTransformer) GenerateHypotheticalDocument(ctx context.Context, query string) (string, error) {
	return "hypothetical " + query, nil
}

func TestTransformationsFanOutAsUnion(t *testing.T) {
	gen := &scriptedGenerator{repeat: &llm.Generation{Content: "x"}}
	p := newPipeline(t, gen, engine.EngineConfig{
		EnableRewrite:       true,
		EnableExpansion:     true,
		EnableDecomposition: true,
	})

	e, err := engine.New(engine.Dependencies{
		Chunker:     chunker.NewWithConfig(chunker.ChunkerConfig{}),
		Transformer: fakeTransformer{},
		Retriever:   retriever.New(p.backend, p.embedder, nil, nil, retriever.RetrieverConfig{Mode: store.ModeVector}),
		Builder:     prompt.NewBuilder(wordCount, prompt.BuilderConfig{}),
		Generator:   gen,
		Embedder:    p.embedder,
		Backend:     p.backend,
	}, engine.EngineConfig{
		EnableRewrite:       true,
		EnableExpansion:     true,
		EnableDecomposition: true,
	})
	require.NoError(t, err)

	_, err = e.Query(context.Background(), "original question", "")
	require.NoError(t, err)

	// One embedding call per retrieved query; duplicates are unioned away.
	assert.ElementsMatch(t, []string{
		"rewritten query",
		"alternative one",
		"alternative two",
		"sub-question",
	}, p.embedder.seen())
}
