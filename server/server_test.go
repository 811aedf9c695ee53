package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/ragline/internal/models"
	"github.com/mkarlsen/ragline/pkg/chunker"
	"github.com/mkarlsen/ragline/pkg/engine"
	"github.com/mkarlsen/ragline/pkg/llm"
	"github.com/mkarlsen/ragline/pkg/prompt"
	"github.com/mkarlsen/ragline/pkg/retriever"
	"github.com/mkarlsen/ragline/pkg/store"
	"github.com/mkarlsen/ragline/server"
)

type staticGenerator struct {
	answer string
}

func (g staticGenerator) Generate(ctx context.Context, messages []models.ChatMessage, opts llm.GenerateOptions) (*llm.Generation, error) {
	return &llm.Generation{Content: g.answer}, nil
}

func (g staticGenerator) GenerateStream(ctx context.Context, messages []models.ChatMessage, opts llm.GenerateOptions, fn llm.StreamFunc) (*llm.Generation, error) {
	if err := fn(g.answer); err != nil {
		return nil, err
	}
	return &llm.Generation{Content: g.answer}, nil
}

type unitEmbedder struct{}

func (unitEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{1, 0}
	}
	return vectors, nil
}

func (unitEmbedder) Dimensions() int { return 2 }

func newTestServer(t *testing.T, answer string) *httptest.Server {
	t.Helper()
	backend := store.NewMemoryStore(2)
	ret := retriever.New(backend, unitEmbedder{}, nil, nil, retriever.RetrieverConfig{Mode: store.ModeVector})
	builder := prompt.NewBuilder(func(text string) int { return len(text) / 4 }, prompt.BuilderConfig{})

	e, err := engine.New(engine.Dependencies{
		Chunker:   chunker.NewWithConfig(chunker.ChunkerConfig{}),
		Retriever: ret,
		Builder:   builder,
		Generator: staticGenerator{answer: answer},
		Embedder:  unitEmbedder{},
		Backend:   backend,
	}, engine.EngineConfig{})
	require.NoError(t, err)

	srv, err := server.NewServer(e, server.ServerConfig{})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, "fine")
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIngestQueryDeleteRoundTrip(t *testing.T) {
	ts := newTestServer(t, "the moon orbits the earth every month")

	resp := postJSON(t, ts.URL+"/ingest", map[string]any{
		"documents": []models.Document{{
			ID:      "doc-1",
			Content: "the moon orbits the earth roughly every month, pulled by gravity across the sky above",
			Source:  "astronomy.md",
		}},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ingest models.IngestResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ingest))
	assert.Equal(t, 1, ingest.Processed)
	assert.GreaterOrEqual(t, ingest.Chunks, 1)

	qresp := postJSON(t, ts.URL+"/query", map[string]any{"query": "what does the moon do"})
	defer qresp.Body.Close()
	require.Equal(t, http.StatusOK, qresp.StatusCode)

	var answer models.RAGResponse
	require.NoError(t, json.NewDecoder(qresp.Body).Decode(&answer))
	assert.Equal(t, "the moon orbits the earth every month", answer.Answer)
	assert.True(t, answer.ContextSufficient)
	assert.NotEmpty(t, answer.Sources)

	data, _ := json.Marshal(map[string]any{"ids": []string{"doc-1"}})
	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/documents", bytes.NewReader(data))
	require.NoError(t, err)
	dresp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer dresp.Body.Close()
	assert.Equal(t, http.StatusOK, dresp.StatusCode)

	iresp, err := http.Get(ts.URL + "/info")
	require.NoError(t, err)
	defer iresp.Body.Close()
	var info store.Info
	require.NoError(t, json.NewDecoder(iresp.Body).Decode(&info))
	assert.Zero(t, info.Count)
}

func TestQueryWithEmptyIndexReturnsSentinel(t *testing.T) {
	ts := newTestServer(t, "unused")

	resp := postJSON(t, ts.URL+"/query", map[string]any{"query": "anything"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var answer models.RAGResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&answer))
	assert.Equal(t, models.InsufficientContext, answer.Answer)
	assert.False(t, answer.ContextSufficient)
}

func TestQueryRejectsMissingQuery(t *testing.T) {
	ts := newTestServer(t, "x")
	resp := postJSON(t, ts.URL+"/query", map[string]any{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIngestRejectsEmptyRequest(t *testing.T) {
	ts := newTestServer(t, "x")
	resp := postJSON(t, ts.URL+"/ingest", map[string]any{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
