package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/mkarlsen/ragline/internal/models"
	"github.com/mkarlsen/ragline/pkg/chunker"
	"github.com/mkarlsen/ragline/pkg/compressor"
	"github.com/mkarlsen/ragline/pkg/config"
	"github.com/mkarlsen/ragline/pkg/engine"
	"github.com/mkarlsen/ragline/pkg/llm"
	"github.com/mkarlsen/ragline/pkg/loader"
	"github.com/mkarlsen/ragline/pkg/memory"
	"github.com/mkarlsen/ragline/pkg/prompt"
	"github.com/mkarlsen/ragline/pkg/retriever"
	"github.com/mkarlsen/ragline/pkg/store"
	"github.com/mkarlsen/ragline/pkg/tools"
	"github.com/mkarlsen/ragline/pkg/transform"
	"github.com/mkarlsen/ragline/server"
)

type flags struct {
	configPath string
	serve      bool
	addr       string
	ingestURL  string
	ingestPath string
	model      string
	ollamaURL  string
	dbURL      string
	backend    string
	mode       string
	streaming  bool
}

var logger = logrus.New()

func main() {
	f := parseFlags()

	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		logger.Fatal(err)
	}
	applyFlags(cfg, f)

	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			color.Red("config: %v", e)
		}
		os.Exit(1)
	}

	if err := run(cfg, f); err != nil {
		logger.Fatal(err)
	}
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "Path to config file")
	flag.BoolVar(&f.serve, "serve", false, "Run the HTTP/WebSocket server instead of the chat loop")
	flag.StringVar(&f.addr, "addr", "", "Server listen address")
	flag.StringVar(&f.ingestURL, "ingest-url", "", "Crawl and ingest a documentation site, then exit")
	flag.StringVar(&f.ingestPath, "ingest-path", "", "Ingest a file or directory, then exit")
	flag.StringVar(&f.model, "model", "", "LLM model to use")
	flag.StringVar(&f.ollamaURL, "ollama-url", "", "Ollama server URL")
	flag.StringVar(&f.dbURL, "db-url", "", "PostgreSQL connection string or Qdrant address")
	flag.StringVar(&f.backend, "backend", "", "Search backend: memory, pgvector or qdrant")
	flag.StringVar(&f.mode, "mode", "", "Retrieval mode: vector, keyword or hybrid")
	flag.BoolVar(&f.streaming, "stream", true, "Enable streaming responses")
	flag.Parse()
	return f
}

// Command line flags win over config file values.
func applyFlags(cfg *config.Config, f flags) {
	if f.model != "" {
		cfg.LLM.Model = f.model
	}
	if f.ollamaURL != "" {
		cfg.LLM.BaseURL = f.ollamaURL
		cfg.Embedder.BaseURL = f.ollamaURL
	}
	if f.dbURL != "" {
		cfg.Store.URL = f.dbURL
	}
	if f.backend != "" {
		cfg.Store.Backend = f.backend
	}
	if f.mode != "" {
		cfg.Retrieval.Mode = f.mode
	}
	if f.addr != "" {
		cfg.Server.Addr = f.addr
	}
	cfg.UI.Streaming = f.streaming
}

func run(cfg *config.Config, f flags) error {
	eng, cleanup, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if f.ingestPath != "" {
		if err := ingestPath(eng, f.ingestPath); err != nil {
			return err
		}
	}
	if f.ingestURL != "" {
		if err := ingestSite(eng, cfg, f.ingestURL); err != nil {
			return err
		}
	}
	if f.ingestPath != "" || f.ingestURL != "" {
		if !f.serve {
			return nil
		}
	}

	if f.serve {
		srv, err := server.NewServer(eng, server.ServerConfig{
			Addr:           cfg.Server.Addr,
			Streaming:      cfg.UI.Streaming,
			CrawlMaxDepth:  cfg.Loader.MaxDepth,
			CrawlRateLimit: cfg.Loader.RateLimit,
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		return srv.Run()
	}

	return chatLoop(eng, cfg)
}

// buildEngine wires the whole pipeline from configuration. The returned
// cleanup closes any backend connections.
func buildEngine(cfg *config.Config) (*engine.Engine, func(), error) {
	cleanup := func() {}

	generator, err := llm.NewGenerator(llm.GeneratorConfig{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
		APIKey:   cfg.LLM.APIKey,
		Logger:   logger,
	})
	if err != nil {
		return nil, cleanup, fmt.Errorf("failed to initialize generator: %w", err)
	}
	gen := llm.NewRetryGenerator(generator, 3, time.Second)

	ollamaEmbedder, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
		Model:      cfg.Embedder.Model,
		BaseURL:    cfg.Embedder.BaseURL,
		Dimensions: cfg.Embedder.VectorDim,
		Logger:     logger,
	})
	if err != nil {
		return nil, cleanup, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	var emb llm.Embedder = llm.NewRetryEmbedder(ollamaEmbedder, 3, time.Second)
	if cfg.Embedder.Cache {
		emb = llm.NewCachingEmbedder(emb)
	}

	var backend store.SearchBackend
	var parents store.DocumentStore
	switch cfg.Store.Backend {
	case "pgvector":
		pg, err := store.NewPgVectorStore(store.PgVectorConfig{
			ConnString: cfg.Store.URL,
			TableName:  cfg.Store.TableName,
			VectorDim:  cfg.Embedder.VectorDim,
		})
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to initialize pgvector store: %w", err)
		}
		docs, err := store.NewPgDocumentStore(pg.Pool(), "documents")
		if err != nil {
			pg.Close()
			return nil, cleanup, fmt.Errorf("failed to initialize document store: %w", err)
		}
		backend, parents = pg, docs
		cleanup = pg.Close
	case "qdrant":
		qd, err := store.NewQdrantStore(store.QdrantConfig{
			Addr:       cfg.Store.URL,
			Collection: cfg.Store.Collection,
			VectorDim:  cfg.Embedder.VectorDim,
		})
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to initialize qdrant store: %w", err)
		}
		backend, parents = qd, store.NewMemoryDocumentStore()
		cleanup = qd.Close
	default:
		backend, parents = store.NewMemoryStore(cfg.Embedder.VectorDim), store.NewMemoryDocumentStore()
	}

	ck := chunker.NewWithConfig(chunker.ChunkerConfig{
		MaxTokens: cfg.Chunking.MaxTokens,
		MinTokens: cfg.Chunking.MinTokens,
		Overlap:   cfg.Chunking.Overlap,
		Logger:    logger,
	})

	ret := retriever.New(backend, emb, nil, parents, retriever.RetrieverConfig{
		Mode:            store.SearchMode(cfg.Retrieval.Mode),
		ParentRetrieval: cfg.Retrieval.ParentRetrieval,
		Logger:          logger,
	})

	var comp *compressor.Compressor
	if cfg.Engine.Compression {
		comp = compressor.NewWithConfig(gen, emb, ck.CountTokens, compressor.CompressorConfig{Logger: logger})
	}

	eng, err := engine.New(engine.Dependencies{
		Chunker:     ck,
		Transformer: transform.NewWithConfig(gen, transform.TransformerConfig{Logger: logger}),
		Retriever:   ret,
		Compressor:  comp,
		Builder:     prompt.NewBuilder(ck.CountTokens, prompt.BuilderConfig{Logger: logger}),
		Sessions:    memory.New(cfg.Engine.MemoryWindow),
		Registry:    tools.NewRegistry(logger),
		Generator:   gen,
		Embedder:    emb,
		Parents:     parents,
		Backend:     backend,
	}, engine.EngineConfig{
		TopK:                cfg.Retrieval.TopK,
		ScoreThreshold:      cfg.Retrieval.ScoreThreshold,
		MaxContextTokens:    cfg.Engine.MaxContextTokens,
		MaxToolIterations:   cfg.Engine.MaxToolIterations,
		MaxExpansions:       cfg.Engine.MaxExpansions,
		Temperature:         cfg.LLM.Temperature,
		MaxTokens:           cfg.LLM.MaxTokens,
		ChunkStrategy:       chunker.Strategy(cfg.Chunking.Strategy),
		EnableRewrite:       cfg.Engine.Rewrite,
		EnableExpansion:     cfg.Engine.Expansion,
		EnableDecomposition: cfg.Engine.Decomposition,
		EnableHyDE:          cfg.Engine.HyDE,
		EnableCompression:   cfg.Engine.Compression,
		ParentRetrieval:     cfg.Retrieval.ParentRetrieval,
		CostPer1KTokens:     cfg.Engine.CostPer1KTokens,
		Logger:              logger,
	})
	if err != nil {
		return nil, cleanup, err
	}
	return eng, cleanup, nil
}

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("items"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func ingestPath(eng *engine.Engine, path string) error {
	docs, err := loader.NewFileLoader(logger).Load(path)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	color.Blue("Loaded %d documents from %s", len(docs), path)

	bar := getProgressBar(len(docs), "Ingesting documents...")
	total := 0
	for _, doc := range docs {
		result, err := eng.Ingest(context.Background(), []models.Document{doc})
		if err != nil {
			return fmt.Errorf("failed to ingest %s: %w", doc.Source, err)
		}
		total += result.Chunks
		bar.Add(1)
	}
	bar.Finish()
	color.Green("\n✓ Ingested %d documents (%d chunks)\n", len(docs), total)
	return nil
}

func ingestSite(eng *engine.Engine, cfg *config.Config, url string) error {
	color.Blue("\nStarting ingestion pipeline for %s\n", url)

	var crawled int32
	web, err := loader.NewWebLoader(loader.WebLoaderConfig{
		BaseURL:           url,
		MaxDepth:          cfg.Loader.MaxDepth,
		RateLimit:         cfg.Loader.RateLimit,
		IgnorePatterns:    cfg.Loader.IgnorePatterns,
		AllowedExtensions: cfg.Loader.AllowedExtensions,
		Logger:            logger,
		OnProgress: func(string) {
			atomic.AddInt32(&crawled, 1)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize crawler: %w", err)
	}

	crawlBar := getProgressBar(-1, "Crawling site...")
	startTime := time.Now()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(100 * time.Millisecond):
				count := atomic.LoadInt32(&crawled)
				crawlBar.Set(int(count))
				elapsed := time.Since(startTime).Seconds()
				if elapsed > 0 {
					crawlBar.Describe(color.BlueString(
						"Crawling site... (%.1f pages/sec)", float64(count)/elapsed))
				}
			}
		}
	}()

	docs, err := web.Load(context.Background())
	close(done)
	crawlBar.Finish()
	if err != nil {
		return fmt.Errorf("failed to crawl site: %w", err)
	}
	color.Green("\n✓ Crawled %d pages\n", len(docs))

	ingestBar := getProgressBar(len(docs), "Ingesting pages...")
	total := 0
	for _, doc := range docs {
		result, err := eng.Ingest(context.Background(), []models.Document{doc})
		if err != nil {
			return fmt.Errorf("failed to ingest %s: %w", doc.Source, err)
		}
		total += result.Chunks
		ingestBar.Add(1)
	}
	ingestBar.Finish()
	color.Green("\n✓ Ingested into %d chunks\n", total)
	return nil
}

var urlRegex = regexp.MustCompile(`https?://[^\s]+`)

func chatLoop(eng *engine.Engine, cfg *config.Config) error {
	color.Cyan("\nChat with your knowledge base (type 'exit' to quit)")

	scanner := bufio.NewScanner(os.Stdin)
	userPrompt := color.New(color.FgGreen).PrintfFunc()
	assistantPrompt := color.New(color.FgCyan).PrintfFunc()
	sessionID := fmt.Sprintf("cli-%d", time.Now().Unix())

	for {
		userPrompt("\nYou: ")
		if !scanner.Scan() {
			break
		}

		query := scanner.Text()
		if strings.ToLower(query) == "exit" {
			break
		}
		if strings.TrimSpace(query) == "" {
			continue
		}

		// A pasted URL means "ingest this site".
		if url := urlRegex.FindString(query); url != "" {
			if err := ingestSite(eng, cfg, url); err != nil {
				color.Red("Failed to ingest %s: %v\n", url, err)
			}
			if strings.TrimSpace(query) == url {
				continue
			}
		}

		if cfg.UI.Streaming {
			fragments, done := eng.QueryStream(context.Background(), query, sessionID)

			spinner := getSpinner(" Thinking...")
			firstChunk := true
			for fragment := range fragments {
				if firstChunk {
					spinner.Finish()
					firstChunk = false
					fmt.Print("\n")
					assistantPrompt("Assistant: ")
				}
				fmt.Print(fragment)
			}
			if firstChunk {
				spinner.Finish()
			}
			fmt.Print("\n")

			result := <-done
			if result.Err != nil {
				color.Red("Error: %v\n", result.Err)
				continue
			}
			printSources(result.Response.Sources)
		} else {
			spinner := getSpinner(" Generating response...")
			resp, err := eng.Query(context.Background(), query, sessionID)
			spinner.Finish()
			fmt.Print("\r")

			if err != nil {
				color.Red("Error: %v\n", err)
				continue
			}
			assistantPrompt("Assistant: %s\n", resp.Answer)
			printSources(resp.Sources)
		}
	}

	return nil
}

func printSources(sources []models.Source) {
	if len(sources) == 0 {
		return
	}
	faint := color.New(color.Faint).PrintfFunc()
	faint("\nSources:\n")
	for i, src := range sources {
		faint("  [%d] %s (%.2f)\n", i+1, src.Source, src.Score)
	}
}
