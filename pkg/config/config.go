package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LLM struct {
		Provider    string  `yaml:"provider"`
		BaseURL     string  `yaml:"base_url"`
		APIKey      string  `yaml:"api_key"`
		Model       string  `yaml:"model"`
		MaxTokens   int     `yaml:"max_tokens"`
		Temperature float64 `yaml:"temperature"`
	} `yaml:"llm"`

	Embedder struct {
		BaseURL   string `yaml:"base_url"`
		Model     string `yaml:"model"`
		VectorDim int    `yaml:"vector_dim"`
		Cache     bool   `yaml:"cache"`
	} `yaml:"embedder"`

	Store struct {
		Backend    string `yaml:"backend"` // memory, pgvector, qdrant
		URL        string `yaml:"url"`
		TableName  string `yaml:"table_name"`
		Collection string `yaml:"collection"`
	} `yaml:"store"`

	Chunking struct {
		Strategy  string `yaml:"strategy"`
		MaxTokens int    `yaml:"max_tokens"`
		MinTokens int    `yaml:"min_tokens"`
		Overlap   int    `yaml:"overlap"`
	} `yaml:"chunking"`

	Retrieval struct {
		Mode            string  `yaml:"mode"` // vector, keyword, hybrid
		TopK            int     `yaml:"top_k"`
		ScoreThreshold  float64 `yaml:"score_threshold"`
		ParentRetrieval bool    `yaml:"parent_retrieval"`
	} `yaml:"retrieval"`

	Engine struct {
		MaxContextTokens  int     `yaml:"max_context_tokens"`
		MaxToolIterations int     `yaml:"max_tool_iterations"`
		MaxExpansions     int     `yaml:"max_expansions"`
		Rewrite           bool    `yaml:"rewrite"`
		Expansion         bool    `yaml:"expansion"`
		Decomposition     bool    `yaml:"decomposition"`
		HyDE              bool    `yaml:"hyde"`
		Compression       bool    `yaml:"compression"`
		MemoryWindow      int     `yaml:"memory_window"`
		CostPer1KTokens   float64 `yaml:"cost_per_1k_tokens"`
	} `yaml:"engine"`

	Loader struct {
		MaxDepth          int      `yaml:"max_depth"`
		RateLimit         float64  `yaml:"rate_limit"`
		IgnorePatterns    []string `yaml:"ignore_patterns"`
		AllowedExtensions []string `yaml:"allowed_extensions"`
	} `yaml:"loader"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	UI struct {
		Streaming bool   `yaml:"streaming"`
		Theme     string `yaml:"theme"`
	} `yaml:"ui"`
}

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/ragline/config.yaml"),
			"/etc/ragline/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %v", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %v", err)
	}

	mergeWithEnv(&config)
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	applyDefaults(config)
	mergeWithEnv(config)
	return config, nil
}

func applyDefaults(config *Config) {
	if config.LLM.Provider == "" {
		config.LLM.Provider = "ollama"
	}
	if config.LLM.Model == "" {
		config.LLM.Model = "mistral"
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 2000
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.7
	}
	if config.LLM.BaseURL == "" && config.LLM.Provider == "ollama" {
		config.LLM.BaseURL = "http://localhost:11434"
	}

	if config.Embedder.Model == "" {
		config.Embedder.Model = "nomic-embed-text:latest"
	}
	if config.Embedder.BaseURL == "" {
		config.Embedder.BaseURL = config.LLM.BaseURL
	}
	if config.Embedder.VectorDim == 0 {
		config.Embedder.VectorDim = 768
	}

	if config.Store.Backend == "" {
		config.Store.Backend = "memory"
	}
	if config.Store.TableName == "" {
		config.Store.TableName = "chunks"
	}
	if config.Store.Collection == "" {
		config.Store.Collection = "ragline"
	}

	if config.Chunking.Strategy == "" {
		config.Chunking.Strategy = "fixed"
	}
	if config.Chunking.MaxTokens == 0 {
		config.Chunking.MaxTokens = 500
	}
	if config.Chunking.MinTokens == 0 {
		config.Chunking.MinTokens = 50
	}
	if config.Chunking.Overlap == 0 {
		config.Chunking.Overlap = 50
	}

	if config.Retrieval.Mode == "" {
		config.Retrieval.Mode = "vector"
	}
	if config.Retrieval.TopK == 0 {
		config.Retrieval.TopK = 5
	}

	if config.Engine.MaxContextTokens == 0 {
		config.Engine.MaxContextTokens = 4000
	}
	if config.Engine.MaxToolIterations == 0 {
		config.Engine.MaxToolIterations = 5
	}
	if config.Engine.MaxExpansions == 0 {
		config.Engine.MaxExpansions = 3
	}
	if config.Engine.MemoryWindow == 0 {
		config.Engine.MemoryWindow = 10
	}

	if config.Loader.MaxDepth == 0 {
		config.Loader.MaxDepth = 3
	}
	if config.Loader.RateLimit == 0 {
		config.Loader.RateLimit = 2.0
	}
	if len(config.Loader.AllowedExtensions) == 0 {
		config.Loader.AllowedExtensions = []string{".html", ".htm", "/", ""}
	}

	if config.Server.Addr == "" {
		config.Server.Addr = ":8080"
	}
	if config.UI.Theme == "" {
		config.UI.Theme = "default"
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" && config.LLM.APIKey == "" {
		config.LLM.APIKey = apiKey
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Store.URL = dbURL
	}
	if addr := os.Getenv("QDRANT_ADDR"); addr != "" && config.Store.Backend == "qdrant" {
		config.Store.URL = addr
	}
}
