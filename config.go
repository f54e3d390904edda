package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gamma-omg/rag-answer/embedder"
	"github.com/gamma-omg/rag-answer/loader"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	storeChroma = "chroma"
	storeLocal  = "local"

	providerOllama = "ollama"
	providerOpenAI = "openai"
)

type RerankerConfig struct {
	BaseURL     string `yaml:"base_url"`
	TimeoutMs   int    `yaml:"timeout_ms"`
	Concurrency int    `yaml:"concurrency"`
	// Fallback answers from similarity order when reranking fails. Defaults
	// to true.
	Fallback *bool `yaml:"fallback"`
}

type LLMConfig struct {
	Provider  string `yaml:"provider"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	ApiKey    string `yaml:"api_key"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type Config struct {
	LogFile         string `yaml:"log"`
	Collection      string `yaml:"collection"`
	Store           string `yaml:"store"`
	ChromaAddr      string `yaml:"chroma_addr"`
	DataDir         string `yaml:"data_dir"`
	Results         int    `yaml:"results"`
	TopK            int    `yaml:"top_k"`
	RequestSize     int    `yaml:"request_size"`
	ServerAddr      string `yaml:"server_addr"`
	WatchDebounceMs int    `yaml:"watch_debounce_ms"`
	// SummaryConcurrency bounds the records summarized at the same time.
	SummaryConcurrency int             `yaml:"summary_concurrency"`
	Embeddings         embedder.Config `yaml:"embeddings"`
	Reranker           RerankerConfig  `yaml:"reranker"`
	LLM                LLMConfig       `yaml:"llm"`
	Loader             loader.Config   `yaml:"loader"`
}

func (c *Config) WatchDebounce() time.Duration {
	return time.Duration(c.WatchDebounceMs) * time.Millisecond
}

func (c *Config) RerankFallback() bool {
	return c.Reranker.Fallback == nil || *c.Reranker.Fallback
}

// readConfig loads .env next to the working directory first, so ${VAR}
// references in the YAML can be satisfied from it.
func readConfig(cfgPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("unable to load .env file: %w", err)
	}

	raw, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("unable to open config file: %w", err)
	}

	return parseConfig(raw)
}

func parseConfig(raw []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), cfg); err != nil {
		return nil, fmt.Errorf("unable to parse config file: %w", err)
	}

	applyConfigDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func applyConfigDefaults(cfg *Config) {
	if cfg.LogFile == "" {
		cfg.LogFile = "rag-answer.log"
	}
	if cfg.Collection == "" {
		cfg.Collection = "documents"
	}
	if cfg.Store == "" {
		cfg.Store = storeChroma
	}
	if cfg.ChromaAddr == "" {
		cfg.ChromaAddr = "http://localhost:8000"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.Results <= 0 {
		cfg.Results = 10
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if cfg.RequestSize <= 0 {
		cfg.RequestSize = 64
	}
	if cfg.ServerAddr == "" {
		cfg.ServerAddr = "localhost:8081"
	}
	if cfg.WatchDebounceMs <= 0 {
		cfg.WatchDebounceMs = 500
	}
	if cfg.SummaryConcurrency <= 0 {
		cfg.SummaryConcurrency = 2
	}
	if cfg.Reranker.TimeoutMs <= 0 {
		cfg.Reranker.TimeoutMs = 30000
	}
	if cfg.Reranker.Concurrency <= 0 {
		cfg.Reranker.Concurrency = 4
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = providerOllama
	}
	if cfg.LLM.TimeoutMs <= 0 {
		cfg.LLM.TimeoutMs = 120000
	}
}

func (c *Config) validate() error {
	switch c.Store {
	case storeChroma, storeLocal:
	default:
		return fmt.Errorf("unknown store %q, expected %s or %s", c.Store, storeChroma, storeLocal)
	}

	switch c.LLM.Provider {
	case providerOllama:
	case providerOpenAI:
		if c.LLM.Model == "" {
			return errors.New("llm.model is required for the openai provider")
		}
	default:
		return fmt.Errorf("unknown llm provider %q, expected %s or %s", c.LLM.Provider, providerOllama, providerOpenAI)
	}

	if c.Embeddings.OpenAI == nil && c.Embeddings.Gemini == nil && c.Embeddings.Ollama == nil {
		return errors.New("no embeddings provider configured")
	}

	if c.TopK > c.Results {
		return fmt.Errorf("top_k (%d) must not exceed results (%d)", c.TopK, c.Results)
	}

	return nil
}
