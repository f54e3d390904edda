// Package embedder builds the embedding function shared by indexing and
// querying. Both must use the same model: vectors from different models are
// not comparable and nothing detects the mix-up at runtime.
package embedder

import (
	"context"
	"errors"
	"fmt"

	"github.com/amikos-tech/chroma-go/pkg/embeddings"
	gemini "github.com/amikos-tech/chroma-go/pkg/embeddings/gemini"
	ollama "github.com/amikos-tech/chroma-go/pkg/embeddings/ollama"
	openai "github.com/amikos-tech/chroma-go/pkg/embeddings/openai"
	"golang.org/x/time/rate"
)

type ProviderConfig struct {
	Model   string `yaml:"model"`
	ApiKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type Config struct {
	RequestsPerSecond float64         `yaml:"requests_per_second"`
	OpenAI            *ProviderConfig `yaml:"open_ai"`
	Gemini            *ProviderConfig `yaml:"gemini"`
	Ollama            *ProviderConfig `yaml:"ollama"`
}

func NewFunction(cfg Config) (embeddings.EmbeddingFunction, error) {
	if cfg.OpenAI != nil {
		opts := []openai.Option{openai.WithModel(openai.EmbeddingModel(cfg.OpenAI.Model))}
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
		}

		ef, err := openai.NewOpenAIEmbeddingFunction(cfg.OpenAI.ApiKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI embedding function: %w", err)
		}

		return ef, nil
	}

	if cfg.Gemini != nil {
		ef, err := gemini.NewGeminiEmbeddingFunction(
			gemini.WithAPIKey(cfg.Gemini.ApiKey),
			gemini.WithDefaultModel(embeddings.EmbeddingModel(cfg.Gemini.Model)))
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini embedding function: %w", err)
		}

		return ef, nil
	}

	if cfg.Ollama != nil {
		ef, err := ollama.NewOllamaEmbeddingFunction(
			ollama.WithBaseURL(cfg.Ollama.BaseURL),
			ollama.WithModel(embeddings.EmbeddingModel(cfg.Ollama.Model)))
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama embedding function: %w", err)
		}

		return ef, nil
	}

	return nil, errors.New("invalid embeddings provider configuration")
}

type embeddingFunc interface {
	EmbedDocuments(ctx context.Context, texts []string) ([]embeddings.Embedding, error)
	EmbedQuery(ctx context.Context, text string) (embeddings.Embedding, error)
}

// Embedder converts text to float32 vectors, throttling calls to the model.
type Embedder struct {
	ef      embeddingFunc
	limiter *rate.Limiter
}

// New wraps ef. requestsPerSecond <= 0 disables throttling.
func New(ef embeddingFunc, requestsPerSecond float64) *Embedder {
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}

	return &Embedder{
		ef:      ef,
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	embs, err := e.ef.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed documents: %w", err)
	}

	if len(embs) != len(texts) {
		return nil, fmt.Errorf("embedding model returned %d vectors for %d texts", len(embs), len(texts))
	}

	res := make([][]float32, 0, len(embs))
	for _, emb := range embs {
		res = append(res, emb.ContentAsFloat32())
	}

	return res, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	emb, err := e.ef.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	return emb.ContentAsFloat32(), nil
}
