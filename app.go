package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/amikos-tech/chroma-go/pkg/embeddings"
	"github.com/gamma-omg/rag-answer/docstore"
	"github.com/gamma-omg/rag-answer/embedder"
	"github.com/gamma-omg/rag-answer/llm"
	"github.com/gamma-omg/rag-answer/loader"
	"github.com/gamma-omg/rag-answer/pipeline"
	"github.com/gamma-omg/rag-answer/rerank"
	"github.com/gamma-omg/rag-answer/shell"
	"github.com/gamma-omg/rag-answer/summary"
)

type collection interface {
	pipeline.Collection
	Close() error
}

// app owns the long lived resources: the log file and the open collection.
type app struct {
	cfg     *Config
	log     *slog.Logger
	logFile *os.File
	store   collection
	session *shell.Session
}

func newApp(ctx context.Context, cfg *Config, reset bool) (*app, error) {
	logFile, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	a := &app{
		cfg:     cfg,
		log:     slog.New(slog.NewJSONHandler(logFile, nil)),
		logFile: logFile,
	}

	if err := a.init(ctx, reset); err != nil {
		a.close()
		return nil, err
	}

	return a, nil
}

func (a *app) init(ctx context.Context, reset bool) error {
	ef, err := embedder.NewFunction(a.cfg.Embeddings)
	if err != nil {
		return fmt.Errorf("failed to create embedding function: %w", err)
	}

	a.store, err = initDocStore(ctx, a.cfg, ef, reset)
	if err != nil {
		return err
	}

	emb := embedder.New(ef, a.cfg.Embeddings.RequestsPerSecond)
	ld := loader.NewJSONLoader(a.cfg.Loader)

	streamer, err := newStreamer(a.cfg.LLM)
	if err != nil {
		return err
	}

	scorer := rerank.NewCrossEncoder(a.cfg.Reranker.BaseURL, time.Duration(a.cfg.Reranker.TimeoutMs)*time.Millisecond)

	a.session = shell.New(a.log,
		pipeline.NewIndexer(a.log, ld, emb, a.store, a.cfg.RequestSize),
		pipeline.NewRetriever(a.log, emb, a.store, a.cfg.Collection, a.cfg.Results),
		rerank.NewReranker(a.log, scorer, a.cfg.TopK, a.cfg.Reranker.Concurrency),
		llm.NewGenerator(a.log, streamer),
		summary.New(a.log, streamer, a.cfg.Loader.RecordsPath, a.cfg.SummaryConcurrency),
		shell.Options{RerankFallback: a.cfg.RerankFallback()},
	)

	a.log.Info("started", "store", a.cfg.Store, "collection", a.cfg.Collection, "llm", a.cfg.LLM.Provider)
	return nil
}

func initDocStore(ctx context.Context, cfg *Config, ef embeddings.EmbeddingFunction, reset bool) (collection, error) {
	if cfg.Store == storeLocal {
		store, err := docstore.NewLocalStore(docstore.LocalStoreConfig{
			Dir:           cfg.DataDir,
			Collection:    cfg.Collection,
			EmbeddingFunc: ef,
			Reset:         reset,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize local doc store: %w", err)
		}
		return store, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	store, err := docstore.NewChromaStore(ctx, docstore.ChromaStoreConfig{
		BaseURL:       cfg.ChromaAddr,
		Collection:    cfg.Collection,
		EmbeddingFunc: ef,
		Reset:         reset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Chroma doc store: %w", err)
	}

	return store, nil
}

func newStreamer(cfg LLMConfig) (llm.Streamer, error) {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond

	switch cfg.Provider {
	case providerOllama:
		return llm.NewOllama(llm.OllamaConfig{BaseURL: cfg.BaseURL, Model: cfg.Model, Timeout: timeout}), nil
	case providerOpenAI:
		return llm.NewOpenAI(llm.OpenAIConfig{BaseURL: cfg.BaseURL, APIKey: cfg.ApiKey, Model: cfg.Model, Timeout: timeout}), nil
	}

	return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("failed to close collection", "error", err)
		}
	}

	a.logFile.Close()
}
