// Package pipeline moves documents into a collection and gets candidates back
// out of it.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gamma-omg/rag-answer/docstore"
	"github.com/gamma-omg/rag-answer/loader"
)

type Collection interface {
	Upsert(ctx context.Context, records []docstore.Record) error
	Query(ctx context.Context, embedding []float32, n int) ([]docstore.Candidate, error)
	Count(ctx context.Context) (int, error)
}

type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type DocLoader interface {
	Load(path string) (loader.Result, error)
}

// Progress is called after every stored batch.
type Progress func(done, total int)

type IndexReport struct {
	Path      string
	Documents int
	Skipped   int
	Duration  time.Duration
}

// FileResult is the outcome of one file of a directory run.
type FileResult struct {
	Report IndexReport
	Err    error
}

type Indexer struct {
	log       *slog.Logger
	loader    DocLoader
	embedder  Embedder
	store     Collection
	batchSize int
}

func NewIndexer(log *slog.Logger, loader DocLoader, embedder Embedder, store Collection, batchSize int) *Indexer {
	if batchSize <= 0 {
		batchSize = 64
	}

	return &Indexer{
		log:       log,
		loader:    loader,
		embedder:  embedder,
		store:     store,
		batchSize: batchSize,
	}
}

// IndexFile loads path and upserts one record per document. Ids are stable,
// so running it again on an unchanged file overwrites instead of duplicating.
// It is not transactional: a failure leaves earlier batches stored.
func (ix *Indexer) IndexFile(ctx context.Context, path string, progress Progress) (IndexReport, error) {
	start := time.Now()
	report := IndexReport{Path: path}

	res, err := ix.loader.Load(path)
	if err != nil {
		return report, err
	}

	report.Skipped = res.Skipped
	if res.Skipped > 0 {
		ix.log.Warn("skipped non-object records", "file", path, "skipped", res.Skipped)
	}

	docs := res.Documents
	total := len(docs)
	for pos := 0; pos < total; pos += ix.batchSize {
		batch := docs[pos:min(pos+ix.batchSize, total)]

		texts := make([]string, 0, len(batch))
		for _, d := range batch {
			texts = append(texts, d.Text)
		}

		vecs, err := ix.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return report, &IndexError{Path: path, Indexed: report.Documents, Err: err}
		}
		if len(vecs) != len(batch) {
			err = fmt.Errorf("got %d embeddings for %d documents", len(vecs), len(batch))
			return report, &IndexError{Path: path, Indexed: report.Documents, Err: err}
		}

		records := make([]docstore.Record, 0, len(batch))
		for i, d := range batch {
			records = append(records, docstore.Record{Document: d, Embedding: vecs[i]})
		}

		if err := ix.store.Upsert(ctx, records); err != nil {
			return report, &IndexError{Path: path, Indexed: report.Documents, Err: err}
		}

		report.Documents += len(batch)
		if progress != nil {
			progress(report.Documents, total)
		}
	}

	report.Duration = time.Since(start)
	ix.log.Info("indexed file", "file", path, "documents", report.Documents, "duration", report.Duration)

	return report, nil
}

// IndexDir indexes every JSON file in dir. A failing file does not stop the
// remaining ones; its error is returned in its FileResult.
func (ix *Indexer) IndexDir(ctx context.Context, dir string, progress Progress) ([]FileResult, error) {
	files, err := loader.JSONFiles(dir)
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		ix.log.Warn("no json files found", "dir", dir)
	}

	results := make([]FileResult, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		report, err := ix.IndexFile(ctx, f, progress)
		if err != nil {
			ix.log.Error("failed to index file", "file", f, "error", err)
		}

		results = append(results, FileResult{Report: report, Err: err})
	}

	return results, nil
}
