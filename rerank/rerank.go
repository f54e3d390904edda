// Package rerank reorders retrieval candidates with a cross-encoder.
package rerank

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/gamma-omg/rag-answer/docstore"
	"golang.org/x/sync/errgroup"
)

// Scorer rates how relevant text is to query. Higher is better.
type Scorer interface {
	Score(ctx context.Context, query, text string) (float32, error)
}

type RerankError struct {
	DocID string
	Err   error
}

func (e *RerankError) Error() string {
	return fmt.Sprintf("failed to score document %s: %v", e.DocID, e.Err)
}

func (e *RerankError) Unwrap() error {
	return e.Err
}

type Reranker struct {
	log         *slog.Logger
	scorer      Scorer
	topK        int
	concurrency int
}

func NewReranker(log *slog.Logger, scorer Scorer, topK, concurrency int) *Reranker {
	if topK <= 0 {
		topK = 3
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Reranker{
		log:         log,
		scorer:      scorer,
		topK:        topK,
		concurrency: concurrency,
	}
}

func (r *Reranker) TopK() int {
	return r.topK
}

// Rerank scores every candidate independently and returns the top K by
// descending relevance. The result is always a subset of candidates.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []docstore.Candidate) ([]docstore.Candidate, error) {
	scored := slices.Clone(candidates)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i := range scored {
		g.Go(func() error {
			score, err := r.scorer.Score(gctx, query, scored[i].Text)
			if err != nil {
				return &RerankError{DocID: scored[i].ID, Err: err}
			}

			scored[i].Relevance = score
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices.SortStableFunc(scored, func(a, b docstore.Candidate) int {
		return cmp.Compare(b.Relevance, a.Relevance)
	})

	res := scored[:min(r.topK, len(scored))]
	r.log.Info("reranked candidates", "candidates", len(candidates), "kept", len(res))
	return res, nil
}

// TopBySimilarity is the fallback when reranking fails: the first k
// candidates by descending similarity, relevance left unset.
func TopBySimilarity(candidates []docstore.Candidate, k int) []docstore.Candidate {
	res := slices.Clone(candidates)
	slices.SortStableFunc(res, func(a, b docstore.Candidate) int {
		return cmp.Compare(b.Similarity, a.Similarity)
	})

	return res[:min(max(k, 0), len(res))]
}
