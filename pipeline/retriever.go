package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/gamma-omg/rag-answer/docstore"
)

type Retriever struct {
	log        *slog.Logger
	embedder   Embedder
	store      Collection
	collection string
	results    int
}

func NewRetriever(log *slog.Logger, embedder Embedder, store Collection, collection string, results int) *Retriever {
	if results <= 0 {
		results = 10
	}

	return &Retriever{
		log:        log,
		embedder:   embedder,
		store:      store,
		collection: collection,
		results:    results,
	}
}

// Retrieve returns at most N candidates ordered by descending similarity.
// An empty collection is an error, never an empty result.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]docstore.Candidate, error) {
	if strings.TrimSpace(query) == "" {
		return nil, r.fail(errors.New("query is empty"))
	}

	count, err := r.store.Count(ctx)
	if err != nil {
		return nil, r.fail(err)
	}
	if count == 0 {
		return nil, r.fail(ErrEmptyCollection)
	}

	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, r.fail(err)
	}

	res, err := r.store.Query(ctx, vec, r.results)
	if err != nil {
		return nil, r.fail(err)
	}
	if len(res) == 0 {
		return nil, r.fail(fmt.Errorf("store returned no matches for %d documents", count))
	}

	slices.SortStableFunc(res, func(a, b docstore.Candidate) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		}
		return 0
	})
	if len(res) > r.results {
		res = res[:r.results]
	}

	r.log.Info("retrieved candidates", "collection", r.collection, "candidates", len(res))
	return res, nil
}

func (r *Retriever) fail(err error) error {
	return &RetrievalError{Collection: r.collection, Err: err}
}
