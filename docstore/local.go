package docstore

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/amikos-tech/chroma-go/pkg/embeddings"
	"github.com/philippgille/chromem-go"
)

type LocalStoreConfig struct {
	Dir           string
	Collection    string
	EmbeddingFunc embeddings.EmbeddingFunction
	Reset         bool
}

// LocalStore keeps a collection in an embedded chromem-go database persisted
// under Dir. It needs no server, which makes it the choice for a single user.
type LocalStore struct {
	db  *chromem.DB
	col *chromem.Collection
}

func NewLocalStore(cfg LocalStoreConfig) (*LocalStore, error) {
	db, err := chromem.NewPersistentDB(cfg.Dir, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open local database %s: %w", cfg.Dir, err)
	}

	if cfg.Reset {
		if err := db.DeleteCollection(cfg.Collection); err != nil {
			return nil, fmt.Errorf("failed to reset collection %s: %w", cfg.Collection, err)
		}
	}

	col, err := db.GetOrCreateCollection(cfg.Collection, nil, queryEmbedder(cfg.EmbeddingFunc))
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %s: %w", cfg.Collection, err)
	}

	return &LocalStore{db: db, col: col}, nil
}

func (ds *LocalStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	docs := make([]chromem.Document, 0, len(records))
	for _, r := range records {
		raw, err := encodeMetadata(r.Metadata)
		if err != nil {
			return fmt.Errorf("failed to upsert %s: %w", r.ID, err)
		}

		docs = append(docs, chromem.Document{
			ID:        r.ID,
			Metadata:  map[string]string{DocMetadata: raw},
			Embedding: r.Embedding,
			Content:   r.Text,
		})
	}

	// documents with an existing id replace the stored one
	if err := ds.col.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("failed to upsert documents: %w", err)
	}

	return nil
}

// Query returns up to n documents by descending cosine similarity. Ties keep
// ascending id order.
func (ds *LocalStore) Query(ctx context.Context, embedding []float32, n int) ([]Candidate, error) {
	n = min(n, ds.col.Count())
	if n <= 0 {
		return nil, nil
	}

	found, err := ds.col.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}

	res := make([]Candidate, 0, len(found))
	for _, f := range found {
		meta, err := decodeMetadata(f.Metadata[DocMetadata])
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", f.ID, err)
		}

		res = append(res, Candidate{
			Document: Document{
				ID:       f.ID,
				Text:     f.Content,
				Metadata: meta,
			},
			Similarity: f.Similarity,
		})
	}

	slices.SortStableFunc(res, func(a, b Candidate) int {
		if c := bySimilarity(a, b); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return res, nil
}

func (ds *LocalStore) Count(ctx context.Context) (int, error) {
	return ds.col.Count(), nil
}

// Close is a no-op: every write is persisted as it happens.
func (ds *LocalStore) Close() error {
	return nil
}

// queryEmbedder lets chromem embed texts itself. Records always arrive with
// their embedding, so this only runs for text queries.
func queryEmbedder(ef embeddings.EmbeddingFunction) chromem.EmbeddingFunc {
	if ef == nil {
		return nil
	}

	return func(ctx context.Context, text string) ([]float32, error) {
		emb, err := ef.EmbedQuery(ctx, text)
		if err != nil {
			return nil, err
		}
		return emb.ContentAsFloat32(), nil
	}
}
