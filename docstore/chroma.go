package docstore

import (
	"context"
	"errors"
	"fmt"
	"slices"

	chroma "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/amikos-tech/chroma-go/pkg/embeddings"
)

const (
	DocID       = "doc_id"
	DocMetadata = "doc_metadata"
)

var ErrMalformedResult = errors.New("malformed query result")

type ChromaStoreConfig struct {
	BaseURL       string
	Collection    string
	EmbeddingFunc embeddings.EmbeddingFunction
	Reset         bool
}

// ChromaStore keeps a named collection in a Chroma server. The server owns
// the on-disk format.
type ChromaStore struct {
	client chroma.Client
	col    chroma.Collection
}

func NewChromaStore(ctx context.Context, cfg ChromaStoreConfig) (*ChromaStore, error) {
	client, err := chroma.NewHTTPClient(chroma.WithBaseURL(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to create chroma client: %w", err)
	}

	if cfg.Reset {
		// the collection may not exist yet
		_ = client.DeleteCollection(ctx, cfg.Collection)
	}

	col, err := client.GetOrCreateCollection(ctx, cfg.Collection,
		chroma.WithEmbeddingFunctionCreate(cfg.EmbeddingFunc),
		chroma.WithHNSWSpaceCreate(embeddings.COSINE),
	)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to open collection %s: %w", cfg.Collection, err)
	}

	return &ChromaStore{client: client, col: col}, nil
}

func (ds *ChromaStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	ids := make([]chroma.DocumentID, 0, len(records))
	texts := make([]string, 0, len(records))
	metas := make([]chroma.DocumentMetadata, 0, len(records))
	embs := make([]embeddings.Embedding, 0, len(records))
	for _, r := range records {
		raw, err := encodeMetadata(r.Metadata)
		if err != nil {
			return fmt.Errorf("failed to upsert %s: %w", r.ID, err)
		}

		ids = append(ids, chroma.DocumentID(r.ID))
		texts = append(texts, r.Text)
		metas = append(metas, chroma.NewDocumentMetadata(
			chroma.NewStringAttribute(DocID, r.ID),
			chroma.NewStringAttribute(DocMetadata, raw),
		))
		embs = append(embs, embeddings.NewEmbeddingFromFloat32(r.Embedding))
	}

	err := ds.col.Upsert(ctx,
		chroma.WithIDs(ids...),
		chroma.WithTexts(texts...),
		chroma.WithMetadatas(metas...),
		chroma.WithEmbeddings(embs...),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert documents: %w", err)
	}

	return nil
}

func (ds *ChromaStore) Query(ctx context.Context, embedding []float32, n int) ([]Candidate, error) {
	r, err := ds.col.Query(ctx,
		chroma.WithQueryEmbeddings(embeddings.NewEmbeddingFromFloat32(embedding)),
		chroma.WithNResults(n),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}

	groups := r.GetDocumentsGroups()
	if len(groups) == 0 {
		return nil, nil
	}

	metas, dists := r.GetMetadatasGroups(), r.GetDistancesGroups()
	if len(metas) == 0 || len(dists) == 0 {
		return nil, fmt.Errorf("%w: %d metadata groups, %d distance groups", ErrMalformedResult, len(metas), len(dists))
	}

	texts := make([]string, 0, len(groups[0]))
	for _, doc := range groups[0] {
		texts = append(texts, doc.ContentString())
	}

	return toCandidates(texts, metas[0], dists[0])
}

func (ds *ChromaStore) Count(ctx context.Context) (int, error) {
	n, err := ds.col.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}

	return n, nil
}

func (ds *ChromaStore) Close() error {
	return ds.client.Close()
}

// toCandidates turns one query group into candidates. The collection lives in
// cosine space, so similarity is 1 - distance.
func toCandidates(texts []string, metas chroma.DocumentMetadatas, dists embeddings.Distances) ([]Candidate, error) {
	if len(metas) != len(texts) || len(dists) != len(texts) {
		return nil, fmt.Errorf("%w: %d texts, %d metadatas, %d distances",
			ErrMalformedResult, len(texts), len(metas), len(dists))
	}

	res := make([]Candidate, 0, len(texts))
	for i := range texts {
		id, _ := metas[i].GetString(DocID)
		raw, _ := metas[i].GetString(DocMetadata)
		meta, err := decodeMetadata(raw)
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", id, err)
		}

		res = append(res, Candidate{
			Document: Document{
				ID:       id,
				Text:     texts[i],
				Metadata: meta,
			},
			Similarity: 1 - float32(dists[i]),
		})
	}

	slices.SortStableFunc(res, bySimilarity)
	return res, nil
}

func bySimilarity(a, b Candidate) int {
	switch {
	case a.Similarity > b.Similarity:
		return -1
	case a.Similarity < b.Similarity:
		return 1
	}
	return 0
}
