package pipeline

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/gamma-omg/rag-answer/docstore"
	"github.com/stretchr/testify/mock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type MockCollection struct {
	mock.Mock
}

func (m *MockCollection) Upsert(ctx context.Context, records []docstore.Record) error {
	args := m.Called(ctx, records)
	return args.Error(0)
}

func (m *MockCollection) Query(ctx context.Context, embedding []float32, n int) ([]docstore.Candidate, error) {
	args := m.Called(ctx, embedding, n)
	res, _ := args.Get(0).([]docstore.Candidate)
	return res, args.Error(1)
}

func (m *MockCollection) Count(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type MockEmbedder struct {
	mock.Mock
}

func (m *MockEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	res, _ := args.Get(0).([][]float32)
	return res, args.Error(1)
}

func (m *MockEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	res, _ := args.Get(0).([]float32)
	return res, args.Error(1)
}

// lengthEmbedder maps a text to (len, 1) so every document gets a vector.
type lengthEmbedder struct{}

func (lengthEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	res := make([][]float32, 0, len(texts))
	for _, t := range texts {
		res = append(res, []float32{float32(len(t)), 1})
	}
	return res, nil
}

func (lengthEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, nil
}

type fakeCollection struct {
	docs       map[string]docstore.Record
	upsertCall int
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]docstore.Record)}
}

func (c *fakeCollection) Upsert(ctx context.Context, records []docstore.Record) error {
	c.upsertCall++
	for _, r := range records {
		c.docs[r.ID] = r
	}
	return nil
}

func (c *fakeCollection) Query(ctx context.Context, embedding []float32, n int) ([]docstore.Candidate, error) {
	var res []docstore.Candidate
	for _, r := range c.docs {
		var dot float32
		for i := range embedding {
			dot += embedding[i] * r.Embedding[i]
		}
		res = append(res, docstore.Candidate{Document: r.Document, Similarity: dot})
	}

	slices.SortFunc(res, func(a, b docstore.Candidate) int {
		if a.Similarity != b.Similarity {
			if a.Similarity > b.Similarity {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	if len(res) > n {
		res = res[:n]
	}

	return res, nil
}

func (c *fakeCollection) Count(ctx context.Context) (int, error) {
	return len(c.docs), nil
}
