package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gamma-omg/rag-answer/docstore"
	"github.com/gamma-omg/rag-answer/loader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const fiveRecords = `[
	{"text": "Mechanical keyboard with brown switches"},
	{"text": "Wireless mouse with silent clicks"},
	{"text": "Espresso machine with a steam wand"},
	{"text": "Noise cancelling headphones"},
	{"text": "Ergonomic office chair with lumbar support"}
]`

func writeJSON(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestIndexer(store Collection, emb Embedder, batch int) *Indexer {
	l := loader.NewJSONLoader(loader.Config{ContentKeys: []string{"text"}})
	return NewIndexer(discardLogger(), l, emb, store, batch)
}

func Test_IndexFile(t *testing.T) {
	path := writeJSON(t, t.TempDir(), "products.json", fiveRecords)
	store := newFakeCollection()
	ix := newTestIndexer(store, lengthEmbedder{}, 0)

	report, err := ix.IndexFile(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Documents)
	assert.Equal(t, path, report.Path)

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	for _, r := range store.docs {
		assert.Equal(t, []float32{float32(len(r.Text)), 1}, r.Embedding)
	}
}

func Test_IndexFile_Idempotent(t *testing.T) {
	path := writeJSON(t, t.TempDir(), "products.json", fiveRecords)
	store := newFakeCollection()
	ix := newTestIndexer(store, lengthEmbedder{}, 0)

	_, err := ix.IndexFile(context.Background(), path, nil)
	require.NoError(t, err)
	_, err = ix.IndexFile(context.Background(), path, nil)
	require.NoError(t, err)

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func Test_IndexFile_Batches(t *testing.T) {
	path := writeJSON(t, t.TempDir(), "products.json", fiveRecords)

	store := new(MockCollection)
	store.On("Upsert", mock.Anything, mock.Anything).Return(nil).Times(3)

	var progress [][2]int
	ix := newTestIndexer(store, lengthEmbedder{}, 2)
	report, err := ix.IndexFile(context.Background(), path, func(done, total int) {
		progress = append(progress, [2]int{done, total})
	})
	require.NoError(t, err)

	assert.Equal(t, 5, report.Documents)
	assert.Equal(t, [][2]int{{2, 5}, {4, 5}, {5, 5}}, progress)
	store.AssertExpectations(t)
}

func Test_IndexFile_EmbeddingFailure(t *testing.T) {
	path := writeJSON(t, t.TempDir(), "products.json", fiveRecords)
	boom := errors.New("embedding model offline")

	emb := new(MockEmbedder)
	emb.On("EmbedDocuments", mock.Anything, mock.Anything).Return([][]float32{{1}, {2}, {3}}, nil).Once()
	emb.On("EmbedDocuments", mock.Anything, mock.Anything).Return(nil, boom).Once()

	store := newFakeCollection()
	ix := newTestIndexer(store, emb, 3)

	_, err := ix.IndexFile(context.Background(), path, nil)

	var indexErr *IndexError
	require.ErrorAs(t, err, &indexErr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, indexErr.Indexed)
	assert.Len(t, store.docs, 3)
	emb.AssertExpectations(t)
}

func Test_IndexFile_StorageFailure(t *testing.T) {
	path := writeJSON(t, t.TempDir(), "products.json", fiveRecords)
	boom := errors.New("disk full")

	store := new(MockCollection)
	store.On("Upsert", mock.Anything, mock.Anything).Return(boom)

	ix := newTestIndexer(store, lengthEmbedder{}, 0)
	_, err := ix.IndexFile(context.Background(), path, nil)

	var indexErr *IndexError
	require.ErrorAs(t, err, &indexErr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, indexErr.Indexed)
}

func Test_IndexFile_EmbeddingCountMismatch(t *testing.T) {
	path := writeJSON(t, t.TempDir(), "products.json", fiveRecords)

	emb := new(MockEmbedder)
	emb.On("EmbedDocuments", mock.Anything, mock.Anything).Return([][]float32{{1}}, nil)

	ix := newTestIndexer(newFakeCollection(), emb, 0)
	_, err := ix.IndexFile(context.Background(), path, nil)

	var indexErr *IndexError
	assert.ErrorAs(t, err, &indexErr)
}

func Test_IndexFile_LoadFailure(t *testing.T) {
	store := new(MockCollection)
	ix := newTestIndexer(store, lengthEmbedder{}, 0)

	_, err := ix.IndexFile(context.Background(), filepath.Join(t.TempDir(), "missing.json"), nil)

	var loadErr *loader.LoadError
	assert.ErrorAs(t, err, &loadErr)
	store.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
}

func Test_IndexDir(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, dir, "a.json", fiveRecords)
	writeJSON(t, dir, "b.json", `{"not": "an array"}`)
	writeJSON(t, dir, "c.json", `[{"text": "Standing desk"}]`)

	store := newFakeCollection()
	ix := newTestIndexer(store, lengthEmbedder{}, 0)

	results, err := ix.IndexDir(context.Background(), dir, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.Equal(t, 5, results[0].Report.Documents)

	var loadErr *loader.LoadError
	assert.ErrorAs(t, results[1].Err, &loadErr)

	assert.NoError(t, results[2].Err)
	assert.Equal(t, 1, results[2].Report.Documents)

	assert.Len(t, store.docs, 6)
}

func Test_IndexDir_Missing(t *testing.T) {
	ix := newTestIndexer(newFakeCollection(), lengthEmbedder{}, 0)

	_, err := ix.IndexDir(context.Background(), filepath.Join(t.TempDir(), "nope"), nil)

	var loadErr *loader.LoadError
	assert.ErrorAs(t, err, &loadErr)
}

func Test_IndexFile_DocumentPerRecord(t *testing.T) {
	path := writeJSON(t, t.TempDir(), "products.json", fiveRecords)

	store := new(MockCollection)
	store.On("Upsert", mock.Anything, mock.MatchedBy(func(records []docstore.Record) bool {
		return len(records) == 5
	})).Return(nil).Once()

	ix := newTestIndexer(store, lengthEmbedder{}, 10)
	_, err := ix.IndexFile(context.Background(), path, nil)
	require.NoError(t, err)
	store.AssertExpectations(t)
}
