package shell

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gamma-omg/rag-answer/docstore"
	"github.com/gamma-omg/rag-answer/llm"
	"github.com/gamma-omg/rag-answer/loader"
	"github.com/gamma-omg/rag-answer/pipeline"
	"github.com/gamma-omg/rag-answer/rerank"
	"github.com/gamma-omg/rag-answer/summary"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

// bagOfWords hashes words into a fixed number of buckets.
type bagOfWords struct{}

func (bagOfWords) embed(text string) []float32 {
	vec := make([]float32, 128)
	for _, w := range words(text) {
		h := fnv.New32a()
		h.Write([]byte(w))
		vec[h.Sum32()%uint32(len(vec))]++
	}
	return vec
}

func (b bagOfWords) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	res := make([][]float32, 0, len(texts))
	for _, t := range texts {
		res = append(res, b.embed(t))
	}
	return res, nil
}

func (b bagOfWords) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return b.embed(text), nil
}

// overlapScorer counts query words present in the text.
type overlapScorer struct {
	err error
}

func (s overlapScorer) Score(ctx context.Context, query, text string) (float32, error) {
	if s.err != nil {
		return 0, s.err
	}

	in := map[string]bool{}
	for _, w := range words(text) {
		in[w] = true
	}

	var score float32
	for _, w := range words(query) {
		if in[w] {
			score++
		}
	}
	return score, nil
}

type scriptedStreamer struct {
	chunks []string
	err    error
}

func (s scriptedStreamer) Stream(ctx context.Context, messages []llm.Message) (llm.Stream, error) {
	return func(yield func(string, error) bool) {
		for _, c := range s.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if s.err != nil {
			yield("", s.err)
		}
	}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []State
	for _, e := range r.events {
		if e.Kind == EventState {
			res = append(res, e.State)
		}
	}
	return res
}

func (r *recorder) kind(k EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []Event
	for _, e := range r.events {
		if e.Kind == k {
			res = append(res, e)
		}
	}
	return res
}

var products = []map[string]any{
	{"name": "Desk lamp", "description": "A warm LED desk lamp with a flexible arm.", "price": 25},
	{"name": "Kettle", "description": "Electric kettle that boils water in two minutes.", "price": 30},
	{"name": "Espresso machine", "description": "Espresso machine with a built in grinder for fresh coffee beans.", "price": 250},
	{"name": "Office chair", "description": "Ergonomic office chair with lumbar support.", "price": 180},
	{"name": "Headphones", "description": "Wireless noise cancelling headphones for travel.", "price": 120},
}

func writeProducts(t *testing.T, dir, name string) string {
	t.Helper()

	data, err := json.Marshal(products)
	require.NoError(t, err)

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

type fixture struct {
	session *Session
	store   *docstore.LocalStore
	dir     string
}

func newFixture(t *testing.T, scorer rerank.Scorer, streamer llm.Streamer, opts Options) fixture {
	t.Helper()

	dir := t.TempDir()
	store, err := docstore.NewLocalStore(docstore.LocalStoreConfig{Dir: filepath.Join(dir, "db"), Collection: "products"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := discardLogger()
	ld := loader.NewJSONLoader(loader.Config{
		ContentKeys:  []string{"name", "description"},
		MetadataKeys: []string{"name", "price"},
	})
	emb := bagOfWords{}

	s := New(log,
		pipeline.NewIndexer(log, ld, emb, store, 2),
		pipeline.NewRetriever(log, emb, store, "products", 10),
		rerank.NewReranker(log, scorer, 3, 2),
		llm.NewGenerator(log, streamer),
		summary.New(log, streamer, "", 2),
		opts,
	)

	return fixture{session: s, store: store, dir: dir}
}

func Test_ProcessFile_CountsDocuments(t *testing.T) {
	f := newFixture(t, overlapScorer{}, scriptedStreamer{}, Options{})
	path := writeProducts(t, f.dir, "products.json")

	rec := &recorder{}
	res := f.session.ProcessFile(context.Background(), path, rec.observe)
	require.NoError(t, res.Err)
	assert.Equal(t, 5, res.Documents())

	count, err := f.store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	assert.Equal(t, []State{Indexing, Idle}, rec.states())
	progress := rec.kind(EventProgress)
	require.NotEmpty(t, progress)
	assert.Equal(t, 5, progress[len(progress)-1].Done)
	assert.Len(t, rec.kind(EventIndexed), 1)

	res = f.session.ProcessFile(context.Background(), path, nil)
	require.NoError(t, res.Err)
	count, err = f.store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func Test_Ask_FindsRecord(t *testing.T) {
	f := newFixture(t, overlapScorer{}, scriptedStreamer{chunks: []string{"The espresso ", "machine grinds beans."}}, Options{})
	path := writeProducts(t, f.dir, "products.json")
	require.NoError(t, f.session.ProcessFile(context.Background(), path, nil).Err)

	rec := &recorder{}
	ans := f.session.Ask(context.Background(), "espresso machine with grinder for coffee beans", rec.observe)
	require.NoError(t, ans.Err)

	assert.True(t, ans.Reranked)
	assert.LessOrEqual(t, len(ans.Context), 3)
	require.NotEmpty(t, ans.Context)
	assert.Equal(t, "Espresso machine", ans.Context[0].Metadata["name"])
	assert.Equal(t, "The espresso machine grinds beans.", ans.Text)

	for i := 1; i < len(ans.Retrieved); i++ {
		assert.GreaterOrEqual(t, ans.Retrieved[i-1].Similarity, ans.Retrieved[i].Similarity)
	}

	assert.Equal(t, []State{Retrieving, Reranking, Generating, Idle}, rec.states())
	assert.Len(t, rec.kind(EventChunk), 2)
	assert.Equal(t, Idle, f.session.State())
}

func Test_Ask_BeforeProcessing(t *testing.T) {
	f := newFixture(t, overlapScorer{}, scriptedStreamer{chunks: []string{"never"}}, Options{})

	rec := &recorder{}
	ans := f.session.Ask(context.Background(), "anything", rec.observe)

	var retrievalErr *pipeline.RetrievalError
	require.ErrorAs(t, ans.Err, &retrievalErr)
	assert.ErrorIs(t, ans.Err, pipeline.ErrEmptyCollection)
	assert.Empty(t, ans.Text)
	assert.Equal(t, Idle, f.session.State())

	errs := rec.kind(EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, Retrieving, errs[0].State)
	assert.Contains(t, errs[0].Message, "process a file first")
	assert.Equal(t, []State{Retrieving, Idle}, rec.states())
}

func Test_Ask_StreamInterrupted(t *testing.T) {
	streamer := scriptedStreamer{
		chunks: []string{"The espresso ", "machine"},
		err:    errors.New("connection reset by peer"),
	}
	f := newFixture(t, overlapScorer{}, streamer, Options{})
	path := writeProducts(t, f.dir, "products.json")
	require.NoError(t, f.session.ProcessFile(context.Background(), path, nil).Err)

	rec := &recorder{}
	ans := f.session.Ask(context.Background(), "espresso", rec.observe)

	assert.Equal(t, "The espresso machine", ans.Text)
	var genErr *llm.GenerationError
	require.ErrorAs(t, ans.Err, &genErr)
	assert.True(t, genErr.Interrupted)

	errs := rec.kind(EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, Generating, errs[0].State)
	assert.Equal(t, "generation", Stage(errs[0].Err))
	assert.Len(t, rec.kind(EventChunk), 2)
	assert.Equal(t, Idle, f.session.State())
}

func Test_Ask_RerankFallback(t *testing.T) {
	scorer := overlapScorer{err: errors.New("model unavailable")}
	f := newFixture(t, scorer, scriptedStreamer{chunks: []string{"ok"}}, Options{RerankFallback: true})
	path := writeProducts(t, f.dir, "products.json")
	require.NoError(t, f.session.ProcessFile(context.Background(), path, nil).Err)

	rec := &recorder{}
	ans := f.session.Ask(context.Background(), "espresso machine", rec.observe)
	require.NoError(t, ans.Err)

	assert.False(t, ans.Reranked)
	assert.Contains(t, ans.Warning, "rerank failed")
	assert.Equal(t, rerank.TopBySimilarity(ans.Retrieved, 3), ans.Context)
	assert.Equal(t, "ok", ans.Text)
	assert.Len(t, rec.kind(EventWarning), 1)
}

func Test_Ask_RerankAbort(t *testing.T) {
	scorer := overlapScorer{err: errors.New("model unavailable")}
	f := newFixture(t, scorer, scriptedStreamer{chunks: []string{"never"}}, Options{})
	path := writeProducts(t, f.dir, "products.json")
	require.NoError(t, f.session.ProcessFile(context.Background(), path, nil).Err)

	ans := f.session.Ask(context.Background(), "espresso machine", nil)

	var rerankErr *rerank.RerankError
	require.ErrorAs(t, ans.Err, &rerankErr)
	assert.Empty(t, ans.Context)
	assert.Empty(t, ans.Text)
	assert.Equal(t, Idle, f.session.State())
}

func Test_ProcessFile_LoadError(t *testing.T) {
	f := newFixture(t, overlapScorer{}, scriptedStreamer{}, Options{})

	rec := &recorder{}
	res := f.session.ProcessFile(context.Background(), filepath.Join(f.dir, "missing.json"), rec.observe)

	var loadErr *loader.LoadError
	require.ErrorAs(t, res.Err, &loadErr)
	assert.Equal(t, "load", Stage(res.Err))
	assert.Equal(t, Idle, f.session.State())
	assert.Len(t, rec.kind(EventError), 1)
}

func Test_ProcessDir(t *testing.T) {
	f := newFixture(t, overlapScorer{}, scriptedStreamer{}, Options{})

	in := filepath.Join(f.dir, "in")
	require.NoError(t, os.Mkdir(in, 0o755))
	writeProducts(t, in, "a.json")
	require.NoError(t, os.WriteFile(filepath.Join(in, "b.json"), []byte("{not json"), 0o644))

	res := f.session.ProcessDir(context.Background(), in, nil)
	require.Len(t, res.Files, 2)
	assert.NoError(t, res.Files[0].Err)
	assert.Error(t, res.Files[1].Err)
	assert.Equal(t, "load", Stage(res.Err))
	assert.Equal(t, 5, res.Documents())
}

type blockingRetriever struct {
	entered chan struct{}
	release chan struct{}
}

func (b blockingRetriever) Retrieve(ctx context.Context, query string) ([]docstore.Candidate, error) {
	close(b.entered)
	<-b.release
	return nil, &pipeline.RetrievalError{Collection: "products", Err: pipeline.ErrEmptyCollection}
}

func Test_Session_Busy(t *testing.T) {
	br := blockingRetriever{entered: make(chan struct{}), release: make(chan struct{})}
	s := New(discardLogger(), nil, br, nil, nil, nil, Options{})

	done := make(chan Answer)
	go func() {
		done <- s.Ask(context.Background(), "first", nil)
	}()

	<-br.entered
	assert.Equal(t, Retrieving, s.State())

	rec := &recorder{}
	res := s.ProcessFile(context.Background(), "products.json", rec.observe)
	assert.ErrorIs(t, res.Err, ErrBusy)
	assert.ErrorIs(t, s.Ask(context.Background(), "second", nil).Err, ErrBusy)
	assert.Len(t, rec.kind(EventError), 1)

	close(br.release)
	first := <-done
	assert.ErrorIs(t, first.Err, pipeline.ErrEmptyCollection)
	assert.Equal(t, Idle, s.State())
}

type panickingRetriever struct{}

func (panickingRetriever) Retrieve(ctx context.Context, query string) ([]docstore.Candidate, error) {
	panic("index out of range")
}

func Test_Session_RecoversPanic(t *testing.T) {
	s := New(discardLogger(), nil, panickingRetriever{}, nil, nil, nil, Options{})

	ans := s.Ask(context.Background(), "q", nil)
	require.Error(t, ans.Err)
	assert.Contains(t, ans.Err.Error(), "index out of range")
	assert.Equal(t, "internal", Stage(ans.Err))
	assert.Equal(t, Idle, s.State())
}

func Test_State_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "generating", Generating.String())
	assert.Equal(t, "summarizing", Summarizing.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func Test_Message(t *testing.T) {
	assert.Empty(t, Message(nil))
	assert.Equal(t, "session failed: "+ErrBusy.Error(), Message(ErrBusy))

	err := &pipeline.IndexError{Path: "a.json", Indexed: 2, Err: errors.New("disk full")}
	assert.Equal(t, "index failed: "+err.Error(), Message(err))

	sumErr := &summary.SummaryError{Path: "a.json", Err: errors.New("disk full")}
	assert.Equal(t, "summary failed: "+sumErr.Error(), Message(sumErr))
}

func Test_Summarize_File(t *testing.T) {
	f := newFixture(t, overlapScorer{}, scriptedStreamer{chunks: []string{"- Useful\n", "- Affordable\n"}}, Options{})
	path := writeProducts(t, f.dir, "products.json")

	rec := &recorder{}
	res := f.session.Summarize(context.Background(), path, rec.observe)
	require.NoError(t, res.Err)
	require.Len(t, res.Files, 1)

	report := res.Files[0].Report
	assert.Equal(t, 5, report.Records)
	assert.Equal(t, summary.OutputPath(path), report.Output)

	raw, err := os.ReadFile(report.Output)
	require.NoError(t, err)
	var out []map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, out, 5)
	for _, r := range out {
		assert.Equal(t, []any{"Useful", "Affordable"}, r[summary.Key])
	}

	assert.Equal(t, []State{Summarizing, Idle}, rec.states())
	assert.Len(t, rec.kind(EventProgress), 5)
	done := rec.kind(EventSummarized)
	require.Len(t, done, 1)
	assert.Equal(t, report.Output, done[0].Path)
	assert.Equal(t, 5, done[0].Done)
}

func Test_Summarize_Dir(t *testing.T) {
	f := newFixture(t, overlapScorer{}, scriptedStreamer{chunks: []string{"* Useful"}}, Options{})
	writeProducts(t, f.dir, "a.json")
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "b.json"), []byte("{oops"), 0o644))

	rec := &recorder{}
	res := f.session.Summarize(context.Background(), f.dir, rec.observe)
	require.Error(t, res.Err)
	require.Len(t, res.Files, 2)
	assert.NoError(t, res.Files[0].Err)
	assert.Equal(t, "load", Stage(res.Err))
	assert.Len(t, rec.kind(EventSummarized), 1)
	assert.Len(t, rec.kind(EventError), 1)
	assert.Equal(t, Idle, f.session.State())
}

func Test_Summarize_Missing(t *testing.T) {
	f := newFixture(t, overlapScorer{}, scriptedStreamer{}, Options{})

	res := f.session.Summarize(context.Background(), filepath.Join(f.dir, "missing.json"), nil)
	assert.ErrorIs(t, res.Err, os.ErrNotExist)
	assert.Equal(t, "load", Stage(res.Err))
}
