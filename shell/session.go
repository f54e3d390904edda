// Package shell runs the user facing actions one at a time and turns every
// failure into something that can be shown to the user.
package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/gamma-omg/rag-answer/docstore"
	"github.com/gamma-omg/rag-answer/llm"
	"github.com/gamma-omg/rag-answer/loader"
	"github.com/gamma-omg/rag-answer/pipeline"
	"github.com/gamma-omg/rag-answer/rerank"
	"github.com/gamma-omg/rag-answer/summary"
)

type State int

const (
	Idle State = iota
	Indexing
	Retrieving
	Reranking
	Generating
	Summarizing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Indexing:
		return "indexing"
	case Retrieving:
		return "retrieving"
	case Reranking:
		return "reranking"
	case Generating:
		return "generating"
	case Summarizing:
		return "summarizing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var ErrBusy = errors.New("another action is still running")

type Indexer interface {
	IndexFile(ctx context.Context, path string, progress pipeline.Progress) (pipeline.IndexReport, error)
	IndexDir(ctx context.Context, dir string, progress pipeline.Progress) ([]pipeline.FileResult, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]docstore.Candidate, error)
}

type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []docstore.Candidate) ([]docstore.Candidate, error)
	TopK() int
}

type Generator interface {
	Generate(ctx context.Context, query string, docs []docstore.Document) (llm.Stream, error)
}

type Summarizer interface {
	SummarizeFile(ctx context.Context, path string, progress pipeline.Progress) (summary.Report, error)
	SummarizeDir(ctx context.Context, dir string, progress pipeline.Progress) ([]summary.FileResult, error)
}

type Options struct {
	// RerankFallback answers from the top K by similarity when reranking
	// fails instead of aborting the question.
	RerankFallback bool
}

// Processed is the outcome of a process action. Err is nil only if every
// file was indexed.
type Processed struct {
	Path  string
	Files []pipeline.FileResult
	Err   error
}

func (p Processed) Documents() int {
	n := 0
	for _, f := range p.Files {
		n += f.Report.Documents
	}
	return n
}

// Answer is the outcome of an ask action. Text holds whatever was generated
// before a failure.
type Answer struct {
	Query     string
	Retrieved []docstore.Candidate
	Context   []docstore.Candidate
	Reranked  bool
	Text      string
	Warning   string
	Err       error
}

// Summarized is the outcome of a summarize action. Err is nil only if every
// file was summarized.
type Summarized struct {
	Path  string
	Files []summary.FileResult
	Err   error
}

type Session struct {
	log       *slog.Logger
	indexer   Indexer
	retriever Retriever
	reranker  Reranker
	generator  Generator
	summarizer Summarizer
	opts       Options

	mu    sync.Mutex
	state State
}

func New(log *slog.Logger, indexer Indexer, retriever Retriever, reranker Reranker, generator Generator, summarizer Summarizer, opts Options) *Session {
	return &Session{
		log:        log,
		indexer:    indexer,
		retriever:  retriever,
		reranker:   reranker,
		generator:  generator,
		summarizer: summarizer,
		opts:       opts,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ProcessFile indexes a single JSON file.
func (s *Session) ProcessFile(ctx context.Context, path string, obs Observer) (res Processed) {
	res.Path = path
	if res.Err = s.begin(Indexing, obs); res.Err != nil {
		return res
	}
	defer s.finish(&res.Err, obs)

	report, err := s.indexer.IndexFile(ctx, path, progressFunc(path, obs))
	res.Files = []pipeline.FileResult{{Report: report, Err: err}}
	if err != nil {
		res.Err = err
		return res
	}

	obs.emit(Event{Kind: EventIndexed, Path: path, Done: report.Documents, Total: report.Documents})
	return res
}

// ProcessDir indexes every JSON file of dir. Files that fail are reported
// and do not stop the others.
func (s *Session) ProcessDir(ctx context.Context, dir string, obs Observer) (res Processed) {
	res.Path = dir
	if res.Err = s.begin(Indexing, obs); res.Err != nil {
		return res
	}
	defer s.finish(&res.Err, obs)

	files, err := s.indexer.IndexDir(ctx, dir, func(done, total int) {
		obs.emit(Event{Kind: EventProgress, Path: dir, Done: done, Total: total})
	})
	res.Files = files
	if err != nil {
		res.Err = err
		return res
	}

	var errs []error
	for _, f := range files {
		if f.Err != nil {
			errs = append(errs, f.Err)
			continue
		}
		obs.emit(Event{Kind: EventIndexed, Path: f.Report.Path, Done: f.Report.Documents, Total: f.Report.Documents})
	}
	res.Err = errors.Join(errs...)

	return res
}

// Summarize writes a bullet point summary of every record of path, a JSON
// file or a directory of them, next to the input.
func (s *Session) Summarize(ctx context.Context, path string, obs Observer) (res Summarized) {
	res.Path = path
	if res.Err = s.begin(Summarizing, obs); res.Err != nil {
		return res
	}
	defer s.finish(&res.Err, obs)

	info, err := os.Stat(path)
	if err != nil {
		res.Err = &loader.LoadError{Path: path, Err: err}
		return res
	}

	if !info.IsDir() {
		report, err := s.summarizer.SummarizeFile(ctx, path, progressFunc(path, obs))
		res.Files = []summary.FileResult{{Report: report, Err: err}}
		res.Err = err
	} else {
		res.Files, res.Err = s.summarizer.SummarizeDir(ctx, path, progressFunc(path, obs))
		if res.Err != nil {
			return res
		}

		var errs []error
		for _, f := range res.Files {
			if f.Err != nil {
				errs = append(errs, f.Err)
			}
		}
		res.Err = errors.Join(errs...)
	}

	for _, f := range res.Files {
		if f.Err == nil {
			obs.emit(Event{Kind: EventSummarized, Path: f.Report.Output, Done: f.Report.Records, Total: f.Report.Records})
		}
	}

	return res
}

// Ask retrieves, reranks and streams an answer for query. Chunks are
// reported to obs as they arrive.
func (s *Session) Ask(ctx context.Context, query string, obs Observer) (ans Answer) {
	ans.Query = query
	if ans.Err = s.begin(Retrieving, obs); ans.Err != nil {
		return ans
	}
	defer s.finish(&ans.Err, obs)

	retrieved, err := s.retriever.Retrieve(ctx, query)
	if err != nil {
		ans.Err = err
		return ans
	}
	ans.Retrieved = retrieved
	obs.emit(Event{Kind: EventRetrieved, Candidates: retrieved})

	s.transition(Reranking, obs)
	top, err := s.reranker.Rerank(ctx, query, retrieved)
	switch {
	case err == nil:
		ans.Reranked = true
	case s.opts.RerankFallback:
		ans.Warning = Message(err) + "; answering from similarity order"
		s.log.Warn("rerank failed, falling back to similarity order", "error", err)
		obs.emit(Event{Kind: EventWarning, Message: ans.Warning, Err: err})
		top = rerank.TopBySimilarity(retrieved, s.reranker.TopK())
	default:
		ans.Err = err
		return ans
	}
	ans.Context = top
	obs.emit(Event{Kind: EventContext, Candidates: top})

	s.transition(Generating, obs)
	docs := make([]docstore.Document, 0, len(top))
	for _, c := range top {
		docs = append(docs, c.Document)
	}

	stream, err := s.generator.Generate(ctx, query, docs)
	if err != nil {
		ans.Err = err
		return ans
	}

	var sb strings.Builder
	for chunk, err := range stream {
		if err != nil {
			ans.Err = err
			break
		}
		sb.WriteString(chunk)
		obs.emit(Event{Kind: EventChunk, Chunk: chunk})
	}
	ans.Text = sb.String()

	return ans
}

func (s *Session) begin(state State, obs Observer) error {
	s.mu.Lock()
	if s.state != Idle {
		current := s.state
		s.mu.Unlock()
		s.log.Warn("rejected action", "requested", state.String(), "current", current.String())
		obs.emit(Event{Kind: EventError, State: current, Message: Message(ErrBusy), Err: ErrBusy})
		return ErrBusy
	}
	s.state = state
	s.mu.Unlock()

	obs.emit(Event{Kind: EventState, State: state})
	return nil
}

func (s *Session) transition(state State, obs Observer) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	obs.emit(Event{Kind: EventState, State: state})
}

// finish always returns the session to Idle. A panic below the session is
// turned into an error so it never escapes to the caller.
func (s *Session) finish(errp *error, obs Observer) {
	if r := recover(); r != nil {
		*errp = fmt.Errorf("internal error: %v", r)
	}

	s.mu.Lock()
	failed := s.state
	s.state = Idle
	s.mu.Unlock()

	if *errp != nil {
		s.log.Error("action failed", "state", failed.String(), "stage", Stage(*errp), "error", *errp)
		obs.emit(Event{Kind: EventError, State: failed, Message: Message(*errp), Err: *errp})
	}
	obs.emit(Event{Kind: EventState, State: Idle})
}

func progressFunc(path string, obs Observer) pipeline.Progress {
	return func(done, total int) {
		obs.emit(Event{Kind: EventProgress, Path: path, Done: done, Total: total})
	}
}
