package shell

import (
	"errors"
	"fmt"

	"github.com/gamma-omg/rag-answer/docstore"
	"github.com/gamma-omg/rag-answer/llm"
	"github.com/gamma-omg/rag-answer/loader"
	"github.com/gamma-omg/rag-answer/pipeline"
	"github.com/gamma-omg/rag-answer/rerank"
	"github.com/gamma-omg/rag-answer/summary"
)

type EventKind int

const (
	EventState EventKind = iota
	EventProgress
	EventIndexed
	EventRetrieved
	EventContext
	EventChunk
	EventWarning
	EventError
	EventSummarized
)

type Event struct {
	Kind       EventKind
	State      State
	Path       string
	Done       int
	Total      int
	Candidates []docstore.Candidate
	Chunk      string
	Message    string
	Err        error
}

// Observer receives the events of an action on the goroutine running it.
// A nil Observer discards them.
type Observer func(Event)

func (o Observer) emit(e Event) {
	if o != nil {
		o(e)
	}
}

// Stage names the part of the pipeline that produced err.
func Stage(err error) string {
	var (
		loadErr      *loader.LoadError
		indexErr     *pipeline.IndexError
		retrievalErr *pipeline.RetrievalError
		rerankErr    *rerank.RerankError
		genErr       *llm.GenerationError
		summaryErr   *summary.SummaryError
	)

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBusy):
		return "session"
	case errors.As(err, &loadErr):
		return "load"
	case errors.As(err, &indexErr):
		return "index"
	case errors.As(err, &retrievalErr):
		return "retrieval"
	case errors.As(err, &rerankErr):
		return "rerank"
	case errors.As(err, &genErr):
		return "generation"
	case errors.As(err, &summaryErr):
		return "summary"
	}
	return "internal"
}

// Message renders err for display.
func Message(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, pipeline.ErrEmptyCollection) {
		return "retrieval failed: " + pipeline.ErrEmptyCollection.Error()
	}

	return fmt.Sprintf("%s failed: %v", Stage(err), err)
}
