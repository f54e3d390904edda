// Package llm builds the answer prompt and streams the generated answer.
package llm

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/gamma-omg/rag-answer/docstore"
)

const SystemPrompt = `You are a question answering assistant. Answer the question using only the provided context.
Be comprehensive: include every relevant detail the context contains.
If the context does not contain the answer, say that you do not know.`

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Stream is a finite, forward-only sequence of answer fragments. A non-nil
// error is always the last element.
type Stream = iter.Seq2[string, error]

// Streamer opens a streamed chat completion. An error return means the
// request could not be established; failures after that arrive through the
// stream.
type Streamer interface {
	Stream(ctx context.Context, messages []Message) (Stream, error)
}

type GenerationError struct {
	// Interrupted is set when the stream had started before failing.
	Interrupted bool
	Err         error
}

func (e *GenerationError) Error() string {
	if e.Interrupted {
		return fmt.Sprintf("answer stream interrupted: %v", e.Err)
	}
	return fmt.Sprintf("failed to start answer generation: %v", e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// BuildMessages puts the fixed instruction in the system message and the
// numbered context followed by the question in the user message.
func BuildMessages(query string, docs []docstore.Document) []Message {
	var sb strings.Builder
	sb.WriteString("Context:\n")
	for i, d := range docs {
		fmt.Fprintf(&sb, "\n[%d]\n%s\n", i+1, d.Text)
	}
	fmt.Fprintf(&sb, "\nQuestion: %s", query)

	return []Message{
		{Role: "system", Content: SystemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

type Generator struct {
	log      *slog.Logger
	streamer Streamer
}

func NewGenerator(log *slog.Logger, streamer Streamer) *Generator {
	return &Generator{log: log, streamer: streamer}
}

// Generate answers query from docs. Consumers stop the generation by breaking
// out of the range loop.
func (g *Generator) Generate(ctx context.Context, query string, docs []docstore.Document) (Stream, error) {
	stream, err := g.streamer.Stream(ctx, BuildMessages(query, docs))
	if err != nil {
		g.log.Error("failed to start generation", "error", err)
		return nil, &GenerationError{Err: err}
	}

	return func(yield func(string, error) bool) {
		start := time.Now()
		chunks := 0
		for chunk, err := range stream {
			if err != nil {
				g.log.Error("generation interrupted", "chunks", chunks, "error", err)
				yield("", &GenerationError{Interrupted: true, Err: err})
				return
			}

			chunks++
			if !yield(chunk, nil) {
				g.log.Info("generation abandoned", "chunks", chunks)
				return
			}
		}

		g.log.Info("generated answer", "chunks", chunks, "duration", time.Since(start))
	}, nil
}
