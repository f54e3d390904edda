// Package summary asks the language model for a bullet point summary of every
// record of a JSON file and writes the records back with the summary added.
package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/gamma-omg/rag-answer/llm"
	"github.com/gamma-omg/rag-answer/loader"
	"github.com/gamma-omg/rag-answer/pipeline"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

const (
	SystemPrompt = "You are a data analysis assistant. Create concise, bullet-point summaries of the features of a record."

	// Key is the field added to every summarized record.
	Key = "ai_summary"
	// OutputPrefix is prepended to the input file name to name the output.
	OutputPrefix = "processed_"
	// Failed replaces the summary of a record the model could not summarize.
	Failed = "Error generating summary"

	bullets = "•-*"
)

const promptTemplate = `Summarize the record below in 3 to 5 short bullet points.
Write one point per line and start every line with "- ".
Only use facts present in the record.

Record:
%s`

type SummaryError struct {
	Path string
	Err  error
}

func (e *SummaryError) Error() string {
	return fmt.Sprintf("failed to summarize %s: %v", e.Path, e.Err)
}

func (e *SummaryError) Unwrap() error {
	return e.Err
}

type Report struct {
	Path   string
	Output string
	// Records counts the summarized objects, Failed those that got the
	// Failed placeholder.
	Records int
	Failed  int
	// Skipped counts array entries that are not objects. They are written
	// back unchanged.
	Skipped int
}

type FileResult struct {
	Report Report
	Err    error
}

type Summarizer struct {
	log         *slog.Logger
	streamer    llm.Streamer
	recordsPath string
	concurrency int
}

// New creates a Summarizer. recordsPath uses gjson path syntax like
// loader.Config.RecordsPath; the output file only holds that array.
func New(log *slog.Logger, streamer llm.Streamer, recordsPath string, concurrency int) *Summarizer {
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Summarizer{
		log:         log,
		streamer:    streamer,
		recordsPath: recordsPath,
		concurrency: concurrency,
	}
}

// OutputPath is where the summarized copy of path is written.
func OutputPath(path string) string {
	return filepath.Join(filepath.Dir(path), OutputPrefix+filepath.Base(path))
}

// SummarizeFile summarizes every record of path and writes the result to
// OutputPath(path). A record the model fails on does not stop the others.
func (s *Summarizer) SummarizeFile(ctx context.Context, path string, progress pipeline.Progress) (Report, error) {
	report := Report{Path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		return report, &loader.LoadError{Path: path, Err: err}
	}
	if !gjson.ValidBytes(data) {
		return report, &loader.LoadError{Path: path, Err: loader.ErrInvalidJSON}
	}

	records := gjson.ParseBytes(data)
	if s.recordsPath != "" {
		records = records.Get(s.recordsPath)
	}
	if !records.IsArray() {
		return report, &loader.LoadError{Path: path, Err: fmt.Errorf("%w: records are not an array", loader.ErrInvalidShape)}
	}

	entries := records.Array()
	out := make([]any, len(entries))
	total := 0
	for _, rec := range entries {
		if rec.IsObject() {
			total++
		}
	}

	var (
		mu   sync.Mutex
		done int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, rec := range entries {
		if !rec.IsObject() {
			out[i] = json.RawMessage(rec.Raw)
			report.Skipped++
			continue
		}

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			fields, err := decodeRecord(rec.Raw)
			if err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}

			points, err := s.summarize(gctx, rec.Raw)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				s.log.Warn("failed to summarize record", "file", path, "record", i, "error", err)
				points = []string{Failed}
			}
			fields[Key] = points
			out[i] = fields

			mu.Lock()
			defer mu.Unlock()
			done++
			if err != nil {
				report.Failed++
			}
			if progress != nil {
				progress(done, total)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, &SummaryError{Path: path, Err: err}
	}
	report.Records = total

	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return report, &SummaryError{Path: path, Err: err}
	}

	output := OutputPath(path)
	if err := os.WriteFile(output, append(raw, '\n'), 0o644); err != nil {
		return report, &SummaryError{Path: path, Err: err}
	}
	report.Output = output

	s.log.Info("summarized file", "file", path, "output", output, "records", report.Records, "failed", report.Failed)
	return report, nil
}

// SummarizeDir summarizes every *.json file of dir except earlier outputs.
func (s *Summarizer) SummarizeDir(ctx context.Context, dir string, progress pipeline.Progress) ([]FileResult, error) {
	files, err := loader.JSONFiles(dir)
	if err != nil {
		return nil, err
	}

	results := make([]FileResult, 0, len(files))
	for _, f := range files {
		if strings.HasPrefix(filepath.Base(f), OutputPrefix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}

		report, err := s.SummarizeFile(ctx, f, progress)
		if err != nil {
			s.log.Error("failed to summarize file", "file", f, "error", err)
		}
		results = append(results, FileResult{Report: report, Err: err})
	}

	if len(results) == 0 {
		s.log.Warn("no json files found", "dir", dir)
	}

	return results, nil
}

func (s *Summarizer) summarize(ctx context.Context, raw string) ([]string, error) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, []byte(raw), "", "  "); err != nil {
		return nil, err
	}

	stream, err := s.streamer.Stream(ctx, []llm.Message{
		{Role: "system", Content: SystemPrompt},
		{Role: "user", Content: fmt.Sprintf(promptTemplate, pretty.String())},
	})
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	for chunk, err := range stream {
		if err != nil {
			return nil, err
		}
		sb.WriteString(chunk)
	}

	return ParseBullets(sb.String()), nil
}

// ParseBullets keeps the lines of text that start with a bullet marker and
// strips the marker.
func ParseBullets(text string) []string {
	points := []string{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		r, _ := utf8.DecodeRuneInString(line)
		if line == "" || !strings.ContainsRune(bullets, r) {
			continue
		}

		point := strings.TrimSpace(strings.TrimLeft(line, bullets))
		if point != "" {
			points = append(points, point)
		}
	}

	return points
}

func decodeRecord(raw string) (map[string]any, error) {
	fields := make(map[string]any)
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, errors.Join(loader.ErrInvalidJSON, err)
	}

	return fields, nil
}
