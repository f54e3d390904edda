package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/gamma-omg/rag-answer/shell"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

type ragSession interface {
	ProcessFile(ctx context.Context, path string, obs shell.Observer) shell.Processed
	Ask(ctx context.Context, query string, obs shell.Observer) shell.Answer
	Summarize(ctx context.Context, path string, obs shell.Observer) shell.Summarized
}

type fileReport struct {
	File      string `json:"file"`
	Documents int    `json:"documents"`
	Skipped   int    `json:"skipped"`
}

type summaryReport struct {
	File    string `json:"file"`
	Output  string `json:"output"`
	Records int    `json:"records"`
	Failed  int    `json:"failed"`
}

type contextDoc struct {
	ID         string         `json:"id"`
	Similarity float32        `json:"similarity"`
	Relevance  float32        `json:"relevance"`
	Text       string         `json:"text"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type answerReport struct {
	Answer   string       `json:"answer"`
	Reranked bool         `json:"reranked"`
	Warning  string       `json:"warning,omitempty"`
	Context  []contextDoc `json:"context"`
}

type ragServer struct {
	log     *slog.Logger
	session ragSession
}

func NewRagServer(log *slog.Logger, session ragSession) *server.MCPServer {
	rs := &ragServer{log: log, session: session}

	processTool := mcp.NewTool("process_file",
		mcp.WithDescription("Index a JSON file of records into the document collection"),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Path to the JSON file on the server machine"),
		))

	askTool := mcp.NewTool("ask",
		mcp.WithDescription("Answer a question from the indexed documents"),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Question to answer"),
		))

	summarizeTool := mcp.NewTool("summarize_file",
		mcp.WithDescription("Write a bullet point summary of every record of a JSON file to processed_<name>.json next to it"),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Path to the JSON file on the server machine"),
		))

	srv := server.NewMCPServer("RAG Answer", "0.1.0", server.WithToolCapabilities(false))
	srv.AddTool(processTool, rs.processFile)
	srv.AddTool(askTool, rs.ask)
	srv.AddTool(summarizeTool, rs.summarizeFile)

	return srv
}

func (rs *ragServer) processFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	rs.log.Info("process_file called", "path", path)
	res := rs.session.ProcessFile(ctx, path, nil)
	if res.Err != nil {
		return mcp.NewToolResultError(shell.Message(res.Err)), nil
	}

	reports := make([]fileReport, 0, len(res.Files))
	for _, f := range res.Files {
		reports = append(reports, fileReport{
			File:      f.Report.Path,
			Documents: f.Report.Documents,
			Skipped:   f.Report.Skipped,
		})
	}

	return jsonResult(reports)
}

func (rs *ragServer) ask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	rs.log.Info("ask called", "query", q)
	ans := rs.session.Ask(ctx, q, nil)
	if ans.Err != nil {
		msg := shell.Message(ans.Err)
		if ans.Text != "" {
			msg += "\npartial answer:\n" + ans.Text
		}
		return mcp.NewToolResultError(msg), nil
	}

	report := answerReport{
		Answer:   ans.Text,
		Reranked: ans.Reranked,
		Warning:  ans.Warning,
		Context:  make([]contextDoc, 0, len(ans.Context)),
	}
	for _, c := range ans.Context {
		report.Context = append(report.Context, contextDoc{
			ID:         c.ID,
			Similarity: c.Similarity,
			Relevance:  c.Relevance,
			Text:       c.Text,
			Metadata:   c.Metadata,
		})
	}

	return jsonResult(report)
}

func (rs *ragServer) summarizeFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	rs.log.Info("summarize_file called", "path", path)
	res := rs.session.Summarize(ctx, path, nil)
	if res.Err != nil {
		return mcp.NewToolResultError(shell.Message(res.Err)), nil
	}

	reports := make([]summaryReport, 0, len(res.Files))
	for _, f := range res.Files {
		reports = append(reports, summaryReport{
			File:    f.Report.Path,
			Output:  f.Report.Output,
			Records: f.Report.Records,
			Failed:  f.Report.Failed,
		})
	}

	return jsonResult(reports)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(string(raw)), nil
}
