package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/gamma-omg/rag-answer/shell"
)

var (
	serveFile  string
	serveWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the process_file and ask tools over MCP",
	Long: `Starts a Model Context Protocol server over SSE on server_addr. It exposes
two tools: process_file indexes a JSON file and ask answers a question from
the indexed documents.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveFile, "file", "f", "", "JSON file to index at startup")
	serveCmd.Flags().BoolVarP(&serveWatch, "watch", "w", false, "index the file again whenever it changes")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveWatch && serveFile == "" {
		return fmt.Errorf("--watch requires --file")
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if serveFile != "" {
		go reprocess(ctx, a, serveFile)
	}

	if serveWatch {
		w, err := NewFileWatcher(a.log, serveFile, a.cfg.WatchDebounce(), func(path string) {
			reprocess(ctx, a, path)
		})
		if err != nil {
			return err
		}
		if err := w.Watch(ctx); err != nil {
			return err
		}
	}

	srv := NewRagServer(a.log, a.session)
	sse := server.NewSSEServer(srv, server.WithBaseURL(fmt.Sprintf("http://%s", a.cfg.ServerAddr)))

	errc := make(chan error, 1)
	go func() {
		errc <- sse.Start(a.cfg.ServerAddr)
	}()
	cmd.Printf("MCP server listening on http://%s\n", a.cfg.ServerAddr)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return sse.Shutdown(shutdownCtx)
}

// reprocess indexes path in the background of the server. A change arriving
// while another action runs is dropped.
func reprocess(ctx context.Context, a *app, path string) {
	res := a.session.ProcessFile(ctx, path, nil)
	switch {
	case errors.Is(res.Err, shell.ErrBusy):
		a.log.Warn("dropped file change, session busy", "file", path)
	case res.Err != nil:
		a.log.Error("failed to process file", "file", path, "error", res.Err)
	default:
		a.log.Info("processed file", "file", path, "documents", res.Documents())
	}
}
