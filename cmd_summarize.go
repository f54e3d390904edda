package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gamma-omg/rag-answer/shell"
)

var summarizeCmd = &cobra.Command{
	Use:   "summarize <file-or-dir>",
	Short: "Write a bullet point summary of every record",
	Long: `Asks the language model for a short bullet point summary of every record
of a JSON file and writes the records, each with an "ai_summary" list added,
to processed_<name>.json next to the input. Given a directory, every *.json
file in it is summarized except earlier processed_ outputs. The collection
is not touched.`,
	Args: cobra.ExactArgs(1),
	RunE: runSummarize,
}

func init() {
	rootCmd.AddCommand(summarizeCmd)
}

func runSummarize(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	return summarizePath(cmd, a.session, args[0])
}

type summarizer interface {
	Summarize(ctx context.Context, path string, obs shell.Observer) shell.Summarized
}

func summarizePath(cmd *cobra.Command, session summarizer, path string) error {
	obs := func(e shell.Event) {
		if e.Kind == shell.EventSummarized {
			cmd.Printf("wrote %d summaries to %s\n", e.Done, e.Path)
		}
	}

	res := session.Summarize(cmd.Context(), path, obs)

	failed := 0
	for _, f := range res.Files {
		if f.Err != nil {
			cmd.PrintErrf("%s\n", shell.Message(f.Err))
			failed++
		}
		if f.Report.Failed > 0 {
			cmd.PrintErrf("%s: %d records could not be summarized\n", f.Report.Path, f.Report.Failed)
		}
	}

	if res.Err != nil {
		if failed == 0 {
			return errors.New(shell.Message(res.Err))
		}
		return fmt.Errorf("%d of %d files failed to summarize", failed, len(res.Files))
	}

	return nil
}
