package main

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gamma-omg/rag-answer/shell"
)

var askShowSources bool

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a question from the indexed documents",
	Long: `Retrieves the documents closest to the question, reranks them and streams
the generated answer to stdout. Process a file first with "index".`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().BoolVarP(&askShowSources, "sources", "s", false, "print the retrieved documents and their scores")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	return askQuestion(cmd, a.session, strings.Join(args, " "), askShowSources)
}

type asker interface {
	Ask(ctx context.Context, query string, obs shell.Observer) shell.Answer
}

func askQuestion(cmd *cobra.Command, session asker, query string, sources bool) error {
	obs := func(e shell.Event) {
		switch e.Kind {
		case shell.EventRetrieved:
			if sources {
				for i, c := range e.Candidates {
					cmd.Printf("[%d] sim=%.3f %s\n", i+1, c.Similarity, oneLine(c.Text, 100))
				}
				cmd.Println()
			}
		case shell.EventChunk:
			cmd.Print(e.Chunk)
		case shell.EventWarning:
			cmd.PrintErrf("warning: %s\n", e.Message)
		}
	}

	ans := session.Ask(cmd.Context(), query, obs)
	if ans.Text != "" {
		cmd.Println()
	}

	if ans.Err != nil {
		return errors.New(shell.Message(ans.Err))
	}

	return nil
}

func oneLine(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > n {
		return string(r[:n]) + "..."
	}
	return text
}
