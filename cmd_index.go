package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gamma-omg/rag-answer/shell"
)

var indexCmd = &cobra.Command{
	Use:   "index <file-or-dir>",
	Short: "Index a JSON file or every JSON file of a directory",
	Long: `Loads the records of a JSON file, embeds them and upserts them into the
collection. Record ids are stable, so indexing the same file again
overwrites instead of duplicating. Given a directory, every *.json file in
it is indexed; a failing file does not stop the others.`,
	Args: cobra.ExactArgs(1),
	RunE: runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	return indexPath(cmd, a.session, args[0])
}

type processor interface {
	ProcessFile(ctx context.Context, path string, obs shell.Observer) shell.Processed
	ProcessDir(ctx context.Context, dir string, obs shell.Observer) shell.Processed
}

func indexPath(cmd *cobra.Command, session processor, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}

	obs := func(e shell.Event) {
		if e.Kind == shell.EventIndexed {
			cmd.Printf("indexed %d documents from %s\n", e.Done, e.Path)
		}
	}

	var res shell.Processed
	if info.IsDir() {
		res = session.ProcessDir(cmd.Context(), path, obs)
	} else {
		res = session.ProcessFile(cmd.Context(), path, obs)
	}

	failed := 0
	for _, f := range res.Files {
		if f.Err != nil {
			cmd.PrintErrf("%s\n", shell.Message(f.Err))
			failed++
		}
	}

	if res.Err != nil {
		if failed == 0 {
			return errors.New(shell.Message(res.Err))
		}
		return fmt.Errorf("%d of %d files failed to index", failed, len(res.Files))
	}

	cmd.Printf("%d documents indexed\n", res.Documents())
	return nil
}
