package main

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/gamma-omg/rag-answer/tui"
)

var (
	tuiFile  string
	tuiWatch bool
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch the interactive terminal UI",
	Long: `Launch the single page terminal UI.

Controls:
  Tab        - Switch between the file and the question field
  Enter      - Process the file / ask the question
  PgUp/PgDn  - Scroll the answer
  Ctrl+C     - Quit`,
	RunE: runTUI,
}

func init() {
	tuiCmd.Flags().StringVarP(&tuiFile, "file", "f", "", "JSON file to prefill the file field with")
	tuiCmd.Flags().BoolVarP(&tuiWatch, "watch", "w", false, "process the file again whenever it changes")
	rootCmd.AddCommand(tuiCmd)
}

func runTUI(cmd *cobra.Command, args []string) error {
	if tuiWatch && tuiFile == "" {
		return fmt.Errorf("--watch requires --file")
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	p := tea.NewProgram(tui.New(ctx, a.session, tuiFile), tea.WithAltScreen(), tea.WithContext(ctx))

	if tuiWatch {
		w, err := NewFileWatcher(a.log, tuiFile, a.cfg.WatchDebounce(), func(path string) {
			p.Send(tui.ReprocessMsg{Path: path})
		})
		if err != nil {
			return err
		}
		if err := w.Watch(ctx); err != nil {
			return err
		}
	}

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}

	return nil
}
