package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgPath string
	reset   bool
)

var rootCmd = &cobra.Command{
	Use:   "rag-answer",
	Short: "Answer questions from a JSON document set",
	Long: `Indexes JSON records into a vector collection and answers questions about
them: the closest documents are retrieved, reranked with a cross-encoder and
passed to a language model that streams the answer.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "cfg/config.yaml", "configuration file")
	rootCmd.PersistentFlags().BoolVar(&reset, "reset", false, "recreate the collection from scratch")
	rootCmd.SetOut(os.Stdout)
}

// openApp reads the configuration and opens the collection. Callers must
// close the returned app.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := readConfig(cfgPath)
	if err != nil {
		return nil, err
	}

	return newApp(cmd.Context(), cfg, reset)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
