package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ent0n29/mnemo/internal/extract"
)

const extractLongDesc string = `Run the fact extractor over an answer read from stdin and print the
facts it would store, as JSON. Nothing is written.

Examples:
  echo "Customer 34997 is HIGH RISK" | mnemo extract
  mnemo extract --question "Analyze customer 34997" < answer.txt`

func newExtractCmd() *cobra.Command {
	var question string
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Print the facts extracted from an answer on stdin",
		Long:  extractLongDesc,
		Args:  cobra.NoArgs,
		// Extraction needs no config or store.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			answer, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read answer: %w", err)
			}
			facts := extract.Extract(string(answer), question)
			if facts == nil {
				return writeJSON(cmd.OutOrStdout(), []any{})
			}
			return writeJSON(cmd.OutOrStdout(), facts)
		},
	}
	cmd.Flags().StringVar(&question, "question", "", "User message that prompted the answer")
	return cmd
}
