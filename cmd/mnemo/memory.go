package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ent0n29/mnemo/internal/app"
	"github.com/ent0n29/mnemo/internal/conversation"
	"github.com/ent0n29/mnemo/internal/memory"
)

var (
	keyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	typeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	roleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
)

// withStore opens the configured store for one operator command.
func (c *cli) withStore(ctx context.Context, fn func(memory.Store) error) error {
	store, err := app.OpenStore(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func newFactsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Inspect or clear a user's remembered facts",
	}

	var (
		limit   int
		asJSON  bool
		confirm bool
	)
	listCmd := &cobra.Command{
		Use:   "list <userId>",
		Short: "List a user's facts, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(store memory.Store) error {
				facts, err := store.ListFacts(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), facts)
				}
				printFacts(cmd.OutOrStdout(), facts)
				return nil
			})
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 100, "Maximum facts to show")
	listCmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	clearCmd := &cobra.Command{
		Use:   "clear <userId>",
		Short: "Delete every fact remembered for a user",
		Long:  "Delete every fact remembered for a user. Conversation turns and thread summaries are kept.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("refusing to clear facts for %s without --yes", args[0])
			}
			return c.withStore(cmd.Context(), func(store memory.Store) error {
				n, err := store.ClearFacts(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s deleted %d facts for %s\n", successStyle.Render("✓"), n, args[0])
				return nil
			})
		},
	}
	clearCmd.Flags().BoolVar(&confirm, "yes", false, "Confirm the deletion")

	cmd.AddCommand(listCmd, clearCmd)
	return cmd
}

func newThreadsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "Inspect a user's conversation threads",
	}

	var (
		limit  int
		asJSON bool
	)
	listCmd := &cobra.Command{
		Use:   "list <userId>",
		Short: "List thread summaries, most recently updated first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(store memory.Store) error {
				threads, err := store.ListThreads(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), threads)
				}
				printThreads(cmd.OutOrStdout(), threads)
				return nil
			})
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 50, "Maximum threads to show")
	listCmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	cmd.AddCommand(listCmd)
	return cmd
}

func newThreadCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thread",
		Short: "Inspect a single conversation thread",
	}

	var (
		userID string
		asJSON bool
	)
	showCmd := &cobra.Command{
		Use:   "show <threadId>",
		Short: "Print every turn of a thread in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(store memory.Store) error {
				turns, err := store.GetThreadTurns(cmd.Context(), args[0], userID)
				if err != nil {
					return fmt.Errorf("thread %s: %w", args[0], err)
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), turns)
				}
				printTurns(cmd.OutOrStdout(), turns)
				return nil
			})
		},
	}
	showCmd.Flags().StringVar(&userID, "user", "", "Only show the thread when it belongs to this user")
	showCmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	cmd.AddCommand(showCmd)
	return cmd
}

func printFacts(w io.Writer, facts []memory.Fact) {
	if len(facts) == 0 {
		fmt.Fprintf(w, "  %s no facts remembered\n", dimStyle.Render("●"))
		return
	}
	for _, f := range facts {
		fmt.Fprintf(w, "  %s %s=%s %s\n",
			typeStyle.Render(f.Type),
			keyStyle.Render(f.Key),
			f.Value,
			dimStyle.Render(f.UpdatedAt.Format("2006-01-02 15:04:05")),
		)
	}
}

func printThreads(w io.Writer, threads []memory.ThreadSummary) {
	if len(threads) == 0 {
		fmt.Fprintf(w, "  %s no threads\n", dimStyle.Render("●"))
		return
	}
	for _, t := range threads {
		customers := ""
		if len(t.CustomerIDs) > 0 {
			customers = " customers=" + strings.Join(t.CustomerIDs, ",")
		}
		fmt.Fprintf(w, "  %s %s %s%s\n",
			typeStyle.Render(t.ThreadID),
			dimStyle.Render(fmt.Sprintf("(%d messages)", t.MessageCount)),
			conversation.Excerpt(t.FirstMessage, 60),
			keyStyle.Render(customers),
		)
	}
}

func printTurns(w io.Writer, turns []memory.Turn) {
	for i, t := range turns {
		fmt.Fprintf(w, "  %s %s %s\n",
			dimStyle.Render(fmt.Sprintf("%d.", i+1)),
			roleStyle.Render("["+t.Role+"]"),
			t.Content,
		)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
