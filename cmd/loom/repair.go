package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// buildRepairCmd creates the "repair" command. It runs the sequence fixer
// over a conversation's current thread.
func buildRepairCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "repair <conversation-id>",
		Short: "Repair tool call/result pairing in a conversation",
		Long: `Walk the conversation's current thread and repair tool-call pairing
so every call is immediately followed by its result. Orphaned results
become assistant text; unanswered calls get a synthesized error result.

Repairs commit as a new thread; the original thread is never touched.
Running repair on a well-formed conversation changes nothing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := buildRuntime(configPath)
			if err != nil {
				return err
			}
			defer r.Close(context.WithoutCancel(cmd.Context()))

			report, err := r.threads.FixNonSequentialPairs(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !report.Repaired() {
				fmt.Fprintln(out, "No repairs needed.")
				return nil
			}
			fmt.Fprintf(out, "Repaired thread: %s\n", report.ThreadID)
			fmt.Fprintf(out, "  Orphaned results converted: %d\n", report.OrphanedResults)
			fmt.Fprintf(out, "  Error results synthesized:  %d\n", report.SynthesizedResults)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}
