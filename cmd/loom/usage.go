package main

import (
	"context"
	"fmt"
	"os"

	"github.com/loomhq/loom/internal/usage"
	"github.com/spf13/cobra"
)

// buildUsageCmd creates the "usage" command showing token totals.
func buildUsageCmd() *cobra.Command {
	var (
		configPath string
		remote     bool
	)

	cmd := &cobra.Command{
		Use:   "usage [conversation-id]",
		Short: "Show token usage totals",
		Long: `Show aggregated token usage, for one conversation or across all of them.

With --remote, fetch month-to-date billed usage from the provider APIs
instead of the local records. The Anthropic report needs an admin key.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := buildRuntime(configPath)
			if err != nil {
				return err
			}
			defer r.Close(context.WithoutCancel(cmd.Context()))

			out := cmd.OutOrStdout()

			if remote {
				client := usage.NewRemoteClient(0)
				client.Register(&usage.AnthropicFetcher{
					APIKey: firstNonEmpty(r.cfg.Providers.Anthropic.APIKey, os.Getenv("ANTHROPIC_ADMIN_KEY"), os.Getenv("ANTHROPIC_API_KEY")),
				})
				client.Register(&usage.OpenAIFetcher{
					APIKey: firstNonEmpty(r.cfg.Providers.OpenAI.APIKey, os.Getenv("OPENAI_API_KEY")),
				})
				client.Register(&usage.GoogleFetcher{
					APIKey: firstNonEmpty(r.cfg.Providers.Google.APIKey, os.Getenv("GEMINI_API_KEY")),
				})
				for _, report := range client.FetchAll(cmd.Context()) {
					fmt.Fprintln(out, usage.FormatRemoteUsage(report))
				}
				return nil
			}

			conversationID := ""
			if len(args) == 1 {
				conversationID = args[0]
			}
			totals, err := r.usage.Totals(cmd.Context(), conversationID)
			if err != nil {
				return err
			}

			scope := "all conversations"
			if conversationID != "" {
				scope = conversationID
			}
			fmt.Fprintf(out, "Usage for %s:\n", scope)
			fmt.Fprintf(out, "  Turns:              %d\n", totals.Turns)
			fmt.Fprintf(out, "  Input tokens:       %s\n", usage.FormatTokens(totals.InputTokens))
			fmt.Fprintf(out, "  Output tokens:      %s\n", usage.FormatTokens(totals.OutputTokens))
			fmt.Fprintf(out, "  Cache read tokens:  %s\n", usage.FormatTokens(totals.CacheReadTokens))
			fmt.Fprintf(out, "  Cache write tokens: %s\n", usage.FormatTokens(totals.CacheWriteTokens))
			fmt.Fprintf(out, "  Total tokens:       %s\n", usage.FormatTokens(totals.TotalTokens()))

			records, err := r.usage.List(cmd.Context(), conversationID)
			if err != nil {
				return err
			}
			if estimate, priced := usage.DefaultPricing().EstimateRecords(records); priced && estimate > 0 {
				fmt.Fprintf(out, "  Estimated cost:     %s\n", usage.FormatUSD(estimate))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVar(&remote, "remote", false, "Fetch billed usage from provider APIs")
	return cmd
}
