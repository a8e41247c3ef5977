// Package main provides the loom CLI.
//
// Loom is a conversational AI engine with branchable history: every
// conversation is a tree of immutable threads, and every edit, delete,
// or squash forks a new thread instead of rewriting the old one.
//
// # Basic Usage
//
// Start a chat turn:
//
//	loom chat --message "hello" --config loom.yaml
//
// Repair a conversation whose tool calls and results fell out of order:
//
//	loom repair <conversation-id>
//
// Show token usage:
//
//	loom usage <conversation-id>
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - GEMINI_API_KEY: Google API key for Gemini models
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information populated by ldflags.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Loom - conversational AI engine with branchable history",
		Long: `Loom drives LLM conversations through a tool-execution turn loop
and stores history as a tree of immutable threads. Edits, deletions,
and squashes fork new threads; nothing is ever rewritten in place.

Supported providers: Anthropic (Claude), OpenAI (GPT), Google (Gemini)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildChatCmd(),
		buildRepairCmd(),
		buildUsageCmd(),
		buildDaemonCmd(),
		buildConversationsCmd(),
		buildSchemaCmd(),
	)

	return rootCmd
}
