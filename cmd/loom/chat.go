package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/pkg/models"
	"github.com/spf13/cobra"
)

// buildChatCmd creates the "chat" command. With --message it runs a single
// turn; without it, it reads turns from stdin until EOF.
func buildChatCmd() *cobra.Command {
	var (
		configPath string
		message    string
		projectID  string
		name       string
		provider   string
		model      string
		system     []string
		timeline   bool
	)

	cmd := &cobra.Command{
		Use:   "chat [conversation-id]",
		Short: "Send messages through the turn loop",
		Long: `Send one or more user messages through the engine's turn loop.

Without a conversation ID a new conversation is created. Every message
the engine persists (assistant text, tool calls, tool results, system
errors) is printed as it arrives.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			r, err := buildRuntime(configPath)
			if err != nil {
				return err
			}
			defer r.Close(context.WithoutCancel(ctx))

			if err := r.registerProviders(ctx); err != nil {
				return err
			}

			if provider == "" {
				provider = r.cfg.Providers.Default
			}
			if model == "" {
				model = defaultModelFor(r.cfg, provider)
			}

			var conv *models.Conversation
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				conv, err = r.store.GetConversation(ctx, args[0])
				if err != nil {
					return err
				}
			} else {
				conv, err = r.threads.Create(ctx, projectID, name, provider, model)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Conversation created: %s\n", conv.ID)
			}

			agent := &engine.Agent{
				Name:          "loom",
				SystemPrompts: system,
				Model:         model,
			}

			if message != "" {
				if err := runTurn(ctx, r, out, conv.ID, message, agent); err != nil {
					return err
				}
				if timeline {
					printTimeline(r, out, conv.ID)
				}
				return nil
			}

			scanner := bufio.NewScanner(cmd.InOrStdin())
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for {
				fmt.Fprint(out, "> ")
				if !scanner.Scan() {
					fmt.Fprintln(out)
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "/quit" || line == "/exit" {
					return nil
				}
				if line == "/timeline" {
					printTimeline(r, out, conv.ID)
					continue
				}
				if err := runTurn(ctx, r, out, conv.ID, line, agent); err != nil {
					return err
				}
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&message, "message", "m", "", "Send a single message and exit")
	cmd.Flags().StringVar(&projectID, "project", "default", "Project ID for new conversations")
	cmd.Flags().StringVar(&name, "name", "chat", "Name for new conversations")
	cmd.Flags().StringVar(&provider, "provider", "", "Provider for new conversations (defaults from config)")
	cmd.Flags().StringVar(&model, "model", "", "Model override")
	cmd.Flags().StringArrayVar(&system, "system", nil, "System prompt (repeatable)")
	cmd.Flags().BoolVar(&timeline, "timeline", false, "Print the event timeline after each turn")
	return cmd
}

// printTimeline renders the conversation's recorded events. Best-effort:
// a read failure prints a warning rather than aborting the session.
func printTimeline(r *runtime, out io.Writer, conversationID string) {
	events, err := r.events.GetByConversationID(conversationID)
	if err != nil {
		fmt.Fprintf(out, "timeline unavailable: %v\n", err)
		return
	}
	fmt.Fprintln(out, observability.FormatTimeline(observability.BuildTimeline(events)))
}

func runTurn(ctx context.Context, r *runtime, out io.Writer, conversationID, text string, agent *engine.Agent) error {
	msg := models.NewMessage(conversationID, models.RoleUser, models.TextItem(text))
	ch, err := r.engine.SendMessage(ctx, conversationID, msg, agent)
	if err != nil {
		return err
	}
	for emitted := range ch {
		// The user's own message is echoed back first; skip it.
		if emitted.Role == models.RoleUser && !hasToolResults(emitted) {
			continue
		}
		printMessage(out, emitted)
	}
	return nil
}

// printMessage renders one persisted message.
func printMessage(out io.Writer, msg *models.Message) {
	for _, item := range msg.Content {
		switch item.Kind {
		case models.ContentAssistantText:
			fmt.Fprintln(out, item.AssistantText.Text)
		case models.ContentText:
			fmt.Fprintln(out, item.Text.Text)
		case models.ContentToolCall:
			fmt.Fprintf(out, "[tool call] %s %s\n", item.ToolCall.Name, string(item.ToolCall.Input))
		case models.ContentToolResult:
			label := "[tool result]"
			if item.ToolResult.IsError {
				label = "[tool error]"
			}
			for _, part := range item.ToolResult.Content {
				fmt.Fprintf(out, "%s %s\n", label, part.Text)
			}
		case models.ContentSystem:
			fmt.Fprintf(out, "[%s] %s\n", item.System.Level, item.System.Text)
		}
	}
	if msg.GenerationError != "" && msg.Role == models.RoleAssistant {
		fmt.Fprintf(out, "[rejected] %s\n", msg.GenerationError)
	}
}

func hasToolResults(msg *models.Message) bool {
	for _, item := range msg.Content {
		if item.Kind == models.ContentToolResult {
			return true
		}
	}
	return false
}

func defaultModelFor(cfg *config.Config, provider string) string {
	switch provider {
	case "anthropic":
		return cfg.Providers.Anthropic.DefaultModel
	case "openai":
		return cfg.Providers.OpenAI.DefaultModel
	case "google":
		return cfg.Providers.Google.DefaultModel
	}
	return ""
}
