package providers

import (
	"context"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/pkg/models"
)

// flatMessage is the provider-neutral shape of one history message: its
// role plus the text, tool calls, and tool results collapsed out of the
// content items.
type flatMessage struct {
	Role        models.Role
	Text        string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// flatten collapses thread history into per-message text and tool parts.
// System messages are folded into user-role text so every vendor API sees
// the error notes that are part of the conversation record.
func flatten(history []*models.Message) []flatMessage {
	out := make([]flatMessage, 0, len(history))
	for _, msg := range history {
		flat := flatMessage{Role: msg.Role}
		var texts []string
		for _, item := range msg.Content {
			switch item.Kind {
			case models.ContentText:
				if item.Text != nil {
					texts = append(texts, item.Text.Text)
				}
			case models.ContentAssistantText:
				if item.AssistantText != nil {
					texts = append(texts, item.AssistantText.Text)
				}
			case models.ContentToolCall:
				if item.ToolCall != nil {
					flat.ToolCalls = append(flat.ToolCalls, *item.ToolCall)
				}
			case models.ContentToolResult:
				if item.ToolResult != nil {
					flat.ToolResults = append(flat.ToolResults, *item.ToolResult)
				}
			case models.ContentSystem:
				if item.System != nil {
					texts = append(texts, "[system "+string(item.System.Level)+"] "+item.System.Text)
				}
			}
		}
		if msg.Role == models.RoleSystem {
			flat.Role = models.RoleUser
		}
		flat.Text = strings.Join(texts, "\n")
		if flat.Text == "" && len(flat.ToolCalls) == 0 && len(flat.ToolResults) == 0 {
			continue
		}
		out = append(out, flat)
	}
	return out
}

// joinSystemPrompts combines the agent's system prompts into the single
// system string vendor APIs expect.
func joinSystemPrompts(prompts []string) string {
	var nonEmpty []string
	for _, p := range prompts {
		if strings.TrimSpace(p) != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "\n\n")
}

// resultText concatenates the text parts of a tool result.
func resultText(result models.ToolResult) string {
	var texts []string
	for _, part := range result.Content {
		if part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// toolNameForCallID resolves a result's tool name from history when the
// result itself doesn't carry one. Gemini keys function responses by
// name, not call ID.
func toolNameForCallID(callID string, history []flatMessage) string {
	for _, msg := range history {
		for _, call := range msg.ToolCalls {
			if call.ID == callID {
				return call.Name
			}
		}
	}
	return ""
}

// retryCall invokes fn up to maxRetries+1 times with exponential backoff,
// retrying only failures classified as transient.
func retryCall(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = fn()
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt < maxRetries {
			backoff := baseDelay << uint(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return err
}

// Extended thinking budgets keyed to instruction markers embedded in the
// system prompt.
const (
	thinkBudgetStandard = 4000
	thinkBudgetHard     = 10000
	thinkBudgetUltra    = 31999
)

// inferThinkingBudget scans system prompts for thinking-level markers and
// returns the matching token budget, or 0 when no marker is present. The
// harder markers are checked first since "thinking_think" is a prefix of
// "thinking_think_harder".
func inferThinkingBudget(systemPrompts []string) int64 {
	prompt := strings.Join(systemPrompts, "\n")
	switch {
	case strings.Contains(prompt, "thinking_ultrathink"):
		return thinkBudgetUltra
	case strings.Contains(prompt, "thinking_think_harder"), strings.Contains(prompt, "thinking_megathink"):
		return thinkBudgetHard
	case strings.Contains(prompt, "thinking_think"):
		return thinkBudgetStandard
	default:
		return 0
	}
}

// toolNames lists the names in a definition set, for XML parsing.
func toolNames(tools []engine.ToolDef) map[string]bool {
	names := make(map[string]bool, len(tools))
	for _, tool := range tools {
		names[tool.Name] = true
	}
	return names
}
