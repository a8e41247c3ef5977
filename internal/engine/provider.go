package engine

import (
	"context"
	"encoding/json"

	"github.com/loomhq/loom/pkg/models"
)

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	// Name is the identifier the model uses to request the tool.
	Name string

	// Description tells the model what the tool does.
	Description string

	// InputSchema is the JSON Schema for the tool's input.
	InputSchema json.RawMessage

	// ReturnDirect marks the tool's output as the final turn answer,
	// skipping a further model round-trip.
	ReturnDirect bool
}

// Usage reports token consumption for one model call.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// Add accumulates another usage report into this one.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
}

// Request is the prompt handed to a model provider for one round.
type Request struct {
	// SystemPrompts are the agent's system prompt(s), in order.
	SystemPrompts []string

	// History is the full current-thread history, reloaded fresh each
	// round.
	History []*models.Message

	// Tools are the tools the model may request.
	Tools []ToolDef

	// Model is the model name to use.
	Model string

	// MaxTokens caps the response length. Zero uses the provider default.
	MaxTokens int
}

// Response is what a provider returns from one model call: zero or more
// text parts, zero or more tool-call requests, and usage metrics.
type Response struct {
	TextParts []string
	ToolCalls []models.ToolCall
	Usage     Usage
}

// Provider is the model adapter contract. Implementations wrap a vendor SDK
// and translate between thread history and the vendor wire format. Retries,
// if any, belong inside the adapter; the turn loop treats a returned error
// as terminal for the turn.
type Provider interface {
	// Name identifies the provider ("anthropic", "openai", "google").
	Name() string

	// Call sends one request and blocks until the full response is
	// available.
	Call(ctx context.Context, req *Request) (*Response, error)
}

// AssistantMessage converts a provider response into an assistant message:
// text parts first, then one tool-call item per requested call.
func AssistantMessage(conversationID string, resp *Response) *models.Message {
	items := make([]models.ContentItem, 0, len(resp.TextParts)+len(resp.ToolCalls))
	for _, text := range resp.TextParts {
		if text == "" {
			continue
		}
		items = append(items, models.AssistantTextItem(text))
	}
	for _, call := range resp.ToolCalls {
		call.State = models.StateComplete
		items = append(items, models.ToolCallItem(call))
	}
	return models.NewMessage(conversationID, models.RoleAssistant, items...)
}
