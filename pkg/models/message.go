package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ContentKind discriminates the variants of a ContentItem.
type ContentKind string

const (
	ContentText          ContentKind = "text"
	ContentAssistantText ContentKind = "assistant_text"
	ContentToolCall      ContentKind = "tool_call"
	ContentToolResult    ContentKind = "tool_result"
	ContentSystem        ContentKind = "system"
)

// ContentState tracks the generation lifecycle of a content item.
type ContentState string

const (
	StatePending   ContentState = "pending"
	StateComplete  ContentState = "complete"
	StateCancelled ContentState = "cancelled"
)

// SystemLevel classifies system content items.
type SystemLevel string

const (
	SystemInfo  SystemLevel = "info"
	SystemError SystemLevel = "error"
)

// ContentItem is one ordered element of a message body. Exactly one of the
// variant pointers is set, matching Kind.
type ContentItem struct {
	Kind ContentKind `json:"kind"`

	Text          *TextContent       `json:"text,omitempty"`
	AssistantText *AssistantContent  `json:"assistant_text,omitempty"`
	ToolCall      *ToolCall          `json:"tool_call,omitempty"`
	ToolResult    *ToolResult        `json:"tool_result,omitempty"`
	System        *SystemContent     `json:"system,omitempty"`
}

// TextContent is plain user-authored text.
type TextContent struct {
	Text string `json:"text"`
}

// AssistantContent is model-generated structured text.
type AssistantContent struct {
	Text  string       `json:"text"`
	State ContentState `json:"state,omitempty"`
}

// ToolCall is the model's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
	State ContentState    `json:"state,omitempty"`
}

// ToolResult is the output of a tool execution. ToolCallID references the
// ToolCall.ID it answers; in a correctly sequenced thread the call appears
// no later than the result.
type ToolResult struct {
	ToolCallID string             `json:"tool_call_id"`
	ToolName   string             `json:"tool_name,omitempty"`
	Content    []ToolResultContent `json:"content"`
	IsError    bool               `json:"is_error,omitempty"`
	State      ContentState       `json:"state,omitempty"`
}

// ToolResultContent is one payload element of a tool result.
type ToolResultContent struct {
	Type string `json:"type"` // "text" or "json"
	Text string `json:"text"`
}

// SystemContent is an engine-generated notice surfaced in history.
type SystemContent struct {
	Level SystemLevel `json:"level"`
	Text  string      `json:"text"`
}

// Message is an immutable record once stored. Edits and squashes never
// change a Message; they create a new one recording its ancestry in
// OriginalIDs.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	OriginalIDs    []string      `json:"original_ids,omitempty"`
	ReplyToID      string        `json:"reply_to_id,omitempty"`
	SquashID       string        `json:"squash_id,omitempty"`
	Role           Role          `json:"role"`
	Content        []ContentItem `json:"content"`
	GenerationError string       `json:"generation_error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ToolCalls returns the tool calls embedded in the message, in order.
func (m *Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, item := range m.Content {
		if item.Kind == ContentToolCall && item.ToolCall != nil {
			calls = append(calls, *item.ToolCall)
		}
	}
	return calls
}

// ToolResults returns the tool results embedded in the message, in order.
func (m *Message) ToolResults() []ToolResult {
	var results []ToolResult
	for _, item := range m.Content {
		if item.Kind == ContentToolResult && item.ToolResult != nil {
			results = append(results, *item.ToolResult)
		}
	}
	return results
}

// HasToolCalls reports whether the message contains any tool call items.
func (m *Message) HasToolCalls() bool {
	for _, item := range m.Content {
		if item.Kind == ContentToolCall {
			return true
		}
	}
	return false
}

// PlainText concatenates the textual content of the message. Tool calls and
// results are skipped.
func (m *Message) PlainText() string {
	var out string
	for _, item := range m.Content {
		switch item.Kind {
		case ContentText:
			if item.Text != nil {
				out += item.Text.Text
			}
		case ContentAssistantText:
			if item.AssistantText != nil {
				out += item.AssistantText.Text
			}
		case ContentSystem:
			if item.System != nil {
				out += item.System.Text
			}
		}
	}
	return out
}

// TextItem builds a user text content item.
func TextItem(text string) ContentItem {
	return ContentItem{Kind: ContentText, Text: &TextContent{Text: text}}
}

// AssistantTextItem builds an assistant text content item.
func AssistantTextItem(text string) ContentItem {
	return ContentItem{Kind: ContentAssistantText, AssistantText: &AssistantContent{Text: text, State: StateComplete}}
}

// ToolCallItem wraps a tool call as a content item.
func ToolCallItem(call ToolCall) ContentItem {
	return ContentItem{Kind: ContentToolCall, ToolCall: &call}
}

// ToolResultItem wraps a tool result as a content item.
func ToolResultItem(result ToolResult) ContentItem {
	return ContentItem{Kind: ContentToolResult, ToolResult: &result}
}

// SystemItem builds a system content item.
func SystemItem(level SystemLevel, text string) ContentItem {
	return ContentItem{Kind: ContentSystem, System: &SystemContent{Level: level, Text: text}}
}

// TextResult builds a single-part textual tool result payload.
func TextResult(text string) []ToolResultContent {
	return []ToolResultContent{{Type: "text", Text: text}}
}
