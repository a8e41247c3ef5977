package models

import (
	"time"

	"github.com/google/uuid"
)

// Conversation is a named dialogue scoped to a project. CurrentThreadID
// always references an existing Thread of this conversation; history
// operations swap the pointer, never the conversation identity.
type Conversation struct {
	ID              string    `json:"id"`
	ProjectID       string    `json:"project_id"`
	Name            string    `json:"name"`
	Provider        string    `json:"provider"`
	Model           string    `json:"model"`
	CurrentThreadID string    `json:"current_thread_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Thread is an ordered view over a subset of messages. Once superseded by
// an edit, delete, or squash it is never rewritten; the replacement thread
// records its lineage in OriginalThreadID.
type Thread struct {
	ID               string    `json:"id"`
	ConversationID   string    `json:"conversation_id"`
	OriginalThreadID string    `json:"original_thread_id,omitempty"`
	TurnCounter      int64     `json:"turn_counter"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ThreadMessage links a message into a thread at a dense zero-based
// position. Position order is the presentation order.
type ThreadMessage struct {
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id"`
	Position  int    `json:"position"`
}

// NewConversation creates a conversation shell; the caller is expected to
// create its first thread and set CurrentThreadID before persisting.
func NewConversation(projectID, name, provider, model string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Name:      name,
		Provider:  provider,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewThread creates an empty thread for a conversation. originalThreadID is
// empty for a conversation's first thread.
func NewThread(conversationID, originalThreadID string) *Thread {
	now := time.Now()
	return &Thread{
		ID:               uuid.NewString(),
		ConversationID:   conversationID,
		OriginalThreadID: originalThreadID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// NewMessage creates a message with a fresh identifier.
func NewMessage(conversationID string, role Role, content ...ContentItem) *Message {
	return &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now(),
	}
}
