// Package store defines the persistence interfaces consumed by the thread
// branching engine and the turn loop, with in-memory and SQLite
// implementations.
package store

import (
	"context"
	"errors"

	"github.com/loomhq/loom/pkg/models"
)

// Common store errors.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrThreadNotFound       = errors.New("thread not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrDuplicatePosition    = errors.New("duplicate position in thread")
)

// ConversationStore persists conversation records.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	UpdateCurrentThread(ctx context.Context, conversationID, threadID string) error
	// DeleteConversation removes the conversation and cascades to its
	// threads, links, and messages.
	DeleteConversation(ctx context.Context, id string) error
	ListConversations(ctx context.Context, projectID string) ([]*models.Conversation, error)
}

// ThreadStore persists thread records.
type ThreadStore interface {
	CreateThread(ctx context.Context, thread *models.Thread) error
	GetThread(ctx context.Context, id string) (*models.Thread, error)
	// TouchThread bumps the thread's updated timestamp.
	TouchThread(ctx context.Context, id string) error
	// IncrementTurn advances the thread's turn counter and returns the new
	// value. Used to tag usage metrics per turn.
	IncrementTurn(ctx context.Context, id string) (int64, error)
}

// MessageStore persists immutable message records.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *models.Message) error
	SaveMessages(ctx context.Context, msgs []*models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	// GetThreadMessages returns the messages of a thread in link-position
	// order.
	GetThreadMessages(ctx context.Context, threadID string) ([]*models.Message, error)
}

// ThreadMessageStore persists (thread, message, position) links.
type ThreadMessageStore interface {
	AddLink(ctx context.Context, link models.ThreadMessage) error
	AddLinks(ctx context.Context, links []models.ThreadMessage) error
	GetLinks(ctx context.Context, threadID string) ([]models.ThreadMessage, error)
	// MaxPosition returns the highest position in the thread, or -1 when
	// the thread is empty.
	MaxPosition(ctx context.Context, threadID string) (int, error)
}

// BranchCommit bundles the writes of one branching operation. A commit is
// applied atomically: the new thread, its link list, any new messages, and
// the conversation's current-thread pointer all land together or not at
// all.
type BranchCommit struct {
	ConversationID string
	Thread         *models.Thread
	Messages       []*models.Message
	Links          []models.ThreadMessage
}

// Store is the combined persistence surface.
type Store interface {
	ConversationStore
	ThreadStore
	MessageStore
	ThreadMessageStore

	// CommitBranch atomically applies a branching operation.
	CommitBranch(ctx context.Context, commit *BranchCommit) error
}
