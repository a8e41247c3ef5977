package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loomhq/loom/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for testing and
// local runs.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	threads       map[string]*models.Thread
	messages      map[string]*models.Message
	links         map[string][]models.ThreadMessage // threadID -> links, position order
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: map[string]*models.Conversation{},
		threads:       map[string]*models.Thread{},
		messages:      map[string]*models.Message{},
		links:         map[string][]models.ThreadMessage{},
	}
}

func (m *MemoryStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv == nil {
		return errors.New("conversation is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneConversation(conv)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt
	conv.ID = clone.ID
	conv.CreatedAt = clone.CreatedAt
	conv.UpdatedAt = clone.UpdatedAt
	m.conversations[clone.ID] = clone
	return nil
}

func (m *MemoryStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return cloneConversation(conv), nil
}

func (m *MemoryStore) UpdateCurrentThread(ctx context.Context, conversationID, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateCurrentThreadLocked(conversationID, threadID)
}

func (m *MemoryStore) updateCurrentThreadLocked(conversationID, threadID string) error {
	conv, ok := m.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	if _, ok := m.threads[threadID]; !ok {
		return ErrThreadNotFound
	}
	conv.CurrentThreadID = threadID
	conv.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[id]; !ok {
		return ErrConversationNotFound
	}
	delete(m.conversations, id)

	for threadID, thread := range m.threads {
		if thread.ConversationID == id {
			delete(m.threads, threadID)
			delete(m.links, threadID)
		}
	}
	for msgID, msg := range m.messages {
		if msg.ConversationID == id {
			delete(m.messages, msgID)
		}
	}
	return nil
}

func (m *MemoryStore) ListConversations(ctx context.Context, projectID string) ([]*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*models.Conversation
	for _, conv := range m.conversations {
		if projectID == "" || conv.ProjectID == projectID {
			result = append(result, cloneConversation(conv))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) CreateThread(ctx context.Context, thread *models.Thread) error {
	if thread == nil {
		return errors.New("thread is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createThreadLocked(thread)
	return nil
}

func (m *MemoryStore) createThreadLocked(thread *models.Thread) {
	clone := cloneThread(thread)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt
	thread.ID = clone.ID
	thread.CreatedAt = clone.CreatedAt
	thread.UpdatedAt = clone.UpdatedAt
	m.threads[clone.ID] = clone
}

func (m *MemoryStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	thread, ok := m.threads[id]
	if !ok {
		return nil, ErrThreadNotFound
	}
	return cloneThread(thread), nil
}

func (m *MemoryStore) TouchThread(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	thread, ok := m.threads[id]
	if !ok {
		return ErrThreadNotFound
	}
	thread.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) IncrementTurn(ctx context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	thread, ok := m.threads[id]
	if !ok {
		return 0, ErrThreadNotFound
	}
	thread.TurnCounter++
	thread.UpdatedAt = time.Now()
	return thread.TurnCounter, nil
}

func (m *MemoryStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveMessageLocked(msg)
	return nil
}

func (m *MemoryStore) saveMessageLocked(msg *models.Message) {
	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	msg.ID = clone.ID
	msg.CreatedAt = clone.CreatedAt
	m.messages[clone.ID] = clone
}

func (m *MemoryStore) SaveMessages(ctx context.Context, msgs []*models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		if msg == nil {
			return errors.New("message is required")
		}
		m.saveMessageLocked(msg)
	}
	return nil
}

func (m *MemoryStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return cloneMessage(msg), nil
}

func (m *MemoryStore) GetThreadMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.threads[threadID]; !ok {
		return nil, ErrThreadNotFound
	}
	links := m.links[threadID]
	result := make([]*models.Message, 0, len(links))
	for _, link := range links {
		msg, ok := m.messages[link.MessageID]
		if !ok {
			return nil, ErrMessageNotFound
		}
		result = append(result, cloneMessage(msg))
	}
	return result, nil
}

func (m *MemoryStore) AddLink(ctx context.Context, link models.ThreadMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLinkLocked(link)
}

func (m *MemoryStore) addLinkLocked(link models.ThreadMessage) error {
	if _, ok := m.threads[link.ThreadID]; !ok {
		return ErrThreadNotFound
	}
	for _, existing := range m.links[link.ThreadID] {
		if existing.Position == link.Position {
			return ErrDuplicatePosition
		}
	}
	links := append(m.links[link.ThreadID], link)
	sort.Slice(links, func(i, j int) bool { return links[i].Position < links[j].Position })
	m.links[link.ThreadID] = links
	return nil
}

func (m *MemoryStore) AddLinks(ctx context.Context, links []models.ThreadMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, link := range links {
		if err := m.addLinkLocked(link); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) GetLinks(ctx context.Context, threadID string) ([]models.ThreadMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.threads[threadID]; !ok {
		return nil, ErrThreadNotFound
	}
	links := m.links[threadID]
	out := make([]models.ThreadMessage, len(links))
	copy(out, links)
	return out, nil
}

func (m *MemoryStore) MaxPosition(ctx context.Context, threadID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.threads[threadID]; !ok {
		return 0, ErrThreadNotFound
	}
	links := m.links[threadID]
	if len(links) == 0 {
		return -1, nil
	}
	return links[len(links)-1].Position, nil
}

// CommitBranch applies a branching operation under the store mutex so the
// thread, messages, links, and pointer swap are observed together.
func (m *MemoryStore) CommitBranch(ctx context.Context, commit *BranchCommit) error {
	if commit == nil || commit.Thread == nil {
		return errors.New("branch commit requires a thread")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[commit.ConversationID]; !ok {
		return ErrConversationNotFound
	}

	m.createThreadLocked(commit.Thread)
	var inserted []string
	for _, msg := range commit.Messages {
		_, exists := m.messages[msg.ID]
		m.saveMessageLocked(msg)
		if !exists {
			inserted = append(inserted, msg.ID)
		}
	}
	for _, link := range commit.Links {
		if err := m.addLinkLocked(link); err != nil {
			// Roll back the thread and its new messages so nothing is
			// observably changed.
			delete(m.threads, commit.Thread.ID)
			delete(m.links, commit.Thread.ID)
			for _, id := range inserted {
				delete(m.messages, id)
			}
			return err
		}
	}
	return m.updateCurrentThreadLocked(commit.ConversationID, commit.Thread.ID)
}

func cloneConversation(c *models.Conversation) *models.Conversation {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

func cloneThread(t *models.Thread) *models.Thread {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}

func cloneMessage(msg *models.Message) *models.Message {
	if msg == nil {
		return nil
	}
	clone := *msg
	if msg.OriginalIDs != nil {
		clone.OriginalIDs = append([]string(nil), msg.OriginalIDs...)
	}
	if msg.Content != nil {
		clone.Content = append([]models.ContentItem(nil), msg.Content...)
	}
	return &clone
}
