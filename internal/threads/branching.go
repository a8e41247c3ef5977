package threads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/models"
)

var (
	// ErrMessageNotInThread is returned when a referenced message is not a
	// member of the conversation's current thread.
	ErrMessageNotInThread = errors.New("message not in current thread")

	// ErrNoMessageIDs is returned when a delete is requested with an empty
	// id list.
	ErrNoMessageIDs = errors.New("at least one message id is required")

	// ErrTooFewSquashIDs is returned when a squash names fewer than two
	// messages.
	ErrTooFewSquashIDs = errors.New("squash requires at least two message ids")
)

// Engine implements branching operations over conversation threads.
//
// Threads are copy-on-write: edit, delete, and squash never mutate an
// existing thread's membership. Each builds a new thread, commits it
// atomically together with any new messages and links, and repoints the
// conversation's current-thread pointer. The superseded thread stays
// queryable forever.
//
// Operations on the same conversation are serialized through a
// per-conversation lock so two branching operations cannot both read the
// same current thread and race to install different successors.
type Engine struct {
	store   store.Store
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	locksMu sync.Mutex
	locks   map[string]*conversationLock
}

type conversationLock struct {
	mu   sync.Mutex
	refs int
}

// NewEngine creates a branching engine over the given store.
// Metrics and tracer may be nil.
func NewEngine(st store.Store, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Engine {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Output: io.Discard})
	}
	return &Engine{
		store:   st,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		locks:   make(map[string]*conversationLock),
	}
}

func (e *Engine) lockConversation(conversationID string) func() {
	if strings.TrimSpace(conversationID) == "" {
		return func() {}
	}

	e.locksMu.Lock()
	lock := e.locks[conversationID]
	if lock == nil {
		lock = &conversationLock{}
		e.locks[conversationID] = lock
	}
	lock.refs++
	e.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		e.locksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(e.locks, conversationID)
		}
		e.locksMu.Unlock()
	}
}

func (e *Engine) traceOp(ctx context.Context, operation, conversationID string) (context.Context, func()) {
	if e.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := e.tracer.TraceBranchOperation(ctx, operation, conversationID)
	return ctx, func() { span.End() }
}

func (e *Engine) recordOp(operation string, err error) {
	if e.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	e.metrics.RecordBranchOperation(operation, status)
}

// Create makes a new conversation with one empty thread and points the
// conversation at it.
func (e *Engine) Create(ctx context.Context, projectID, name, provider, model string) (*models.Conversation, error) {
	conv := models.NewConversation(projectID, name, provider, model)
	if err := e.store.CreateConversation(ctx, conv); err != nil {
		e.recordOp("create", err)
		return nil, err
	}

	thread := models.NewThread(conv.ID, "")
	err := e.store.CommitBranch(ctx, &store.BranchCommit{
		ConversationID: conv.ID,
		Thread:         thread,
	})
	e.recordOp("create", err)
	if err != nil {
		return nil, err
	}
	conv.CurrentThreadID = thread.ID

	e.logger.Info(ctx, "conversation created",
		"conversation_id", conv.ID, "thread_id", thread.ID, "provider", provider)
	return conv, nil
}

// Fork copies a conversation's current thread into a brand-new conversation
// in the same project. Messages are value-copied under new ids so source and
// fork evolve independently.
func (e *Engine) Fork(ctx context.Context, conversationID string) (*models.Conversation, error) {
	unlock := e.lockConversation(conversationID)
	defer unlock()

	ctx, finish := e.traceOp(ctx, "fork", conversationID)
	defer finish()

	src, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		e.recordOp("fork", err)
		return nil, err
	}
	msgs, err := e.store.GetThreadMessages(ctx, src.CurrentThreadID)
	if err != nil {
		e.recordOp("fork", err)
		return nil, err
	}

	fork := models.NewConversation(src.ProjectID, src.Name, src.Provider, src.Model)
	if err := e.store.CreateConversation(ctx, fork); err != nil {
		e.recordOp("fork", err)
		return nil, err
	}

	thread := models.NewThread(fork.ID, src.CurrentThreadID)
	copies := make([]*models.Message, 0, len(msgs))
	links := make([]models.ThreadMessage, 0, len(msgs))
	for i, msg := range msgs {
		cp := copyMessage(msg)
		cp.ID = uuid.NewString()
		cp.ConversationID = fork.ID
		copies = append(copies, cp)
		links = append(links, models.ThreadMessage{ThreadID: thread.ID, MessageID: cp.ID, Position: i})
	}

	err = e.store.CommitBranch(ctx, &store.BranchCommit{
		ConversationID: fork.ID,
		Thread:         thread,
		Messages:       copies,
		Links:          links,
	})
	e.recordOp("fork", err)
	if err != nil {
		// Leave no half-created conversation behind.
		if delErr := e.store.DeleteConversation(ctx, fork.ID); delErr != nil {
			e.logger.Warn(ctx, "failed to clean up fork after commit failure",
				"conversation_id", fork.ID, "error", delErr)
		}
		return nil, err
	}
	fork.CurrentThreadID = thread.ID

	e.logger.Info(ctx, "conversation forked",
		"source_id", conversationID, "fork_id", fork.ID, "messages", len(copies))
	return fork, nil
}

// AddMessage appends a message to the end of the conversation's current
// thread. This is the only operation that grows an existing thread in place.
func (e *Engine) AddMessage(ctx context.Context, conversationID string, msg *models.Message) (*models.Conversation, error) {
	unlock := e.lockConversation(conversationID)
	defer unlock()
	return e.addMessageLocked(ctx, conversationID, msg)
}

// addMessageLocked is AddMessage without acquiring the conversation lock,
// for callers that already hold it.
func (e *Engine) addMessageLocked(ctx context.Context, conversationID string, msg *models.Message) (*models.Conversation, error) {
	if msg == nil {
		return nil, errors.New("message is required")
	}
	if msg.ConversationID != conversationID {
		err := fmt.Errorf("message belongs to conversation %q, not %q", msg.ConversationID, conversationID)
		e.recordOp("add", err)
		return nil, err
	}

	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		e.recordOp("add", err)
		return nil, err
	}

	maxPos, err := e.store.MaxPosition(ctx, conv.CurrentThreadID)
	if err != nil {
		e.recordOp("add", err)
		return nil, err
	}
	if err := e.store.SaveMessage(ctx, msg); err != nil {
		e.recordOp("add", err)
		return nil, err
	}
	if err := e.store.AddLink(ctx, models.ThreadMessage{
		ThreadID:  conv.CurrentThreadID,
		MessageID: msg.ID,
		Position:  maxPos + 1,
	}); err != nil {
		e.recordOp("add", err)
		return nil, err
	}
	if err := e.store.TouchThread(ctx, conv.CurrentThreadID); err != nil {
		e.recordOp("add", err)
		return nil, err
	}

	e.recordOp("add", nil)
	return conv, nil
}

// EditMessage replaces one message of the current thread with new content.
// A new message (recording the original in OriginalIDs) and a new thread are
// created; the original thread keeps its membership untouched.
func (e *Engine) EditMessage(ctx context.Context, conversationID, messageID string, newContent []models.ContentItem) (*models.Conversation, error) {
	unlock := e.lockConversation(conversationID)
	defer unlock()

	ctx, finish := e.traceOp(ctx, "edit", conversationID)
	defer finish()

	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		e.recordOp("edit", err)
		return nil, err
	}
	links, err := e.store.GetLinks(ctx, conv.CurrentThreadID)
	if err != nil {
		e.recordOp("edit", err)
		return nil, err
	}

	found := false
	for _, link := range links {
		if link.MessageID == messageID {
			found = true
			break
		}
	}
	if !found {
		e.recordOp("edit", ErrMessageNotInThread)
		return nil, fmt.Errorf("edit %s: %w", messageID, ErrMessageNotInThread)
	}

	original, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		e.recordOp("edit", err)
		return nil, err
	}

	replacement := models.NewMessage(conversationID, original.Role, newContent...)
	replacement.OriginalIDs = []string{messageID}
	replacement.ReplyToID = original.ReplyToID

	thread := models.NewThread(conversationID, conv.CurrentThreadID)
	newLinks := make([]models.ThreadMessage, 0, len(links))
	for _, link := range links {
		id := link.MessageID
		if id == messageID {
			id = replacement.ID
		}
		newLinks = append(newLinks, models.ThreadMessage{
			ThreadID:  thread.ID,
			MessageID: id,
			Position:  link.Position,
		})
	}

	err = e.store.CommitBranch(ctx, &store.BranchCommit{
		ConversationID: conversationID,
		Thread:         thread,
		Messages:       []*models.Message{replacement},
		Links:          newLinks,
	})
	e.recordOp("edit", err)
	if err != nil {
		return nil, err
	}
	conv.CurrentThreadID = thread.ID

	e.logger.Info(ctx, "message edited",
		"conversation_id", conversationID, "message_id", messageID,
		"replacement_id", replacement.ID, "thread_id", thread.ID)
	return conv, nil
}

// DeleteMessages removes the named messages from the current thread by
// building a new thread without them. Any message holding the paired
// counterpart of a removed tool call or tool result is removed too, so no
// unpaired half survives. Remaining links are re-indexed densely from zero.
func (e *Engine) DeleteMessages(ctx context.Context, conversationID string, messageIDs []string) (*models.Conversation, error) {
	if len(messageIDs) == 0 {
		return nil, ErrNoMessageIDs
	}

	unlock := e.lockConversation(conversationID)
	defer unlock()

	ctx, finish := e.traceOp(ctx, "delete", conversationID)
	defer finish()

	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		e.recordOp("delete", err)
		return nil, err
	}
	msgs, err := e.store.GetThreadMessages(ctx, conv.CurrentThreadID)
	if err != nil {
		e.recordOp("delete", err)
		return nil, err
	}

	byID := make(map[string]*models.Message, len(msgs))
	for _, msg := range msgs {
		byID[msg.ID] = msg
	}
	for _, id := range messageIDs {
		if byID[id] == nil {
			e.recordOp("delete", ErrMessageNotInThread)
			return nil, fmt.Errorf("delete %s: %w", id, ErrMessageNotInThread)
		}
	}

	doomed := cascadeByPairing(msgs, messageIDs)

	thread := models.NewThread(conversationID, conv.CurrentThreadID)
	links := make([]models.ThreadMessage, 0, len(msgs))
	for _, msg := range msgs {
		if doomed[msg.ID] {
			continue
		}
		links = append(links, models.ThreadMessage{
			ThreadID:  thread.ID,
			MessageID: msg.ID,
			Position:  len(links),
		})
	}

	err = e.store.CommitBranch(ctx, &store.BranchCommit{
		ConversationID: conversationID,
		Thread:         thread,
		Links:          links,
	})
	e.recordOp("delete", err)
	if err != nil {
		return nil, err
	}
	conv.CurrentThreadID = thread.ID

	e.logger.Info(ctx, "messages deleted",
		"conversation_id", conversationID, "requested", len(messageIDs),
		"removed", len(doomed), "thread_id", thread.ID)
	return conv, nil
}

// cascadeByPairing expands a set of doomed message ids so that removing a
// message holding one side of a tool-call pair also removes the message
// holding the other side. Runs to a fixed point since a cascaded message can
// itself carry further pairs.
func cascadeByPairing(msgs []*models.Message, messageIDs []string) map[string]bool {
	pairs := BuildPairingMap(msgs)
	byID := make(map[string]*models.Message, len(msgs))
	for _, msg := range msgs {
		byID[msg.ID] = msg
	}

	doomed := make(map[string]bool, len(messageIDs))
	queue := append([]string(nil), messageIDs...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if doomed[id] {
			continue
		}
		doomed[id] = true

		msg := byID[id]
		if msg == nil {
			continue
		}
		for _, call := range msg.ToolCalls() {
			if p := pairs[call.ID]; p != nil && p.ResultMessageID != "" && p.ResultMessageID != id && !doomed[p.ResultMessageID] {
				queue = append(queue, p.ResultMessageID)
			}
		}
		for _, result := range msg.ToolResults() {
			if p := pairs[result.ToolCallID]; p != nil && p.CallMessageID != "" && p.CallMessageID != id && !doomed[p.CallMessageID] {
				queue = append(queue, p.CallMessageID)
			}
		}
	}
	return doomed
}

// SquashMessages collapses two or more messages into one USER-role message
// carrying the squashed text. The squashed message takes the position of the
// last original; the other originals are dropped and the remainder is
// re-indexed densely.
func (e *Engine) SquashMessages(ctx context.Context, conversationID string, messageIDs []string, squashedText string) (*models.Conversation, error) {
	if len(messageIDs) < 2 {
		return nil, ErrTooFewSquashIDs
	}

	unlock := e.lockConversation(conversationID)
	defer unlock()

	ctx, finish := e.traceOp(ctx, "squash", conversationID)
	defer finish()

	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		e.recordOp("squash", err)
		return nil, err
	}
	msgs, err := e.store.GetThreadMessages(ctx, conv.CurrentThreadID)
	if err != nil {
		e.recordOp("squash", err)
		return nil, err
	}

	squashSet := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		squashSet[id] = true
	}
	lastIdx := -1
	matched := 0
	for i, msg := range msgs {
		if squashSet[msg.ID] {
			lastIdx = i
			matched++
		}
	}
	if matched != len(squashSet) {
		e.recordOp("squash", ErrMessageNotInThread)
		return nil, fmt.Errorf("squash: %w", ErrMessageNotInThread)
	}

	squashed := models.NewMessage(conversationID, models.RoleUser, models.TextItem(squashedText))
	squashed.OriginalIDs = append([]string(nil), messageIDs...)
	squashed.SquashID = uuid.NewString()

	thread := models.NewThread(conversationID, conv.CurrentThreadID)
	links := make([]models.ThreadMessage, 0, len(msgs))
	for i, msg := range msgs {
		switch {
		case i == lastIdx:
			links = append(links, models.ThreadMessage{
				ThreadID:  thread.ID,
				MessageID: squashed.ID,
				Position:  len(links),
			})
		case squashSet[msg.ID]:
			// dropped
		default:
			links = append(links, models.ThreadMessage{
				ThreadID:  thread.ID,
				MessageID: msg.ID,
				Position:  len(links),
			})
		}
	}

	err = e.store.CommitBranch(ctx, &store.BranchCommit{
		ConversationID: conversationID,
		Thread:         thread,
		Messages:       []*models.Message{squashed},
		Links:          links,
	})
	e.recordOp("squash", err)
	if err != nil {
		return nil, err
	}
	conv.CurrentThreadID = thread.ID

	e.logger.Info(ctx, "messages squashed",
		"conversation_id", conversationID, "squashed", len(messageIDs),
		"message_id", squashed.ID, "thread_id", thread.ID)
	return conv, nil
}

// CurrentMessages loads the conversation's current thread in presentation
// order.
func (e *Engine) CurrentMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return e.store.GetThreadMessages(ctx, conv.CurrentThreadID)
}

func copyMessage(msg *models.Message) *models.Message {
	cp := *msg
	cp.OriginalIDs = append([]string(nil), msg.OriginalIDs...)
	cp.Content = make([]models.ContentItem, len(msg.Content))
	for i, item := range msg.Content {
		ci := item
		switch {
		case item.Text != nil:
			t := *item.Text
			ci.Text = &t
		case item.AssistantText != nil:
			t := *item.AssistantText
			ci.AssistantText = &t
		case item.ToolCall != nil:
			t := *item.ToolCall
			ci.ToolCall = &t
		case item.ToolResult != nil:
			t := *item.ToolResult
			t.Content = append([]models.ToolResultContent(nil), item.ToolResult.Content...)
			ci.ToolResult = &t
		case item.System != nil:
			t := *item.System
			ci.System = &t
		}
		cp.Content[i] = ci
	}
	return &cp
}
