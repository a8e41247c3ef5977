package threads

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/models"
)

func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewEngine(st, nil, nil, nil), st
}

func seedConversation(t *testing.T, e *Engine, texts ...string) *models.Conversation {
	t.Helper()
	ctx := context.Background()
	conv, err := e.Create(ctx, "proj-1", "test", "anthropic", "claude-sonnet-4")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for i, text := range texts {
		role := models.RoleUser
		item := models.TextItem(text)
		if i%2 == 1 {
			role = models.RoleAssistant
			item = models.AssistantTextItem(text)
		}
		msg := models.NewMessage(conv.ID, role, item)
		if _, err := e.AddMessage(ctx, conv.ID, msg); err != nil {
			t.Fatalf("AddMessage() error = %v", err)
		}
	}
	return conv
}

func currentIDs(t *testing.T, e *Engine, conversationID string) []string {
	t.Helper()
	msgs, err := e.CurrentMessages(context.Background(), conversationID)
	if err != nil {
		t.Fatalf("CurrentMessages() error = %v", err)
	}
	ids := make([]string, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.ID
	}
	return ids
}

func TestCreateStartsWithEmptyThread(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t)

	conv, err := e.Create(ctx, "proj-1", "test", "anthropic", "m")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if conv.CurrentThreadID == "" {
		t.Fatal("Create() left CurrentThreadID empty")
	}
	msgs, err := st.GetThreadMessages(ctx, conv.CurrentThreadID)
	if err != nil {
		t.Fatalf("GetThreadMessages() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("new conversation thread has %d messages, want 0", len(msgs))
	}
}

func TestAddMessageAppendsInPlace(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	conv := seedConversation(t, e, "one", "two")

	before, err := e.store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}

	msg := models.NewMessage(conv.ID, models.RoleUser, models.TextItem("three"))
	if _, err := e.AddMessage(ctx, conv.ID, msg); err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}

	after, err := e.store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if after.CurrentThreadID != before.CurrentThreadID {
		t.Errorf("AddMessage created a new thread %q, want append to %q",
			after.CurrentThreadID, before.CurrentThreadID)
	}
	ids := currentIDs(t, e, conv.ID)
	if len(ids) != 3 || ids[2] != msg.ID {
		t.Errorf("current thread = %v, want the new message appended last", ids)
	}
}

func TestAddMessageRejectsWrongConversation(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	conv := seedConversation(t, e)

	msg := models.NewMessage("other-conversation", models.RoleUser, models.TextItem("x"))
	if _, err := e.AddMessage(ctx, conv.ID, msg); err == nil {
		t.Fatal("AddMessage() with mismatched conversation id succeeded, want error")
	}
}

func TestEditMessagePreservesHistory(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t)
	conv := seedConversation(t, e, "hello", "hi")

	oldThread := mustGetConversation(t, st, conv.ID).CurrentThreadID
	oldIDs := currentIDs(t, e, conv.ID)

	updated, err := e.EditMessage(ctx, conv.ID, oldIDs[0], []models.ContentItem{models.TextItem("hello, edited")})
	if err != nil {
		t.Fatalf("EditMessage() error = %v", err)
	}
	if updated.CurrentThreadID == oldThread {
		t.Fatal("EditMessage() did not create a new thread")
	}

	// New thread: same length, first message replaced, recording ancestry.
	msgs, err := e.CurrentMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("CurrentMessages() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("edited thread has %d messages, want 2", len(msgs))
	}
	if msgs[0].ID == oldIDs[0] {
		t.Error("edited thread still references the original message")
	}
	if len(msgs[0].OriginalIDs) != 1 || msgs[0].OriginalIDs[0] != oldIDs[0] {
		t.Errorf("replacement OriginalIDs = %v, want [%s]", msgs[0].OriginalIDs, oldIDs[0])
	}
	if msgs[0].PlainText() != "hello, edited" {
		t.Errorf("replacement text = %q, want %q", msgs[0].PlainText(), "hello, edited")
	}
	if msgs[1].ID != oldIDs[1] {
		t.Error("unaffected message was not carried over at its position")
	}

	// Original thread is untouched and still points back correctly.
	oldMsgs, err := st.GetThreadMessages(ctx, oldThread)
	if err != nil {
		t.Fatalf("GetThreadMessages(original) error = %v", err)
	}
	if len(oldMsgs) != 2 || oldMsgs[0].ID != oldIDs[0] || oldMsgs[1].ID != oldIDs[1] {
		t.Error("original thread membership changed by edit")
	}
	newThread, err := st.GetThread(ctx, updated.CurrentThreadID)
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	if newThread.OriginalThreadID != oldThread {
		t.Errorf("OriginalThreadID = %q, want %q", newThread.OriginalThreadID, oldThread)
	}
}

func TestEditMessageNotInThread(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	conv := seedConversation(t, e, "hello")

	if _, err := e.EditMessage(ctx, conv.ID, "no-such-message", []models.ContentItem{models.TextItem("x")}); !errors.Is(err, ErrMessageNotInThread) {
		t.Errorf("EditMessage() error = %v, want ErrMessageNotInThread", err)
	}
}

func TestDeleteMessagesValidation(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	conv := seedConversation(t, e, "hello")

	if _, err := e.DeleteMessages(ctx, conv.ID, nil); !errors.Is(err, ErrNoMessageIDs) {
		t.Errorf("DeleteMessages(nil) error = %v, want ErrNoMessageIDs", err)
	}
	if _, err := e.DeleteMessages(ctx, conv.ID, []string{"missing"}); !errors.Is(err, ErrMessageNotInThread) {
		t.Errorf("DeleteMessages(missing) error = %v, want ErrMessageNotInThread", err)
	}
}

func TestDeleteMessagesCascadesByPairing(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	conv := seedConversation(t, e, "look this up")

	call := models.ToolCall{ID: "call-1", Name: "search", Input: json.RawMessage(`{}`), State: models.StateComplete}
	assistant := models.NewMessage(conv.ID, models.RoleAssistant,
		models.AssistantTextItem("checking"), models.ToolCallItem(call))
	if _, err := e.AddMessage(ctx, conv.ID, assistant); err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}
	result := models.NewMessage(conv.ID, models.RoleUser,
		models.ToolResultItem(models.ToolResult{
			ToolCallID: "call-1", ToolName: "search",
			Content: models.TextResult("found it"), State: models.StateComplete,
		}))
	if _, err := e.AddMessage(ctx, conv.ID, result); err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}
	final := models.NewMessage(conv.ID, models.RoleAssistant, models.AssistantTextItem("done"))
	if _, err := e.AddMessage(ctx, conv.ID, final); err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}

	// Deleting only the call message must drag its paired result along.
	if _, err := e.DeleteMessages(ctx, conv.ID, []string{assistant.ID}); err != nil {
		t.Fatalf("DeleteMessages() error = %v", err)
	}

	msgs, err := e.CurrentMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("CurrentMessages() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("thread after cascade has %d messages, want 2", len(msgs))
	}
	for _, msg := range msgs {
		if msg.ID == assistant.ID || msg.ID == result.ID {
			t.Errorf("message %s survived deletion", msg.ID)
		}
	}
	if msgs[len(msgs)-1].ID != final.ID {
		t.Error("unrelated trailing message was lost")
	}
}

func TestSquashMessages(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	conv := seedConversation(t, e, "m1", "m2", "m3", "m4")
	ids := currentIDs(t, e, conv.ID)

	if _, err := e.SquashMessages(ctx, conv.ID, []string{ids[1]}, "too few"); !errors.Is(err, ErrTooFewSquashIDs) {
		t.Errorf("SquashMessages(1 id) error = %v, want ErrTooFewSquashIDs", err)
	}

	if _, err := e.SquashMessages(ctx, conv.ID, []string{ids[1], ids[2]}, "summary of m2+m3"); err != nil {
		t.Fatalf("SquashMessages() error = %v", err)
	}

	msgs, err := e.CurrentMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("CurrentMessages() error = %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("squashed thread has %d messages, want 3", len(msgs))
	}
	// Squashed message sits where the last original was.
	if msgs[0].ID != ids[0] || msgs[2].ID != ids[3] {
		t.Error("untouched messages moved during squash")
	}
	squashed := msgs[1]
	if squashed.Role != models.RoleUser {
		t.Errorf("squashed role = %q, want user", squashed.Role)
	}
	if squashed.PlainText() != "summary of m2+m3" {
		t.Errorf("squashed text = %q", squashed.PlainText())
	}
	if len(squashed.OriginalIDs) != 2 {
		t.Errorf("squashed OriginalIDs = %v, want the two originals", squashed.OriginalIDs)
	}
	if squashed.SquashID == "" {
		t.Error("squashed message has no squash operation id")
	}
}

func TestForkRoundTrip(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	conv := seedConversation(t, e, "hello", "hi there", "how are you")

	fork, err := e.Fork(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Fork() error = %v", err)
	}
	if fork.ID == conv.ID {
		t.Fatal("Fork() reused the source conversation id")
	}
	if fork.ProjectID != conv.ProjectID || fork.Provider != conv.Provider {
		t.Error("fork did not inherit project/provider")
	}

	srcMsgs, err := e.CurrentMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("CurrentMessages(source) error = %v", err)
	}
	forkMsgs, err := e.CurrentMessages(ctx, fork.ID)
	if err != nil {
		t.Fatalf("CurrentMessages(fork) error = %v", err)
	}
	if len(forkMsgs) != len(srcMsgs) {
		t.Fatalf("fork has %d messages, want %d", len(forkMsgs), len(srcMsgs))
	}
	for i := range srcMsgs {
		if forkMsgs[i].ID == srcMsgs[i].ID {
			t.Errorf("fork message %d shares the source id", i)
		}
		if forkMsgs[i].PlainText() != srcMsgs[i].PlainText() {
			t.Errorf("fork message %d text = %q, want %q", i, forkMsgs[i].PlainText(), srcMsgs[i].PlainText())
		}
		if forkMsgs[i].Role != srcMsgs[i].Role {
			t.Errorf("fork message %d role = %q, want %q", i, forkMsgs[i].Role, srcMsgs[i].Role)
		}
	}

	// Fork and source evolve independently.
	extra := models.NewMessage(fork.ID, models.RoleUser, models.TextItem("fork only"))
	if _, err := e.AddMessage(ctx, fork.ID, extra); err != nil {
		t.Fatalf("AddMessage(fork) error = %v", err)
	}
	srcAfter, err := e.CurrentMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("CurrentMessages(source) error = %v", err)
	}
	if len(srcAfter) != len(srcMsgs) {
		t.Error("appending to the fork changed the source thread")
	}
}

func TestForkMissingSource(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.Fork(context.Background(), "missing"); !errors.Is(err, store.ErrConversationNotFound) {
		t.Errorf("Fork(missing) error = %v, want ErrConversationNotFound", err)
	}
}

func TestBuildPairingMap(t *testing.T) {
	convID := "conv"
	call := models.ToolCall{ID: "x", Name: "clock", Input: json.RawMessage(`{}`)}
	a := models.NewMessage(convID, models.RoleAssistant, models.ToolCallItem(call))
	r := models.NewMessage(convID, models.RoleUser, models.ToolResultItem(models.ToolResult{
		ToolCallID: "x", ToolName: "clock", Content: models.TextResult("12:00"),
	}))
	dangling := models.NewMessage(convID, models.RoleAssistant, models.ToolCallItem(models.ToolCall{ID: "y", Name: "clock"}))

	pairs := BuildPairingMap([]*models.Message{a, r, dangling})
	if len(pairs) != 2 {
		t.Fatalf("BuildPairingMap() has %d entries, want 2", len(pairs))
	}
	if !pairs["x"].Complete() {
		t.Error("pair x should be complete")
	}
	if pairs["x"].CallMessageID != a.ID || pairs["x"].ResultMessageID != r.ID {
		t.Errorf("pair x locations = (%s, %s), want (%s, %s)",
			pairs["x"].CallMessageID, pairs["x"].ResultMessageID, a.ID, r.ID)
	}
	if pairs["y"].Complete() || pairs["y"].Call == nil {
		t.Error("pair y should have a call and no result")
	}
}

func mustGetConversation(t *testing.T, st store.Store, id string) *models.Conversation {
	t.Helper()
	conv, err := st.GetConversation(context.Background(), id)
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	return conv
}
