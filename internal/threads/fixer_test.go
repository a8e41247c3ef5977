package threads

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/loomhq/loom/pkg/models"
)

func addToolCall(t *testing.T, e *Engine, convID, callID, name string) *models.Message {
	t.Helper()
	msg := models.NewMessage(convID, models.RoleAssistant,
		models.AssistantTextItem("working on it"),
		models.ToolCallItem(models.ToolCall{
			ID: callID, Name: name, Input: json.RawMessage(`{}`), State: models.StateComplete,
		}))
	if _, err := e.AddMessage(context.Background(), convID, msg); err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}
	return msg
}

func addToolResult(t *testing.T, e *Engine, convID, callID, name, text string) *models.Message {
	t.Helper()
	msg := models.NewMessage(convID, models.RoleUser,
		models.ToolResultItem(models.ToolResult{
			ToolCallID: callID, ToolName: name,
			Content: models.TextResult(text), State: models.StateComplete,
		}))
	if _, err := e.AddMessage(context.Background(), convID, msg); err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}
	return msg
}

func TestFixerSynthesizesMissingResult(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	conv := seedConversation(t, e, "what time is it")
	addToolCall(t, e, conv.ID, "call-x", "clock")

	report, err := e.FixNonSequentialPairs(ctx, conv.ID)
	if err != nil {
		t.Fatalf("FixNonSequentialPairs() error = %v", err)
	}
	if report.SynthesizedResults != 1 || report.OrphanedResults != 0 {
		t.Errorf("report = %+v, want 1 synthesized, 0 orphaned", report)
	}

	msgs, err := e.CurrentMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("CurrentMessages() error = %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("fixed thread has %d messages, want 3", len(msgs))
	}
	last := msgs[2]
	if last.Role != models.RoleUser {
		t.Errorf("synthesized message role = %q, want user", last.Role)
	}
	results := last.ToolResults()
	if len(results) != 1 {
		t.Fatalf("synthesized message has %d results, want 1", len(results))
	}
	if results[0].ToolCallID != "call-x" || !results[0].IsError {
		t.Errorf("synthesized result = %+v, want isError for call-x", results[0])
	}
	if !strings.Contains(results[0].Content[0].Text, "interrupted or cancelled") {
		t.Errorf("synthesized result text = %q", results[0].Content[0].Text)
	}
}

func TestFixerInsertsResultAdjacentToCall(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	conv := seedConversation(t, e)

	callMsg := addToolCall(t, e, conv.ID, "call-x", "clock")
	// A user message interrupts before the result ever arrives.
	interloper := models.NewMessage(conv.ID, models.RoleUser, models.TextItem("never mind"))
	if _, err := e.AddMessage(ctx, conv.ID, interloper); err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}

	report, err := e.FixNonSequentialPairs(ctx, conv.ID)
	if err != nil {
		t.Fatalf("FixNonSequentialPairs() error = %v", err)
	}
	if report.SynthesizedResults != 1 {
		t.Fatalf("report = %+v, want 1 synthesized", report)
	}

	msgs, err := e.CurrentMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("CurrentMessages() error = %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("fixed thread has %d messages, want 3", len(msgs))
	}
	if msgs[0].ID != callMsg.ID {
		t.Error("call message moved")
	}
	results := msgs[1].ToolResults()
	if len(results) != 1 || results[0].ToolCallID != "call-x" {
		t.Error("synthesized result is not adjacent to its call")
	}
	if msgs[2].ID != interloper.ID {
		t.Error("interrupting message lost or reordered")
	}
}

func TestFixerConvertsOrphanResult(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	conv := seedConversation(t, e, "hello")
	orphan := addToolResult(t, e, conv.ID, "ghost-call", "search", "stale result")

	report, err := e.FixNonSequentialPairs(ctx, conv.ID)
	if err != nil {
		t.Fatalf("FixNonSequentialPairs() error = %v", err)
	}
	if report.OrphanedResults != 1 || report.SynthesizedResults != 0 {
		t.Errorf("report = %+v, want 1 orphaned, 0 synthesized", report)
	}

	msgs, err := e.CurrentMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("CurrentMessages() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("fixed thread has %d messages, want 2", len(msgs))
	}
	converted := msgs[1]
	if converted.ID == orphan.ID {
		t.Error("orphan message was mutated in place instead of re-issued")
	}
	if converted.Role != models.RoleAssistant {
		t.Errorf("converted role = %q, want assistant", converted.Role)
	}
	if len(converted.ToolResults()) != 0 {
		t.Error("converted message still carries a tool result")
	}
	if !strings.Contains(converted.PlainText(), "stale result") {
		t.Errorf("converted text = %q, want reference to original content", converted.PlainText())
	}
	if len(converted.OriginalIDs) != 1 || converted.OriginalIDs[0] != orphan.ID {
		t.Errorf("converted OriginalIDs = %v, want [%s]", converted.OriginalIDs, orphan.ID)
	}
}

func TestFixerNoOpOnWellFormedThread(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t)
	conv := seedConversation(t, e, "what time is it")
	addToolCall(t, e, conv.ID, "call-x", "clock")
	addToolResult(t, e, conv.ID, "call-x", "clock", "12:00")

	before := mustGetConversation(t, st, conv.ID).CurrentThreadID
	report, err := e.FixNonSequentialPairs(ctx, conv.ID)
	if err != nil {
		t.Fatalf("FixNonSequentialPairs() error = %v", err)
	}
	if report.Repaired() {
		t.Errorf("report = %+v, want no repairs", report)
	}
	if report.ThreadID != before {
		t.Errorf("ThreadID = %q, want original %q", report.ThreadID, before)
	}
	if mustGetConversation(t, st, conv.ID).CurrentThreadID != before {
		t.Error("well-formed thread was replaced")
	}
}

func TestFixerIdempotent(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t)
	conv := seedConversation(t, e)
	addToolCall(t, e, conv.ID, "call-x", "clock")
	addToolResult(t, e, conv.ID, "ghost", "search", "orphan")

	first, err := e.FixNonSequentialPairs(ctx, conv.ID)
	if err != nil {
		t.Fatalf("FixNonSequentialPairs() first run error = %v", err)
	}
	if !first.Repaired() {
		t.Fatal("first run repaired nothing")
	}
	threadAfterFirst := mustGetConversation(t, st, conv.ID).CurrentThreadID

	second, err := e.FixNonSequentialPairs(ctx, conv.ID)
	if err != nil {
		t.Fatalf("FixNonSequentialPairs() second run error = %v", err)
	}
	if second.Repaired() {
		t.Errorf("second run report = %+v, want zero changes", second)
	}
	if mustGetConversation(t, st, conv.ID).CurrentThreadID != threadAfterFirst {
		t.Error("second run replaced the already-fixed thread")
	}
}
