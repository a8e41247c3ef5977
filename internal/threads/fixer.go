package threads

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/models"
)

// interruptedResultText is the payload of a synthesized error result for a
// tool call whose real result never arrived (crash or cancellation mid-turn).
const interruptedResultText = "Tool execution was interrupted or cancelled."

// RepairReport summarizes what FixNonSequentialPairs changed.
type RepairReport struct {
	// ThreadID is the repaired thread, or the original thread when no
	// repairs were needed.
	ThreadID string

	// OrphanedResults counts tool results whose call was missing and that
	// were converted to assistant text.
	OrphanedResults int

	// SynthesizedResults counts error results fabricated for tool calls
	// whose real result was missing.
	SynthesizedResults int
}

// Repaired reports whether the fixer changed anything.
func (r *RepairReport) Repaired() bool {
	return r.OrphanedResults > 0 || r.SynthesizedResults > 0
}

// FixNonSequentialPairs walks the conversation's current thread and repairs
// tool-call pairing so every tool call is immediately followed by its result.
//
// Two repairs are applied:
//   - a tool result with no preceding pending call is an orphan; its message
//     is rewritten (under a new id, role flipped to assistant) with the
//     result replaced by explanatory assistant text
//   - a tool call not answered by the following message gets a synthesized
//     isError result inserted right after the message that carries it
//
// A repaired sequence is committed as a new thread; the original thread is
// never touched. Running the fixer on a well-formed thread changes nothing
// and commits nothing, so it is safe to run speculatively.
func (e *Engine) FixNonSequentialPairs(ctx context.Context, conversationID string) (*RepairReport, error) {
	unlock := e.lockConversation(conversationID)
	defer unlock()

	ctx, finish := e.traceOp(ctx, "repair", conversationID)
	defer finish()

	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := e.store.GetThreadMessages(ctx, conv.CurrentThreadID)
	if err != nil {
		return nil, err
	}

	report := &RepairReport{ThreadID: conv.CurrentThreadID}

	var (
		out        []*models.Message
		newMsgs    []*models.Message
		pending    = make(map[string]models.ToolCall)
		pendingIDs []string // preserves emission order of pending calls
	)

	flushPending := func() {
		if len(pendingIDs) == 0 {
			return
		}
		items := make([]models.ContentItem, 0, len(pendingIDs))
		for _, id := range pendingIDs {
			call := pending[id]
			items = append(items, models.ToolResultItem(models.ToolResult{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Content:    models.TextResult(interruptedResultText),
				IsError:    true,
				State:      models.StateCancelled,
			}))
		}
		synth := models.NewMessage(conversationID, models.RoleUser, items...)
		out = append(out, synth)
		newMsgs = append(newMsgs, synth)
		report.SynthesizedResults += len(pendingIDs)
		pending = make(map[string]models.ToolCall)
		pendingIDs = nil
	}

	for _, msg := range msgs {
		// Does this message answer any of the calls pending from the
		// previous message?
		resolved := make(map[string]bool)
		for _, result := range msg.ToolResults() {
			if _, ok := pending[result.ToolCallID]; ok {
				resolved[result.ToolCallID] = true
			}
		}

		// Calls left unanswered get their error result inserted before
		// this message, keeping them adjacent to the call that made them.
		if len(resolved) < len(pendingIDs) {
			remaining := pendingIDs[:0]
			for _, id := range pendingIDs {
				if resolved[id] {
					delete(pending, id)
				} else {
					remaining = append(remaining, id)
				}
			}
			pendingIDs = remaining
			flushPending()
		} else {
			pending = make(map[string]models.ToolCall)
			pendingIDs = nil
		}

		fixed, orphans := convertOrphanResults(conversationID, msg, resolved)
		out = append(out, fixed)
		if orphans > 0 {
			newMsgs = append(newMsgs, fixed)
			report.OrphanedResults += orphans
		}

		for _, call := range msg.ToolCalls() {
			if _, ok := pending[call.ID]; !ok {
				pending[call.ID] = call
				pendingIDs = append(pendingIDs, call.ID)
			}
		}
	}
	flushPending()

	if !report.Repaired() {
		return report, nil
	}

	thread := models.NewThread(conversationID, conv.CurrentThreadID)
	links := make([]models.ThreadMessage, len(out))
	for i, msg := range out {
		links[i] = models.ThreadMessage{ThreadID: thread.ID, MessageID: msg.ID, Position: i}
	}

	if err := e.store.CommitBranch(ctx, &store.BranchCommit{
		ConversationID: conversationID,
		Thread:         thread,
		Messages:       newMsgs,
		Links:          links,
	}); err != nil {
		return nil, err
	}
	report.ThreadID = thread.ID

	if e.metrics != nil {
		e.metrics.RecordSequenceRepairs(report.OrphanedResults, report.SynthesizedResults)
	}
	e.logger.Info(ctx, "non-sequential tool pairs repaired",
		"conversation_id", conversationID,
		"thread_id", thread.ID,
		"orphaned_results", report.OrphanedResults,
		"synthesized_results", report.SynthesizedResults)

	return report, nil
}

// convertOrphanResults rewrites a message whose tool results have no pending
// call. Orphan results become assistant text referencing the original result
// content; if any conversion happens the message is re-issued under a new id
// with role assistant.
func convertOrphanResults(conversationID string, msg *models.Message, resolved map[string]bool) (*models.Message, int) {
	orphans := 0
	for _, result := range msg.ToolResults() {
		if !resolved[result.ToolCallID] {
			orphans++
		}
	}
	if orphans == 0 {
		return msg, 0
	}

	content := make([]models.ContentItem, 0, len(msg.Content))
	for _, item := range msg.Content {
		if item.Kind == models.ContentToolResult && item.ToolResult != nil && !resolved[item.ToolResult.ToolCallID] {
			content = append(content, models.AssistantTextItem(orphanText(item.ToolResult)))
			continue
		}
		content = append(content, item)
	}

	fixed := models.NewMessage(conversationID, models.RoleAssistant, content...)
	fixed.OriginalIDs = []string{msg.ID}
	fixed.ReplyToID = msg.ReplyToID
	return fixed, orphans
}

func orphanText(result *models.ToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	body := strings.Join(parts, "\n")
	if result.ToolName != "" {
		return fmt.Sprintf("Result from earlier %s tool call: %s", result.ToolName, body)
	}
	return fmt.Sprintf("Result from earlier tool call: %s", body)
}
