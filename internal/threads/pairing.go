package threads

import "github.com/loomhq/loom/pkg/models"

// Pairing records where a tool call and its matching result live within a
// message sequence. Either side may be absent when the sequence is
// incomplete.
type Pairing struct {
	Call            *models.ToolCall
	CallMessageID   string
	Result          *models.ToolResult
	ResultMessageID string
}

// Complete reports whether both sides of the pair are present.
func (p *Pairing) Complete() bool {
	return p.Call != nil && p.Result != nil
}

// BuildPairingMap scans messages in thread order and indexes tool calls and
// tool results by the shared tool-call ID. The first call and first result
// seen per ID win; each ID is expected to occur at most once per side in a
// well-formed thread.
//
// The map is derived state. It is never persisted; callers recompute it from
// the message list whenever they need it.
func BuildPairingMap(messages []*models.Message) map[string]*Pairing {
	pairs := make(map[string]*Pairing)

	for _, msg := range messages {
		for i := range msg.Content {
			item := &msg.Content[i]
			switch {
			case item.Kind == models.ContentToolCall && item.ToolCall != nil:
				p := pairs[item.ToolCall.ID]
				if p == nil {
					p = &Pairing{}
					pairs[item.ToolCall.ID] = p
				}
				if p.Call == nil {
					p.Call = item.ToolCall
					p.CallMessageID = msg.ID
				}
			case item.Kind == models.ContentToolResult && item.ToolResult != nil:
				p := pairs[item.ToolResult.ToolCallID]
				if p == nil {
					p = &Pairing{}
					pairs[item.ToolResult.ToolCallID] = p
				}
				if p.Result == nil {
					p.Result = item.ToolResult
					p.ResultMessageID = msg.ID
				}
			}
		}
	}

	return pairs
}
