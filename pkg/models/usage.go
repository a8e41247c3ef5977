package models

import "time"

// Usage captures token accounting for one model round, tagged with the
// thread turn number it belongs to.
type Usage struct {
	ConversationID string    `json:"conversation_id"`
	ThreadID       string    `json:"thread_id"`
	Turn           int64     `json:"turn"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	InputTokens    int64     `json:"input_tokens"`
	OutputTokens   int64     `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64   `json:"cache_write_tokens,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
}

// TotalTokens returns input plus output tokens.
func (u *Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}
