// Package usage records per-turn token consumption. Writes are best-effort:
// a metric that fails to persist is logged and dropped, never allowed to
// abort the turn that produced it.
package usage

import (
	"context"
	"io"

	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/pkg/models"
)

// Store persists usage records.
type Store interface {
	SaveUsage(ctx context.Context, u *models.Usage) error
	ListUsage(ctx context.Context, conversationID string) ([]*models.Usage, error)
}

// Totals aggregates usage over a conversation.
type Totals struct {
	Turns            int
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// TotalTokens is input plus output tokens.
func (t Totals) TotalTokens() int64 {
	return t.InputTokens + t.OutputTokens
}

// Recorder writes usage records and aggregates them.
type Recorder struct {
	store   Store
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewRecorder creates a usage recorder. Metrics may be nil.
func NewRecorder(store Store, logger *observability.Logger, metrics *observability.Metrics) *Recorder {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Output: io.Discard})
	}
	return &Recorder{store: store, logger: logger, metrics: metrics}
}

// Record persists one usage record. Failures are logged, not returned; the
// caller's turn must never abort over a metric write.
func (r *Recorder) Record(ctx context.Context, u *models.Usage) {
	if r.store == nil || u == nil {
		return
	}
	if err := r.store.SaveUsage(ctx, u); err != nil {
		r.logger.Warn(ctx, "failed to record usage",
			"conversation_id", u.ConversationID, "thread_id", u.ThreadID,
			"turn", u.Turn, "error", err)
		if r.metrics != nil {
			r.metrics.RecordError("usage", "save_failed")
		}
		return
	}
	if r.metrics != nil {
		r.metrics.RecordCacheTokens(u.Provider, u.Model, u.CacheReadTokens, u.CacheWriteTokens)
	}
}

// Totals sums all recorded usage for a conversation.
func (r *Recorder) Totals(ctx context.Context, conversationID string) (Totals, error) {
	var totals Totals
	if r.store == nil {
		return totals, nil
	}
	records, err := r.store.ListUsage(ctx, conversationID)
	if err != nil {
		return totals, err
	}
	for _, u := range records {
		totals.Turns++
		totals.InputTokens += u.InputTokens
		totals.OutputTokens += u.OutputTokens
		totals.CacheReadTokens += u.CacheReadTokens
		totals.CacheWriteTokens += u.CacheWriteTokens
	}
	return totals, nil
}

// List returns the raw records for a conversation, or all records when the
// conversation id is empty.
func (r *Recorder) List(ctx context.Context, conversationID string) ([]*models.Usage, error) {
	if r.store == nil {
		return nil, nil
	}
	return r.store.ListUsage(ctx, conversationID)
}
