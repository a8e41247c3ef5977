package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loomhq/loom/pkg/models"
)

type failingStore struct{}

func (failingStore) SaveUsage(context.Context, *models.Usage) error {
	return errors.New("disk full")
}

func (failingStore) ListUsage(context.Context, string) ([]*models.Usage, error) {
	return nil, errors.New("disk full")
}

func record(conversationID string, turn, in, out int64) *models.Usage {
	return &models.Usage{
		ConversationID: conversationID,
		ThreadID:       "thread-1",
		Turn:           turn,
		Provider:       "anthropic",
		Model:          "test-model",
		InputTokens:    in,
		OutputTokens:   out,
		RecordedAt:     time.Now(),
	}
}

func TestRecorderTotals(t *testing.T) {
	recorder := NewRecorder(NewMemoryStore(), nil, nil)
	ctx := context.Background()

	recorder.Record(ctx, record("conv-1", 1, 100, 40))
	recorder.Record(ctx, record("conv-1", 2, 250, 60))
	recorder.Record(ctx, record("conv-2", 1, 999, 999))

	totals, err := recorder.Totals(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Totals() error = %v", err)
	}
	if totals.Turns != 2 {
		t.Errorf("Turns = %d, want 2", totals.Turns)
	}
	if totals.InputTokens != 350 || totals.OutputTokens != 100 {
		t.Errorf("tokens = %d/%d, want 350/100", totals.InputTokens, totals.OutputTokens)
	}
	if totals.TotalTokens() != 450 {
		t.Errorf("TotalTokens() = %d, want 450", totals.TotalTokens())
	}
}

func TestRecorderSaveFailureIsSwallowed(t *testing.T) {
	recorder := NewRecorder(failingStore{}, nil, nil)

	// Metering never blocks a turn; a failing store only logs.
	recorder.Record(context.Background(), record("conv-1", 1, 10, 10))
}

func TestRecorderNilRecordIgnored(t *testing.T) {
	store := NewMemoryStore()
	recorder := NewRecorder(store, nil, nil)

	recorder.Record(context.Background(), nil)

	records, err := store.ListUsage(context.Background(), "")
	if err != nil {
		t.Fatalf("ListUsage() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("stored %d records, want 0", len(records))
	}
}

func TestMemoryStoreCopiesRecords(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	original := record("conv-1", 1, 10, 5)
	if err := store.SaveUsage(ctx, original); err != nil {
		t.Fatalf("SaveUsage() error = %v", err)
	}
	original.InputTokens = 9999

	records, err := store.ListUsage(ctx, "conv-1")
	if err != nil {
		t.Fatalf("ListUsage() error = %v", err)
	}
	if records[0].InputTokens != 10 {
		t.Errorf("stored InputTokens = %d, want 10 (caller mutation must not leak)", records[0].InputTokens)
	}
}
