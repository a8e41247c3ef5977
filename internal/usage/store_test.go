package usage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/loomhq/loom/pkg/models"
)

func newMockStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS usage_records").
		WillReturnResult(sqlmock.NewResult(0, 0))
	st, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	return st, mock
}

func TestSQLiteStoreSaveUsage(t *testing.T) {
	st, mock := newMockStore(t)
	recordedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO usage_records").
		WithArgs("conv-1", "thread-1", int64(3), "anthropic", "claude-sonnet-4",
			int64(100), int64(40), int64(0), int64(0), recordedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := st.SaveUsage(context.Background(), &models.Usage{
		ConversationID: "conv-1",
		ThreadID:       "thread-1",
		Turn:           3,
		Provider:       "anthropic",
		Model:          "claude-sonnet-4",
		InputTokens:    100,
		OutputTokens:   40,
		RecordedAt:     recordedAt,
	})
	if err != nil {
		t.Fatalf("SaveUsage() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLiteStoreSaveUsageNil(t *testing.T) {
	st, _ := newMockStore(t)
	if err := st.SaveUsage(context.Background(), nil); err == nil {
		t.Error("expected an error for a nil record")
	}
}

func TestSQLiteStoreListUsageFiltersByConversation(t *testing.T) {
	st, mock := newMockStore(t)
	recordedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	columns := []string{"conversation_id", "thread_id", "turn", "provider", "model",
		"input_tokens", "output_tokens", "cache_read_tokens", "cache_write_tokens", "recorded_at"}
	mock.ExpectQuery("WHERE conversation_id").
		WithArgs("conv-1").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("conv-1", "thread-1", 1, "anthropic", "claude-sonnet-4", 100, 40, 5, 0, recordedAt).
			AddRow("conv-1", "thread-1", 2, "anthropic", "claude-sonnet-4", 200, 80, 0, 10, recordedAt))

	records, err := st.ListUsage(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("ListUsage() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Turn != 1 || records[1].CacheWriteTokens != 10 {
		t.Errorf("records = %+v, %+v", records[0], records[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLiteStoreListUsageAll(t *testing.T) {
	st, mock := newMockStore(t)

	columns := []string{"conversation_id", "thread_id", "turn", "provider", "model",
		"input_tokens", "output_tokens", "cache_read_tokens", "cache_write_tokens", "recorded_at"}
	mock.ExpectQuery("FROM usage_records").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("conv-1", "thread-1", 1, "anthropic", "m", 1, 1, 0, 0, time.Now()).
			AddRow("conv-2", "thread-2", 1, "openai", "m", 2, 2, 0, 0, time.Now()))

	records, err := st.ListUsage(context.Background(), "")
	if err != nil {
		t.Fatalf("ListUsage() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
}
