package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loomhq/loom/pkg/models"
)

// MemoryStore keeps usage records in memory, ordered by insertion.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*models.Usage
}

// NewMemoryStore creates an empty in-memory usage store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) SaveUsage(_ context.Context, u *models.Usage) error {
	if u == nil {
		return errors.New("usage record is required")
	}
	cp := *u
	if cp.RecordedAt.IsZero() {
		cp.RecordedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, &cp)
	return nil
}

func (m *MemoryStore) ListUsage(_ context.Context, conversationID string) ([]*models.Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Usage
	for _, u := range m.records {
		if conversationID == "" || u.ConversationID == conversationID {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

// SQLiteStore persists usage records in a SQLite table, sharing the database
// handle of the main store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore prepares the usage table on the given database handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		conversation_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		turn INTEGER NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		cache_write_tokens INTEGER NOT NULL DEFAULT 0,
		recorded_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_conversation ON usage_records(conversation_id);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize usage schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveUsage(ctx context.Context, u *models.Usage) error {
	if u == nil {
		return errors.New("usage record is required")
	}
	recordedAt := u.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (conversation_id, thread_id, turn, provider, model,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ConversationID, u.ThreadID, u.Turn, u.Provider, u.Model,
		u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheWriteTokens, recordedAt)
	if err != nil {
		return fmt.Errorf("failed to save usage: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListUsage(ctx context.Context, conversationID string) ([]*models.Usage, error) {
	query := `
		SELECT conversation_id, thread_id, turn, provider, model,
		       input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, recorded_at
		FROM usage_records`
	args := []any{}
	if conversationID != "" {
		query += ` WHERE conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` ORDER BY recorded_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	defer rows.Close()

	var out []*models.Usage
	for rows.Next() {
		var u models.Usage
		if err := rows.Scan(&u.ConversationID, &u.ThreadID, &u.Turn, &u.Provider, &u.Model,
			&u.InputTokens, &u.OutputTokens, &u.CacheReadTokens, &u.CacheWriteTokens, &u.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}
