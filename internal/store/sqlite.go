package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loomhq/loom/pkg/models"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB

	stmtCreateConversation *sql.Stmt
	stmtGetConversation    *sql.Stmt
	stmtUpdateThreadPtr    *sql.Stmt
	stmtCreateThread       *sql.Stmt
	stmtGetThread          *sql.Stmt
	stmtSaveMessage        *sql.Stmt
	stmtGetMessage         *sql.Stmt
	stmtAddLink            *sql.Stmt
	stmtMaxPosition        *sql.Stmt
}

// DB exposes the underlying database handle for related stores.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// NewSQLiteStore opens (or creates) a SQLite database at path and prepares
// the schema. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent appends.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		current_thread_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		original_thread_id TEXT NOT NULL DEFAULT '',
		turn_counter INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_threads_conversation ON threads(conversation_id);
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		original_ids TEXT NOT NULL DEFAULT '[]',
		reply_to_id TEXT NOT NULL DEFAULT '',
		squash_id TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		generation_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
	CREATE TABLE IF NOT EXISTS thread_messages (
		thread_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (thread_id, position)
	);
	CREATE INDEX IF NOT EXISTS idx_thread_messages_thread ON thread_messages(thread_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.stmtCreateConversation, err = s.db.Prepare(`
		INSERT INTO conversations (id, project_id, name, provider, model, current_thread_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare create conversation: %w", err)
	}

	s.stmtGetConversation, err = s.db.Prepare(`
		SELECT id, project_id, name, provider, model, current_thread_id, created_at, updated_at
		FROM conversations WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get conversation: %w", err)
	}

	s.stmtUpdateThreadPtr, err = s.db.Prepare(`
		UPDATE conversations SET current_thread_id = ?, updated_at = ? WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare update current thread: %w", err)
	}

	s.stmtCreateThread, err = s.db.Prepare(`
		INSERT INTO threads (id, conversation_id, original_thread_id, turn_counter, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare create thread: %w", err)
	}

	s.stmtGetThread, err = s.db.Prepare(`
		SELECT id, conversation_id, original_thread_id, turn_counter, created_at, updated_at
		FROM threads WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get thread: %w", err)
	}

	s.stmtSaveMessage, err = s.db.Prepare(`
		INSERT INTO messages (id, conversation_id, original_ids, reply_to_id, squash_id, role, content, generation_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare save message: %w", err)
	}

	s.stmtGetMessage, err = s.db.Prepare(`
		SELECT id, conversation_id, original_ids, reply_to_id, squash_id, role, content, generation_error, created_at
		FROM messages WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get message: %w", err)
	}

	s.stmtAddLink, err = s.db.Prepare(`
		INSERT INTO thread_messages (thread_id, message_id, position) VALUES (?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare add link: %w", err)
	}

	s.stmtMaxPosition, err = s.db.Prepare(`
		SELECT COALESCE(MAX(position), -1) FROM thread_messages WHERE thread_id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare max position: %w", err)
	}

	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv == nil {
		return errors.New("conversation is required")
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	conv.UpdatedAt = conv.CreatedAt

	_, err := s.stmtCreateConversation.ExecContext(ctx,
		conv.ID, conv.ProjectID, conv.Name, conv.Provider, conv.Model,
		conv.CurrentThreadID, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.stmtGetConversation.QueryRowContext(ctx, id)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*models.Conversation, error) {
	var conv models.Conversation
	err := row.Scan(&conv.ID, &conv.ProjectID, &conv.Name, &conv.Provider,
		&conv.Model, &conv.CurrentThreadID, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

func (s *SQLiteStore) UpdateCurrentThread(ctx context.Context, conversationID, threadID string) error {
	res, err := s.stmtUpdateThreadPtr.ExecContext(ctx, threadID, time.Now(), conversationID)
	if err != nil {
		return fmt.Errorf("failed to update current thread: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrConversationNotFound
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM thread_messages WHERE thread_id IN (SELECT id FROM threads WHERE conversation_id = ?)
	`, id); err != nil {
		return fmt.Errorf("failed to delete thread links: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete threads: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListConversations(ctx context.Context, projectID string) ([]*models.Conversation, error) {
	query := `
		SELECT id, project_id, name, provider, model, current_thread_id, created_at, updated_at
		FROM conversations`
	args := []any{}
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var result []*models.Conversation
	for rows.Next() {
		var conv models.Conversation
		if err := rows.Scan(&conv.ID, &conv.ProjectID, &conv.Name, &conv.Provider,
			&conv.Model, &conv.CurrentThreadID, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, &conv)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) CreateThread(ctx context.Context, thread *models.Thread) error {
	if thread == nil {
		return errors.New("thread is required")
	}
	fillThreadDefaults(thread)
	_, err := s.stmtCreateThread.ExecContext(ctx,
		thread.ID, thread.ConversationID, thread.OriginalThreadID,
		thread.TurnCounter, thread.CreatedAt, thread.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}
	return nil
}

func fillThreadDefaults(thread *models.Thread) {
	if thread.ID == "" {
		thread.ID = uuid.NewString()
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now()
	}
	thread.UpdatedAt = thread.CreatedAt
}

func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	var thread models.Thread
	err := s.stmtGetThread.QueryRowContext(ctx, id).Scan(&thread.ID, &thread.ConversationID,
		&thread.OriginalThreadID, &thread.TurnCounter, &thread.CreatedAt, &thread.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return &thread, nil
}

func (s *SQLiteStore) TouchThread(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to touch thread: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrThreadNotFound
	}
	return nil
}

func (s *SQLiteStore) IncrementTurn(ctx context.Context, id string) (int64, error) {
	var counter int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE threads SET turn_counter = turn_counter + 1, updated_at = ?
		WHERE id = ? RETURNING turn_counter
	`, time.Now(), id).Scan(&counter)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrThreadNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment turn counter: %w", err)
	}
	return counter, nil
}

func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	return s.saveMessage(ctx, s.stmtSaveMessage.ExecContext, msg)
}

type execFunc func(ctx context.Context, args ...any) (sql.Result, error)

func (s *SQLiteStore) saveMessage(ctx context.Context, exec execFunc, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	originalIDs, err := json.Marshal(msg.OriginalIDs)
	if err != nil {
		return fmt.Errorf("failed to encode original ids: %w", err)
	}
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("failed to encode content: %w", err)
	}

	if _, err := exec(ctx,
		msg.ID, msg.ConversationID, string(originalIDs), msg.ReplyToID,
		msg.SquashID, string(msg.Role), string(content), msg.GenerationError,
		msg.CreatedAt); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveMessages(ctx context.Context, msgs []*models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin save batch: %w", err)
	}
	defer tx.Rollback()

	stmt := tx.StmtContext(ctx, s.stmtSaveMessage)
	for _, msg := range msgs {
		if err := s.saveMessage(ctx, stmt.ExecContext, msg); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var (
		msg         models.Message
		role        string
		originalIDs string
		content     string
	)
	err := s.stmtGetMessage.QueryRowContext(ctx, id).Scan(&msg.ID, &msg.ConversationID,
		&originalIDs, &msg.ReplyToID, &msg.SquashID, &role, &content,
		&msg.GenerationError, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	if err := decodeMessageFields(&msg, role, originalIDs, content); err != nil {
		return nil, err
	}
	return &msg, nil
}

func decodeMessageFields(msg *models.Message, role, originalIDs, content string) error {
	msg.Role = models.Role(role)
	if err := json.Unmarshal([]byte(originalIDs), &msg.OriginalIDs); err != nil {
		return fmt.Errorf("failed to decode original ids: %w", err)
	}
	if err := json.Unmarshal([]byte(content), &msg.Content); err != nil {
		return fmt.Errorf("failed to decode content: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetThreadMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.original_ids, m.reply_to_id, m.squash_id,
		       m.role, m.content, m.generation_error, m.created_at
		FROM thread_messages tm
		JOIN messages m ON m.id = tm.message_id
		WHERE tm.thread_id = ?
		ORDER BY tm.position
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query thread messages: %w", err)
	}
	defer rows.Close()

	var result []*models.Message
	for rows.Next() {
		var (
			msg         models.Message
			role        string
			originalIDs string
			content     string
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &originalIDs, &msg.ReplyToID,
			&msg.SquashID, &role, &content, &msg.GenerationError, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if err := decodeMessageFields(&msg, role, originalIDs, content); err != nil {
			return nil, err
		}
		result = append(result, &msg)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) AddLink(ctx context.Context, link models.ThreadMessage) error {
	if _, err := s.stmtAddLink.ExecContext(ctx, link.ThreadID, link.MessageID, link.Position); err != nil {
		return fmt.Errorf("failed to add link: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddLinks(ctx context.Context, links []models.ThreadMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin link batch: %w", err)
	}
	defer tx.Rollback()

	stmt := tx.StmtContext(ctx, s.stmtAddLink)
	for _, link := range links {
		if _, err := stmt.ExecContext(ctx, link.ThreadID, link.MessageID, link.Position); err != nil {
			return fmt.Errorf("failed to add link: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetLinks(ctx context.Context, threadID string) ([]models.ThreadMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, message_id, position FROM thread_messages
		WHERE thread_id = ? ORDER BY position
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer rows.Close()

	var result []models.ThreadMessage
	for rows.Next() {
		var link models.ThreadMessage
		if err := rows.Scan(&link.ThreadID, &link.MessageID, &link.Position); err != nil {
			return nil, err
		}
		result = append(result, link)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) MaxPosition(ctx context.Context, threadID string) (int, error) {
	var max int
	if err := s.stmtMaxPosition.QueryRowContext(ctx, threadID).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to query max position: %w", err)
	}
	return max, nil
}

// CommitBranch applies a branching operation in a single transaction.
func (s *SQLiteStore) CommitBranch(ctx context.Context, commit *BranchCommit) error {
	if commit == nil || commit.Thread == nil {
		return errors.New("branch commit requires a thread")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin branch commit: %w", err)
	}
	defer tx.Rollback()

	fillThreadDefaults(commit.Thread)
	threadStmt := tx.StmtContext(ctx, s.stmtCreateThread)
	if _, err := threadStmt.ExecContext(ctx,
		commit.Thread.ID, commit.Thread.ConversationID, commit.Thread.OriginalThreadID,
		commit.Thread.TurnCounter, commit.Thread.CreatedAt, commit.Thread.UpdatedAt); err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}

	msgStmt := tx.StmtContext(ctx, s.stmtSaveMessage)
	for _, msg := range commit.Messages {
		if err := s.saveMessage(ctx, msgStmt.ExecContext, msg); err != nil {
			return err
		}
	}

	linkStmt := tx.StmtContext(ctx, s.stmtAddLink)
	for _, link := range commit.Links {
		if _, err := linkStmt.ExecContext(ctx, link.ThreadID, link.MessageID, link.Position); err != nil {
			return fmt.Errorf("failed to add link: %w", err)
		}
	}

	ptrStmt := tx.StmtContext(ctx, s.stmtUpdateThreadPtr)
	res, err := ptrStmt.ExecContext(ctx, commit.Thread.ID, time.Now(), commit.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to update current thread: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrConversationNotFound
	}

	return tx.Commit()
}
