package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"chatty/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.MessageStore on SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and runs
// migrations.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// SQLite is effectively single-writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id           TEXT PRIMARY KEY,
		title        TEXT,
		last_message TEXT,
		provider     TEXT,
		created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role            TEXT NOT NULL,
		content         TEXT,
		has_image       INTEGER DEFAULT 0,
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id, title, last_message, provider, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Title, conv.LastMessage, conv.Provider, conv.CreatedAt, conv.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, last_message, provider, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.Title, &conv.LastMessage, &conv.Provider, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *SQLiteStore) TouchConversation(ctx context.Context, id, title, lastMessage string) error {
	// Title is set once; later touches only refresh the preview.
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations
		 SET title = CASE WHEN title = '' OR title IS NULL THEN ? ELSE title END,
		     last_message = ?,
		     updated_at = ?
		 WHERE id = ?`,
		title, lastMessage, time.Now(), id,
	)
	return err
}

func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, last_message, provider, created_at, updated_at
		 FROM conversations ORDER BY updated_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.LastMessage, &c.Provider, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) AddMessage(ctx context.Context, msg domain.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, has_image, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.HasImage, msg.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetMessages(ctx context.Context, convID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 1000
	}

	// Last N messages, returned oldest first.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, has_image, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`, convID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.HasImage, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
