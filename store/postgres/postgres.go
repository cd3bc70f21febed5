// Package postgres implements polaris.MessageStore using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aelish/polaris"
)

// Store implements polaris.MessageStore backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ polaris.MessageStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the messages table and its index. Safe to call multiple
// times; all statements are idempotent.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content JSONB NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at, id)`,
	}
	for _, ddl := range stmts {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres init: %w", err)
		}
	}
	return nil
}

// InsertMessage persists one message.
func (s *Store) InsertMessage(ctx context.Context, msg polaris.ConversationMessage) error {
	content, err := polaris.MarshalContent(msg.Content)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.ConversationID, msg.Role, content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetMessages returns the conversation's messages ordered by
// (created_at, id) ascending.
func (s *Store) GetMessages(ctx context.Context, conversationID string) ([]polaris.ConversationMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, role, content::text, created_at FROM messages
		 WHERE conversation_id = $1 ORDER BY created_at ASC, id ASC`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []polaris.ConversationMessage
	for rows.Next() {
		var m polaris.ConversationMessage
		var content string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		blocks, err := polaris.UnmarshalContent(content)
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", m.ID, err)
		}
		m.Content = blocks
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteMessages removes the id set in one statement.
func (s *Store) DeleteMessages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

// Close is a no-op: the pool is externally owned.
func (s *Store) Close() error { return nil }
