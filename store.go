package polaris

import "context"

// MessageStore abstracts conversation persistence.
//
// DeleteMessages must remove the full id set in one statement: the
// compactor relies on the delete being its last irreversible step, and a
// partial delete would leave the conversation inconsistent with the
// clip-archive inserted right after.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg ConversationMessage) error
	// GetMessages returns all messages of a conversation ordered by
	// (created_at, id) ascending.
	GetMessages(ctx context.Context, conversationID string) ([]ConversationMessage, error)
	DeleteMessages(ctx context.Context, ids []string) error

	Init(ctx context.Context) error
	Close() error
}
