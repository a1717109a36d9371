package domain

import (
	"context"
	"errors"
)

// ErrNotFound is returned by stores when a conversation does not exist.
var ErrNotFound = errors.New("not found")

// MessageStore is the durable append-only log of messages per conversation.
// The stream session manager is the only writer for an in-flight exchange.
type MessageStore interface {
	CreateConversation(ctx context.Context, conv Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// TouchConversation updates display metadata after an exchange
	// completes: title (set once), last message preview and updated-at.
	TouchConversation(ctx context.Context, id, title, lastMessage string) error
	ListConversations(ctx context.Context, limit int) ([]Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	AddMessage(ctx context.Context, msg Message) error
	// GetMessages returns up to limit messages for the conversation in
	// chronological order. limit <= 0 means no cap.
	GetMessages(ctx context.Context, convID string, limit int) ([]Message, error)

	Close() error
}
