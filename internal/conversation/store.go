// Package conversation persists conversations and their transcripts.
package conversation

import (
	"context"
	"errors"

	"github.com/parleyhq/parley/pkg/models"
)

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = errors.New("not found")

// ListOptions bounds and filters a conversation listing.
type ListOptions struct {
	Origin models.Origin
	Limit  int
	Offset int
}

// Store is the persistence interface. Implementations must be safe for
// concurrent use.
type Store interface {
	// CreateConversation inserts a conversation. Missing ID and timestamps
	// are filled in.
	CreateConversation(ctx context.Context, conv *models.Conversation) error

	// GetConversation returns a conversation or ErrNotFound.
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)

	// UpdateConversation rewrites title, defaults, and system prompt.
	UpdateConversation(ctx context.Context, conv *models.Conversation) error

	// DeleteConversation removes a conversation and its messages.
	DeleteConversation(ctx context.Context, id string) error

	// GetOrCreateByChannelKey finds the conversation bound to an external
	// channel key, creating it on first contact.
	GetOrCreateByChannelKey(ctx context.Context, key string, origin models.Origin) (*models.Conversation, error)

	// ListConversations returns conversations sorted by most recent update.
	ListConversations(ctx context.Context, opts ListOptions) ([]*models.Conversation, error)

	// AppendMessage inserts a message and bumps the conversation's
	// updated_at. Missing ID and CreatedAt are filled in.
	AppendMessage(ctx context.Context, msg *models.Message) error

	// History returns the most recent messages in chronological order.
	// limit <= 0 means no limit.
	History(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)

	// CompleteAssistantMessage marks a pending assistant message complete,
	// writing its final content, blocks, finish reason, and usage.
	CompleteAssistantMessage(ctx context.Context, msg *models.Message) error

	// FailAssistantMessage marks a pending assistant message failed with a
	// stable error code and user-safe message.
	FailAssistantMessage(ctx context.Context, messageID, errorCode, errorMessage string) error

	// Close releases the underlying storage.
	Close() error
}
