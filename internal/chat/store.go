// Package chat resolves client-supplied chat identifiers to canonical chats
// and defines the persistence boundary the relay talks to.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/Tyrowin/nexus-relay/internal/protocol"
)

// ErrChatNotFound is returned by stores for unknown chats.
var ErrChatNotFound = errors.New("chat not found")

// Message kinds.
const (
	KindText  = "text"
	KindFile  = "file"
	KindImage = "image"
)

// NewMessage is a message to persist.
type NewMessage struct {
	ChatID  protocol.ID
	UserID  protocol.ID
	Content string
	Kind    string
	FileID  *protocol.ID
}

// StoredMessage is what the store reports back after persisting.
type StoredMessage struct {
	ID        protocol.ID
	CreatedAt time.Time
}

// Store is the relational persistence collaborator.
type Store interface {
	ChatExists(ctx context.Context, chatID protocol.ID) (bool, error)
	// FindChatBetweenUsers returns the two-party chat of a and b regardless
	// of argument order.
	FindChatBetweenUsers(ctx context.Context, a, b protocol.ID) (protocol.ID, bool, error)
	CreateChat(ctx context.Context, userIDs []protocol.ID) (protocol.ID, error)
	SendMessage(ctx context.Context, msg NewMessage) (StoredMessage, error)
	MarkMessagesAsRead(ctx context.Context, chatID, userID protocol.ID) (int64, error)
	ChatMembers(ctx context.Context, chatID protocol.ID) ([]protocol.ID, error)
}
