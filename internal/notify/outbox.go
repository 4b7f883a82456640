// Package notify delivers queued notifications from the persistence outbox
// to online users, falling back to push for users with no live connection.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Tyrowin/nexus-relay/internal/protocol"
)

// Item is one undelivered outbox row.
type Item struct {
	ID        int64
	UserID    protocol.ID
	Kind      string
	Message   string
	Data      json.RawMessage
	CreatedAt time.Time
}

// Event renders the item as a notification event.
func (it Item) Event() protocol.Event {
	return protocol.NewEvent(protocol.TypeNotification, protocol.Notification{
		ID:      it.ID,
		Kind:    it.Kind,
		Message: it.Message,
		Data:    it.Data,
		At:      it.CreatedAt,
	})
}

// Outbox is the persistence side of notifications.
type Outbox interface {
	// PendingNotifications returns up to limit undelivered items, oldest first.
	PendingNotifications(ctx context.Context, limit int) ([]Item, error)
	MarkNotificationsDelivered(ctx context.Context, ids []int64) error
}
