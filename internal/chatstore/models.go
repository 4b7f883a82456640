package chatstore

import (
	"time"
)

// Chat is a conversation. Two-party chats carry a unique PairKey so the
// pair can never get a second chat.
type Chat struct {
	ID        int64   `gorm:"primaryKey;autoIncrement"`
	PairKey   *string `gorm:"size:64;uniqueIndex"`
	CreatedAt time.Time
}

// TableName returns the table name for Chat.
func (Chat) TableName() string { return "chats" }

// Member links a user to a chat.
type Member struct {
	ChatID   int64 `gorm:"primaryKey"`
	UserID   int64 `gorm:"primaryKey;index"`
	JoinedAt time.Time
}

// TableName returns the table name for Member.
func (Member) TableName() string { return "chat_members" }

// Message is a persisted chat message.
type Message struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	ChatID    int64  `gorm:"not null;index:idx_messages_chat_read,priority:1"`
	UserID    int64  `gorm:"not null"`
	Content   string `gorm:"not null"`
	Kind      string `gorm:"size:16;not null;default:text"`
	FileID    *int64
	ReadAt    *time.Time `gorm:"index:idx_messages_chat_read,priority:2"`
	CreatedAt time.Time
}

// TableName returns the table name for Message.
func (Message) TableName() string { return "messages" }

// Notification is an outbox row waiting to reach its user.
type Notification struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	UserID      int64  `gorm:"not null;index"`
	Kind        string `gorm:"size:32;not null"`
	Message     string `gorm:"not null"`
	Data        string
	DeliveredAt *time.Time `gorm:"index"`
	CreatedAt   time.Time
}

// TableName returns the table name for Notification.
func (Notification) TableName() string { return "notifications" }

func models() []any {
	return []any{&Chat{}, &Member{}, &Message{}, &Notification{}}
}
