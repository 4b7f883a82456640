// Package chatstore persists chats, messages and the notification outbox
// with gorm on SQLite.
package chatstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Tyrowin/nexus-relay/internal/chat"
	"github.com/Tyrowin/nexus-relay/internal/notify"
	"github.com/Tyrowin/nexus-relay/internal/protocol"
)

// Store implements chat.Store and notify.Outbox.
type Store struct {
	db     *gorm.DB
	now    func() time.Time
	logger *slog.Logger
}

var (
	_ chat.Store    = (*Store)(nil)
	_ notify.Outbox = (*Store)(nil)
)

// Open opens (creating if needed) the SQLite database at path and migrates
// the schema. ":memory:" gives a private in-memory database.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := gorm.Open(sqlite.Open(dsn(path)), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql handle: %w", err)
	}
	// SQLite allows one writer; in-memory databases are also per-connection.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(models()...); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db, now: time.Now, logger: log}, nil
}

func dsn(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_foreign_keys=on"
}

// Close closes the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ChatExists reports whether chatID names a chat.
func (s *Store) ChatExists(ctx context.Context, chatID protocol.ID) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Chat{}).Where("id = ?", int64(chatID)).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check chat: %w", err)
	}
	return count > 0, nil
}

// FindChatBetweenUsers looks the pair up by its order-independent key.
func (s *Store) FindChatBetweenUsers(ctx context.Context, a, b protocol.ID) (protocol.ID, bool, error) {
	var c Chat
	err := s.db.WithContext(ctx).Where("pair_key = ?", protocol.PairKey(a, b)).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to find chat: %w", err)
	}
	return protocol.ID(c.ID), true, nil
}

// CreateChat creates a chat with the given members. For two members, a
// concurrent creation of the same pair resolves to the chat that won.
func (s *Store) CreateChat(ctx context.Context, userIDs []protocol.ID) (protocol.ID, error) {
	members := dedupe(userIDs)
	if len(members) == 0 {
		return 0, errors.New("failed to create chat: no members")
	}

	c := Chat{CreatedAt: s.now()}
	if len(members) == 2 {
		key := protocol.PairKey(members[0], members[1])
		c.PairKey = &key
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&c).Error; err != nil {
			return err
		}
		rows := make([]Member, len(members))
		for i, id := range members {
			rows[i] = Member{ChatID: c.ID, UserID: int64(id), JoinedAt: c.CreatedAt}
		}
		return tx.Create(&rows).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) && c.PairKey != nil {
		id, found, findErr := s.FindChatBetweenUsers(ctx, members[0], members[1])
		if findErr == nil && found {
			s.logger.Debug("chat created concurrently", "chat", id, "pair", *c.PairKey)
			return id, nil
		}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to create chat: %w", err)
	}
	return protocol.ID(c.ID), nil
}

// SendMessage persists a message in an existing chat.
func (s *Store) SendMessage(ctx context.Context, msg chat.NewMessage) (chat.StoredMessage, error) {
	exists, err := s.ChatExists(ctx, msg.ChatID)
	if err != nil {
		return chat.StoredMessage{}, err
	}
	if !exists {
		return chat.StoredMessage{}, chat.ErrChatNotFound
	}

	kind := msg.Kind
	if kind == "" {
		kind = chat.KindText
	}
	row := Message{
		ChatID:    int64(msg.ChatID),
		UserID:    int64(msg.UserID),
		Content:   msg.Content,
		Kind:      kind,
		CreatedAt: s.now(),
	}
	if msg.FileID != nil {
		fileID := int64(*msg.FileID)
		row.FileID = &fileID
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return chat.StoredMessage{}, fmt.Errorf("failed to store message: %w", err)
	}
	return chat.StoredMessage{ID: protocol.ID(row.ID), CreatedAt: row.CreatedAt}, nil
}

// MarkMessagesAsRead marks every unread message in the chat written by
// someone other than userID and returns how many changed.
func (s *Store) MarkMessagesAsRead(ctx context.Context, chatID, userID protocol.ID) (int64, error) {
	result := s.db.WithContext(ctx).Model(&Message{}).
		Where("chat_id = ? AND user_id <> ? AND read_at IS NULL", int64(chatID), int64(userID)).
		Update("read_at", s.now())
	if err := result.Error; err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}
	return result.RowsAffected, nil
}

// ChatMembers returns the chat's user ids, ascending.
func (s *Store) ChatMembers(ctx context.Context, chatID protocol.ID) ([]protocol.ID, error) {
	var rows []Member
	if err := s.db.WithContext(ctx).Where("chat_id = ?", int64(chatID)).Order("user_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	if len(rows) == 0 {
		return nil, chat.ErrChatNotFound
	}
	out := make([]protocol.ID, len(rows))
	for i, row := range rows {
		out[i] = protocol.ID(row.UserID)
	}
	return out, nil
}

// EnqueueNotification adds an outbox row for userID.
func (s *Store) EnqueueNotification(ctx context.Context, userID protocol.ID, kind, message string, data any) (int64, error) {
	row := Notification{UserID: int64(userID), Kind: kind, Message: message, CreatedAt: s.now()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return 0, fmt.Errorf("failed to encode notification data: %w", err)
		}
		row.Data = string(raw)
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return row.ID, nil
}

// PendingNotifications returns undelivered rows, oldest first.
func (s *Store) PendingNotifications(ctx context.Context, limit int) ([]notify.Item, error) {
	q := s.db.WithContext(ctx).Where("delivered_at IS NULL").Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []Notification
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load notifications: %w", err)
	}
	items := make([]notify.Item, len(rows))
	for i, row := range rows {
		items[i] = notify.Item{
			ID:        row.ID,
			UserID:    protocol.ID(row.UserID),
			Kind:      row.Kind,
			Message:   row.Message,
			CreatedAt: row.CreatedAt,
		}
		if row.Data != "" {
			items[i].Data = json.RawMessage(row.Data)
		}
	}
	return items, nil
}

// MarkNotificationsDelivered stamps the given rows as delivered.
func (s *Store) MarkNotificationsDelivered(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&Notification{}).
		Where("id IN ? AND delivered_at IS NULL", ids).
		Update("delivered_at", s.now()).Error
	if err != nil {
		return fmt.Errorf("failed to mark notifications delivered: %w", err)
	}
	return nil
}

func dedupe(ids []protocol.ID) []protocol.ID {
	seen := make(map[protocol.ID]struct{}, len(ids))
	out := make([]protocol.ID, 0, len(ids))
	for _, id := range ids {
		if id.IsZero() {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
