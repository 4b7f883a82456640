package chatstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/Tyrowin/nexus-relay/internal/chat"
	"github.com/Tyrowin/nexus-relay/internal/protocol"
)

// setupTestStore opens a private in-memory database.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateAndFindPairChat(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, err := store.CreateChat(ctx, []protocol.ID{9, 7})
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}

	for _, pair := range [][2]protocol.ID{{7, 9}, {9, 7}} {
		found, ok, err := store.FindChatBetweenUsers(ctx, pair[0], pair[1])
		if err != nil || !ok || found != id {
			t.Errorf("FindChatBetweenUsers(%d, %d) = %d, %v, %v; want %d", pair[0], pair[1], found, ok, err, id)
		}
	}

	if _, ok, err := store.FindChatBetweenUsers(ctx, 7, 10); err != nil || ok {
		t.Errorf("FindChatBetweenUsers(7, 10) = %v, %v; want not found", ok, err)
	}

	exists, err := store.ChatExists(ctx, id)
	if err != nil || !exists {
		t.Errorf("ChatExists(%d) = %v, %v", id, exists, err)
	}
	if exists, _ := store.ChatExists(ctx, id+100); exists {
		t.Error("ChatExists(unknown) = true")
	}
}

func TestCreateChatTwiceReturnsSameChat(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first, err := store.CreateChat(ctx, []protocol.ID{7, 9})
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.CreateChat(ctx, []protocol.ID{9, 7})
	if err != nil {
		t.Fatalf("second CreateChat() error = %v", err)
	}
	if first != second {
		t.Errorf("CreateChat() = %d then %d, want the same chat", first, second)
	}

	var count int64
	store.db.Model(&Chat{}).Count(&count)
	if count != 1 {
		t.Errorf("chats = %d, want 1", count)
	}
}

func TestChatMembers(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, err := store.CreateChat(ctx, []protocol.ID{9, 7, 9})
	if err != nil {
		t.Fatal(err)
	}
	members, err := store.ChatMembers(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 || members[0] != 7 || members[1] != 9 {
		t.Errorf("ChatMembers() = %v, want [7 9]", members)
	}

	if _, err := store.ChatMembers(ctx, id+1); !errors.Is(err, chat.ErrChatNotFound) {
		t.Errorf("ChatMembers(unknown) error = %v, want ErrChatNotFound", err)
	}
}

func TestSendMessageAndMarkRead(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, err := store.CreateChat(ctx, []protocol.ID{7, 9})
	if err != nil {
		t.Fatal(err)
	}

	fileID := protocol.ID(31)
	for _, msg := range []chat.NewMessage{
		{ChatID: id, UserID: 7, Content: "hola"},
		{ChatID: id, UserID: 7, Content: "foto.png", Kind: chat.KindImage, FileID: &fileID},
		{ChatID: id, UserID: 9, Content: "hey"},
	} {
		stored, err := store.SendMessage(ctx, msg)
		if err != nil {
			t.Fatalf("SendMessage() error = %v", err)
		}
		if stored.ID.IsZero() || stored.CreatedAt.IsZero() {
			t.Errorf("SendMessage() = %+v", stored)
		}
	}

	var image Message
	if err := store.db.Where("kind = ?", chat.KindImage).First(&image).Error; err != nil {
		t.Fatal(err)
	}
	if image.FileID == nil || *image.FileID != 31 {
		t.Errorf("image file id = %v", image.FileID)
	}

	n, err := store.MarkMessagesAsRead(ctx, id, 9)
	if err != nil || n != 2 {
		t.Fatalf("MarkMessagesAsRead(9) = %d, %v; want 2", n, err)
	}
	if n, _ := store.MarkMessagesAsRead(ctx, id, 9); n != 0 {
		t.Errorf("second MarkMessagesAsRead = %d, want 0", n)
	}

	if _, err := store.SendMessage(ctx, chat.NewMessage{ChatID: id + 50, UserID: 7, Content: "x"}); !errors.Is(err, chat.ErrChatNotFound) {
		t.Errorf("SendMessage(unknown chat) error = %v, want ErrChatNotFound", err)
	}
}

func TestNotificationOutbox(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first, err := store.EnqueueNotification(ctx, 7, "friend_request", "Ana wants to connect", map[string]int{"from": 12})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.EnqueueNotification(ctx, 9, "system", "maintenance tonight", nil); err != nil {
		t.Fatal(err)
	}

	items, err := store.PendingNotifications(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].ID != first || items[0].UserID != 7 {
		t.Fatalf("PendingNotifications() = %+v", items)
	}
	if string(items[0].Data) != `{"from":12}` {
		t.Errorf("data = %s", items[0].Data)
	}
	if items[1].Data != nil {
		t.Errorf("expected no data, got %s", items[1].Data)
	}

	if err := store.MarkNotificationsDelivered(ctx, []int64{first}); err != nil {
		t.Fatal(err)
	}
	items, err = store.PendingNotifications(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].UserID != 9 {
		t.Errorf("after ack PendingNotifications() = %+v", items)
	}
}
