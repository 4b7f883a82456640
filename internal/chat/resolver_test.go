package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/nexus-relay/internal/protocol"
)

var errFlaky = errors.New("database is locked")

type fakeStore struct {
	mu       sync.Mutex
	chats    map[protocol.ID][]protocol.ID
	nextID   protocol.ID
	creates  int
	failures int // remaining transient failures for SendMessage
	sends    int
	gate     chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{chats: make(map[protocol.ID][]protocol.ID), nextID: 100}
}

func (s *fakeStore) ChatExists(_ context.Context, chatID protocol.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.chats[chatID]
	return ok, nil
}

func (s *fakeStore) FindChatBetweenUsers(_ context.Context, a, b protocol.ID) (protocol.ID, bool, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, members := range s.chats {
		if len(members) == 2 && protocol.PairKey(members[0], members[1]) == protocol.PairKey(a, b) {
			return id, true, nil
		}
	}
	return 0, false, nil
}

func (s *fakeStore) CreateChat(_ context.Context, userIDs []protocol.ID) (protocol.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.creates++
	s.chats[s.nextID] = append([]protocol.ID(nil), userIDs...)
	return s.nextID, nil
}

func (s *fakeStore) SendMessage(_ context.Context, msg NewMessage) (StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends++
	if s.failures > 0 {
		s.failures--
		return StoredMessage{}, errFlaky
	}
	if _, ok := s.chats[msg.ChatID]; !ok {
		return StoredMessage{}, ErrChatNotFound
	}
	return StoredMessage{ID: protocol.ID(s.sends), CreatedAt: time.Now()}, nil
}

func (s *fakeStore) MarkMessagesAsRead(context.Context, protocol.ID, protocol.ID) (int64, error) {
	return 0, nil
}

func (s *fakeStore) ChatMembers(_ context.Context, chatID protocol.ID) ([]protocol.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.chats[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}
	return members, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolveExistingChat(t *testing.T) {
	store := newFakeStore()
	store.chats[42] = []protocol.ID{7, 9}
	r := NewResolver(store, quietLogger())

	got, err := r.Resolve(context.Background(), 42, 7, 0)
	if err != nil || got != 42 {
		t.Fatalf("Resolve(42) = %d, %v; want 42", got, err)
	}
	if store.creates != 0 {
		t.Errorf("creates = %d, want 0", store.creates)
	}
}

func TestResolveIsSymmetricAndCreatesOnce(t *testing.T) {
	store := newFakeStore()
	r := NewResolver(store, quietLogger())
	ctx := context.Background()

	// Legacy clients put the peer's user id in chat_id.
	first, err := r.Resolve(ctx, 9, 7, 0)
	if err != nil {
		t.Fatalf("Resolve(7->9) error = %v", err)
	}
	second, err := r.Resolve(ctx, 7, 9, 0)
	if err != nil {
		t.Fatalf("Resolve(9->7) error = %v", err)
	}
	if first != second {
		t.Errorf("resolution not symmetric: %d vs %d", first, second)
	}
	if store.creates != 1 {
		t.Errorf("creates = %d, want 1", store.creates)
	}
}

func TestResolvePrefersExplicitPeer(t *testing.T) {
	store := newFakeStore()
	store.chats[55] = []protocol.ID{7, 12}
	r := NewResolver(store, quietLogger())

	got, err := r.Resolve(context.Background(), 999, 7, 12)
	if err != nil || got != 55 {
		t.Fatalf("Resolve(999, peer 12) = %d, %v; want 55", got, err)
	}
}

func TestResolveRejectsBadInput(t *testing.T) {
	r := NewResolver(newFakeStore(), quietLogger())
	ctx := context.Background()

	if _, err := r.Resolve(ctx, 0, 7, 0); !errors.Is(err, ErrUnresolvable) {
		t.Errorf("Resolve(no chat) error = %v, want ErrUnresolvable", err)
	}
	if _, err := r.Resolve(ctx, 7, 7, 0); !errors.Is(err, ErrSelfChat) {
		t.Errorf("Resolve(self) error = %v, want ErrSelfChat", err)
	}
	if _, err := r.Resolve(ctx, 9, 0, 0); !errors.Is(err, ErrUnresolvable) {
		t.Errorf("Resolve(no user) error = %v, want ErrUnresolvable", err)
	}
}

func TestConcurrentResolutionCreatesOneChat(t *testing.T) {
	store := newFakeStore()
	store.gate = make(chan struct{})
	r := NewResolver(store, quietLogger())

	const callers = 8
	results := make(chan protocol.ID, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user, peer := protocol.ID(7), protocol.ID(9)
			if i%2 == 1 {
				user, peer = peer, user
			}
			id, err := r.Resolve(context.Background(), 0, user, peer)
			if err != nil {
				t.Errorf("Resolve() error = %v", err)
			}
			results <- id
		}(i)
	}

	// Let every caller reach the singleflight group before the lookup returns.
	time.Sleep(50 * time.Millisecond)
	close(store.gate)
	wg.Wait()
	close(results)

	var first protocol.ID
	for id := range results {
		if first == 0 {
			first = id
		}
		if id != first {
			t.Errorf("got chat %d, want %d", id, first)
		}
	}
	if store.creates != 1 {
		t.Errorf("creates = %d, want 1", store.creates)
	}
}

func TestRetryingStoreRetriesTransientErrors(t *testing.T) {
	store := newFakeStore()
	store.chats[42] = []protocol.ID{7, 9}
	store.failures = 2
	rs := NewRetryingStore(store, 3, time.Millisecond, quietLogger())

	msg, err := rs.SendMessage(context.Background(), NewMessage{ChatID: 42, UserID: 7, Content: "hola", Kind: KindText})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if msg.ID.IsZero() {
		t.Error("expected a stored message id")
	}
	if store.sends != 3 {
		t.Errorf("sends = %d, want 3", store.sends)
	}
}

func TestRetryingStoreGivesUp(t *testing.T) {
	store := newFakeStore()
	store.chats[42] = []protocol.ID{7, 9}
	store.failures = 10
	rs := NewRetryingStore(store, 2, time.Millisecond, quietLogger())

	_, err := rs.SendMessage(context.Background(), NewMessage{ChatID: 42, UserID: 7, Content: "hola"})
	if !errors.Is(err, errFlaky) {
		t.Fatalf("SendMessage() error = %v, want errFlaky", err)
	}
	if store.sends != 2 {
		t.Errorf("sends = %d, want 2", store.sends)
	}
}

func TestRetryingStoreDoesNotRetryNotFound(t *testing.T) {
	store := newFakeStore()
	rs := NewRetryingStore(store, 5, time.Millisecond, quietLogger())

	_, err := rs.SendMessage(context.Background(), NewMessage{ChatID: 1, UserID: 7, Content: "hola"})
	if !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("SendMessage() error = %v, want ErrChatNotFound", err)
	}
	if store.sends != 1 {
		t.Errorf("sends = %d, want 1", store.sends)
	}
}
