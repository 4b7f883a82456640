package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/nexus-relay/internal/protocol"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storeFactory func(t *testing.T, clock *fakeClock) Store

func newMemory(_ *testing.T, clock *fakeClock) Store {
	return NewMemoryStore(Options{TTL: time.Minute, HistoryTTL: time.Hour, Now: clock.Now})
}

func newRedis(t *testing.T, clock *fakeClock) Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "test:presence:", Options{TTL: time.Minute, HistoryTTL: time.Hour, Now: clock.Now})
}

// forEachStore runs the same behavioural test against every implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, store Store, clock *fakeClock)) {
	t.Helper()
	for name, factory := range map[string]storeFactory{"memory": newMemory, "redis": newRedis} {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			fn(t, factory(t, clock), clock)
		})
	}
}

func TestMarkOnlineCreatesOneRecord(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, _ *fakeClock) {
		ctx := context.Background()
		if err := store.MarkOnline(ctx, 7, "c1", map[string]string{"device": "web"}); err != nil {
			t.Fatalf("MarkOnline() error = %v", err)
		}
		if err := store.MarkOnline(ctx, 7, "c2", nil); err != nil {
			t.Fatalf("MarkOnline() error = %v", err)
		}

		online, err := store.IsOnline(ctx, 7)
		if err != nil || !online {
			t.Fatalf("IsOnline(7) = %v, %v", online, err)
		}

		records, err := store.ListOnline(ctx, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(records) != 1 {
			t.Fatalf("ListOnline() returned %d records, want 1", len(records))
		}
		rec := records[0]
		if rec.UserID != 7 || len(rec.ConnectionIDs) != 2 {
			t.Errorf("record = %+v", rec)
		}
		if rec.Metadata["device"] != "web" {
			t.Errorf("metadata = %v", rec.Metadata)
		}
	})
}

func TestMarkOfflineOnlyReportsLastConnection(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, _ *fakeClock) {
		ctx := context.Background()
		mustMarkOnline(t, store, 7, "c1")
		mustMarkOnline(t, store, 7, "c2")

		rec, err := store.MarkOffline(ctx, "c1")
		if err != nil || rec != nil {
			t.Fatalf("MarkOffline(c1) = %+v, %v; want nil record", rec, err)
		}
		if online, _ := store.IsOnline(ctx, 7); !online {
			t.Fatal("user should stay online with one connection left")
		}

		rec, err = store.MarkOffline(ctx, "c2")
		if err != nil || rec == nil {
			t.Fatalf("MarkOffline(c2) = %+v, %v; want record", rec, err)
		}
		if rec.UserID != 7 {
			t.Errorf("record user = %d, want 7", rec.UserID)
		}
		if online, _ := store.IsOnline(ctx, 7); online {
			t.Error("user should be offline")
		}

		rec, err = store.MarkOffline(ctx, "unknown")
		if err != nil || rec != nil {
			t.Errorf("MarkOffline(unknown) = %+v, %v", rec, err)
		}
	})
}

func TestTouchRenewsTTL(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()
		mustMarkOnline(t, store, 7, "c1")

		clock.Advance(45 * time.Second)
		if err := store.Touch(ctx, 7, clock.Now()); err != nil {
			t.Fatalf("Touch() error = %v", err)
		}
		clock.Advance(45 * time.Second)
		if online, _ := store.IsOnline(ctx, 7); !online {
			t.Error("touched user should still be online")
		}

		clock.Advance(16 * time.Second)
		if online, _ := store.IsOnline(ctx, 7); online {
			t.Error("user should be logically offline after the TTL")
		}

		if err := store.Touch(ctx, 99, clock.Now()); !errors.Is(err, ErrNotOnline) {
			t.Errorf("Touch(99) error = %v, want ErrNotOnline", err)
		}
	})
}

func TestTouchWithOlderActivityKeepsExpiry(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()
		start := clock.Now()
		mustMarkOnline(t, store, 7, "c1")

		clock.Advance(50 * time.Second)
		if err := store.Touch(ctx, 7, start.Add(-10*time.Second)); err != nil {
			t.Fatalf("Touch() error = %v", err)
		}
		if err := store.Touch(ctx, 7, start); err != nil {
			t.Fatalf("Touch() error = %v", err)
		}

		clock.Advance(11 * time.Second)
		if online, _ := store.IsOnline(ctx, 7); online {
			t.Error("touch with old activity extended the TTL")
		}
		expired, err := store.Expired(ctx, clock.Now())
		if err != nil {
			t.Fatalf("Expired() error = %v", err)
		}
		if len(expired) != 1 || !expired[0].LastActive.Equal(start) {
			t.Errorf("Expired() = %+v, want user 7 last active at start", expired)
		}
	})
}

func TestListOnlineOrdersByActivity(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()
		mustMarkOnline(t, store, 1, "a")
		clock.Advance(time.Second)
		mustMarkOnline(t, store, 2, "b")
		clock.Advance(time.Second)
		mustMarkOnline(t, store, 3, "c")
		clock.Advance(time.Second)
		if err := store.Touch(ctx, 1, clock.Now()); err != nil {
			t.Fatal(err)
		}

		records, err := store.ListOnline(ctx, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(records) != 2 || records[0].UserID != 1 || records[1].UserID != 3 {
			t.Errorf("ListOnline(2) = %v, want users [1 3]", userIDs(records))
		}
	})
}

func TestStatusOf(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()

		status, err := store.StatusOf(ctx, 5)
		if err != nil || status.Online || status.LastSeen != nil {
			t.Fatalf("StatusOf(unknown) = %+v, %v; want offline marker", status, err)
		}

		mustMarkOnline(t, store, 5, "c1")
		status, err = store.StatusOf(ctx, 5)
		if err != nil || !status.Online || status.Record == nil {
			t.Fatalf("StatusOf(online) = %+v, %v", status, err)
		}
		if entry := status.Entry(); entry.Status != protocol.StatusOnline || entry.Devices != 1 {
			t.Errorf("Entry() = %+v", entry)
		}

		clock.Advance(10 * time.Second)
		if _, err := store.MarkOffline(ctx, "c1"); err != nil {
			t.Fatal(err)
		}
		status, err = store.StatusOf(ctx, 5)
		if err != nil || status.Online || status.LastSeen == nil {
			t.Fatalf("StatusOf(offline) = %+v, %v; want last seen", status, err)
		}
		if entry := status.Entry(); entry.Status != protocol.StatusOffline || entry.LastSeen == nil {
			t.Errorf("Entry() = %+v", entry)
		}
	})
}

func TestExpiredAndForceOffline(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()
		mustMarkOnline(t, store, 7, "c1")
		mustMarkOnline(t, store, 7, "c2")
		clock.Advance(30 * time.Second)
		mustMarkOnline(t, store, 9, "c3")

		clock.Advance(31 * time.Second)
		expired, err := store.Expired(ctx, clock.Now())
		if err != nil {
			t.Fatal(err)
		}
		if len(expired) != 1 || expired[0].UserID != 7 {
			t.Fatalf("Expired() = %v, want [7]", userIDs(expired))
		}

		rec, err := store.ForceOffline(ctx, 7)
		if err != nil || rec == nil {
			t.Fatalf("ForceOffline(7) = %+v, %v", rec, err)
		}
		if len(rec.ConnectionIDs) != 2 {
			t.Errorf("ForceOffline record connections = %v", rec.ConnectionIDs)
		}
		if online, _ := store.IsOnline(ctx, 7); online {
			t.Error("user 7 should be offline")
		}
		if rec, err := store.MarkOffline(ctx, "c1"); err != nil || rec != nil {
			t.Errorf("connection markers should be gone, MarkOffline(c1) = %+v, %v", rec, err)
		}
		if rec, err := store.ForceOffline(ctx, 7); err != nil || rec != nil {
			t.Errorf("second ForceOffline = %+v, %v", rec, err)
		}
		if online, _ := store.IsOnline(ctx, 9); !online {
			t.Error("user 9 should still be online")
		}
	})
}

func TestMemoryStoreHistoryIsBounded(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(Options{TTL: time.Minute, HistoryTTL: time.Hour, Now: clock.Now})
	ctx := context.Background()

	mustMarkOnline(t, store, 7, "c1")
	if _, err := store.MarkOffline(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Hour)
	if _, err := store.Expired(ctx, clock.Now()); err != nil {
		t.Fatal(err)
	}
	status, err := store.StatusOf(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if status.LastSeen != nil {
		t.Errorf("history should have been pruned, got last seen %v", status.LastSeen)
	}
}

func mustMarkOnline(t *testing.T, store Store, user protocol.ID, conn string) {
	t.Helper()
	if err := store.MarkOnline(context.Background(), user, conn, nil); err != nil {
		t.Fatalf("MarkOnline(%d, %s) error = %v", user, conn, err)
	}
}

func userIDs(records []Record) []protocol.ID {
	ids := make([]protocol.ID, len(records))
	for i, rec := range records {
		ids[i] = rec.UserID
	}
	return ids
}
