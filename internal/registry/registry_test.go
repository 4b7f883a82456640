package registry

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Tyrowin/nexus-relay/internal/protocol"
)

type nopSender struct{}

func (nopSender) Send([]byte) error { return nil }

type countingStopper struct{ stops int }

func (s *countingStopper) Stop() { s.stops++ }

func newTestRegistry() *Registry {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newRegisteredConn(t *testing.T, r *Registry) *Conn {
	t.Helper()
	c := NewConn(nopSender{}, "127.0.0.1:1234", time.Now())
	if err := r.Register(c); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return c
}

func TestNewConnHasUniqueID(t *testing.T) {
	a := NewConn(nopSender{}, "a", time.Now())
	b := NewConn(nopSender{}, "b", time.Now())
	if a.ID() == "" || a.ID() == b.ID() {
		t.Fatalf("expected unique ids, got %q and %q", a.ID(), b.ID())
	}
	if _, ok := a.UserID(); ok {
		t.Error("new connection should not be authenticated")
	}
	if _, ok := a.Room(); ok {
		t.Error("new connection should not be in a room")
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := newTestRegistry()
	c := newRegisteredConn(t, r)
	if err := r.Register(c); !errors.Is(err, ErrDuplicateConn) {
		t.Fatalf("expected ErrDuplicateConn, got %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	r := newTestRegistry()
	c1 := newRegisteredConn(t, r)
	c2 := newRegisteredConn(t, r)

	first, err := r.Authenticate(c1, 7)
	if err != nil || !first {
		t.Fatalf("Authenticate(c1) = %v, %v; want first connection", first, err)
	}
	first, err = r.Authenticate(c2, 7)
	if err != nil || first {
		t.Fatalf("Authenticate(c2) = %v, %v; want second connection", first, err)
	}
	if _, err := r.Authenticate(c1, 9); !errors.Is(err, ErrAlreadyAuthenticated) {
		t.Errorf("expected ErrAlreadyAuthenticated, got %v", err)
	}
	if got := len(r.ConnectionsForUser(7)); got != 2 {
		t.Errorf("ConnectionsForUser(7) = %d connections, want 2", got)
	}
	if user, ok := r.UserOf(c2.ID()); !ok || user != 7 {
		t.Errorf("UserOf(c2) = %v, %v", user, ok)
	}

	c3 := newRegisteredConn(t, r)
	if _, err := r.Authenticate(c3, 0); !errors.Is(err, ErrInvalidUser) {
		t.Errorf("expected ErrInvalidUser, got %v", err)
	}
}

func TestJoinRoomIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	c := newRegisteredConn(t, r)

	join, err := r.JoinRoom(c, 42)
	if err != nil || !join.Joined {
		t.Fatalf("first JoinRoom = %+v, %v", join, err)
	}
	join, err = r.JoinRoom(c, 42)
	if err != nil || join.Joined {
		t.Fatalf("second JoinRoom = %+v, %v; want no-op", join, err)
	}
	if got := r.RoomSize(42); got != 1 {
		t.Errorf("RoomSize(42) = %d, want 1", got)
	}
}

func TestJoinRoomLeavesPreviousRoom(t *testing.T) {
	r := newTestRegistry()
	c := newRegisteredConn(t, r)

	if _, err := r.JoinRoom(c, 42); err != nil {
		t.Fatal(err)
	}
	join, err := r.JoinRoom(c, 43)
	if err != nil {
		t.Fatal(err)
	}
	if !join.HadLeft || join.Left != 42 {
		t.Errorf("JoinRoom(43) = %+v, want left room 42", join)
	}
	if r.RoomSize(42) != 0 || r.RoomCount() != 1 {
		t.Errorf("room 42 should be deleted; rooms = %d", r.RoomCount())
	}
	if room, ok := c.Room(); !ok || room != 43 {
		t.Errorf("Room() = %v, %v", room, ok)
	}
	if _, err := r.JoinRoom(c, 0); !errors.Is(err, ErrInvalidRoom) {
		t.Errorf("expected ErrInvalidRoom, got %v", err)
	}
}

func TestUnregisterRemovesEveryReference(t *testing.T) {
	r := newTestRegistry()
	c1 := newRegisteredConn(t, r)
	c2 := newRegisteredConn(t, r)
	if _, err := r.Authenticate(c1, 7); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Authenticate(c2, 7); err != nil {
		t.Fatal(err)
	}
	if _, err := r.JoinRoom(c1, 42); err != nil {
		t.Fatal(err)
	}
	hb := &countingStopper{}
	if err := r.SetHeartbeat(c1, hb); err != nil {
		t.Fatal(err)
	}
	r.TrackCall(c1, "s1", 9)

	removal, ok := r.Unregister(c1)
	if !ok {
		t.Fatal("Unregister() reported unknown connection")
	}
	if removal.UserID != 7 || removal.LastForUser {
		t.Errorf("removal = %+v; want user 7, not last", removal)
	}
	if len(removal.Rooms) != 1 || removal.Rooms[0] != 42 {
		t.Errorf("removal.Rooms = %v, want [42]", removal.Rooms)
	}
	if removal.Calls["s1"] != 9 {
		t.Errorf("removal.Calls = %v", removal.Calls)
	}
	if hb.stops != 1 {
		t.Errorf("heartbeat stopped %d times, want 1", hb.stops)
	}

	if r.Contains(c1) {
		t.Error("connection still registered")
	}
	if len(r.ConnectionsInRoom(42)) != 0 || r.RoomCount() != 0 {
		t.Error("connection still referenced by a room")
	}
	for _, c := range r.ConnectionsForUser(7) {
		if c == c1 {
			t.Error("connection still referenced by its user")
		}
	}
	if _, ok := r.UserOf(c1.ID()); ok {
		t.Error("reverse index still references the connection")
	}

	if _, ok := r.Unregister(c1); ok {
		t.Error("second Unregister() should report unknown connection")
	}
	if hb.stops != 1 {
		t.Errorf("heartbeat stopped %d times after double unregister, want 1", hb.stops)
	}

	removal, _ = r.Unregister(c2)
	if !removal.LastForUser {
		t.Error("expected last connection for user 7")
	}
	if r.UserCount() != 0 || r.Len() != 0 {
		t.Errorf("registry not empty: users=%d conns=%d", r.UserCount(), r.Len())
	}
}

func TestSetHeartbeatOnUnknownConnStopsTimer(t *testing.T) {
	r := newTestRegistry()
	c := NewConn(nopSender{}, "x", time.Now())
	hb := &countingStopper{}
	if err := r.SetHeartbeat(c, hb); !errors.Is(err, ErrUnknownConn) {
		t.Fatalf("expected ErrUnknownConn, got %v", err)
	}
	if hb.stops != 1 {
		t.Errorf("orphan heartbeat should be stopped, stops = %d", hb.stops)
	}
}

func TestUsersAndRoomsForUser(t *testing.T) {
	r := newTestRegistry()
	a := newRegisteredConn(t, r)
	b := newRegisteredConn(t, r)
	anon := newRegisteredConn(t, r)
	mustAuth(t, r, a, 7)
	mustAuth(t, r, b, 9)
	for _, c := range []*Conn{a, b, anon} {
		if _, err := r.JoinRoom(c, 42); err != nil {
			t.Fatal(err)
		}
	}

	users := r.UsersInRoom(42)
	if len(users) != 2 || users[0] != 7 || users[1] != 9 {
		t.Errorf("UsersInRoom(42) = %v, want [7 9]", users)
	}
	rooms := r.RoomsForUser(9)
	if len(rooms) != 1 || rooms[0] != 42 {
		t.Errorf("RoomsForUser(9) = %v", rooms)
	}
	if got := len(r.ConnectionsInRoom(42)); got != 3 {
		t.Errorf("ConnectionsInRoom(42) = %d, want 3", got)
	}
}

func TestTouchActivityIsMonotonic(t *testing.T) {
	r := newTestRegistry()
	start := time.Now()
	c := NewConn(nopSender{}, "x", start)
	r.TouchActivity(c, start.Add(time.Second))
	r.TouchActivity(c, start)
	if !c.LastActivity().Equal(start.Add(time.Second)) {
		t.Errorf("LastActivity() = %v", c.LastActivity())
	}
}

func mustAuth(t *testing.T, r *Registry, c *Conn, user protocol.ID) {
	t.Helper()
	if _, err := r.Authenticate(c, user); err != nil {
		t.Fatalf("Authenticate(%d) error = %v", user, err)
	}
}

func TestSetMetadataCopiesInput(t *testing.T) {
	r := newTestRegistry()
	c := NewConn(nopSender{}, "127.0.0.1:1", time.Now())
	if err := r.SetMetadata(c, map[string]string{"device": "web"}); !errors.Is(err, ErrUnknownConn) {
		t.Fatalf("SetMetadata(unregistered) error = %v, want ErrUnknownConn", err)
	}
	if err := r.Register(c); err != nil {
		t.Fatal(err)
	}

	md := map[string]string{"device": "web"}
	if err := r.SetMetadata(c, md); err != nil {
		t.Fatalf("SetMetadata() error = %v", err)
	}
	md["device"] = "changed"
	got := c.Metadata()
	if got["device"] != "web" {
		t.Errorf("Metadata() = %v, want device web", got)
	}
	got["device"] = "mutated"
	if c.Metadata()["device"] != "web" {
		t.Error("Metadata() exposed internal map")
	}
}
