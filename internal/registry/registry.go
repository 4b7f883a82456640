package registry

import (
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/Tyrowin/nexus-relay/internal/protocol"
)

var (
	// ErrDuplicateConn is returned when registering an id twice.
	ErrDuplicateConn = errors.New("connection already registered")
	// ErrUnknownConn is returned for connections that are not registered.
	ErrUnknownConn = errors.New("connection not registered")
	// ErrAlreadyAuthenticated is returned on a second auth.
	ErrAlreadyAuthenticated = errors.New("connection already authenticated")
	// ErrInvalidUser is returned when authenticating as the zero id.
	ErrInvalidUser = errors.New("invalid user id")
	// ErrInvalidRoom is returned when joining the zero room.
	ErrInvalidRoom = errors.New("invalid room id")
)

// Registry maps live connections to users and rooms. It is not safe for
// concurrent use: the event loop is its only writer and reader.
type Registry struct {
	conns map[string]*Conn
	users map[protocol.ID]map[string]*Conn
	rooms map[protocol.ID]map[string]*Conn
	// owners is the reverse index connection id -> user id.
	owners map[string]protocol.ID
	logger *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]*Conn),
		users:  make(map[protocol.ID]map[string]*Conn),
		rooms:  make(map[protocol.ID]map[string]*Conn),
		owners: make(map[string]protocol.ID),
		logger: logger,
	}
}

// Register adds a freshly accepted connection.
func (r *Registry) Register(c *Conn) error {
	if _, exists := r.conns[c.id]; exists {
		return ErrDuplicateConn
	}
	r.conns[c.id] = c
	r.logger.Debug("connection registered", "conn", c.id, "addr", c.addr, "total", len(r.conns))
	return nil
}

// Removal describes what Unregister tore down.
type Removal struct {
	Conn *Conn
	// UserID is zero for connections that never authenticated.
	UserID protocol.ID
	// Rooms the connection was a member of.
	Rooms []protocol.ID
	// LastForUser is true when the user has no connection left.
	LastForUser bool
	// Calls initiated by the connection that were still open.
	Calls map[string]protocol.ID
}

// Unregister removes the connection from every index and stops its heartbeat.
// The heartbeat is stopped before Unregister returns and never stopped twice.
func (r *Registry) Unregister(c *Conn) (Removal, bool) {
	if _, ok := r.conns[c.id]; !ok {
		return Removal{}, false
	}

	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}

	removal := Removal{Conn: c, Rooms: r.LeaveAllRooms(c), Calls: c.Calls()}
	c.calls = nil

	if userID, ok := r.UserOf(c.id); ok {
		removal.UserID = userID
		delete(r.owners, c.id)
		if set := r.users[userID]; set != nil {
			delete(set, c.id)
			if len(set) == 0 {
				delete(r.users, userID)
				removal.LastForUser = true
			}
		}
	}

	delete(r.conns, c.id)
	r.logger.Debug("connection unregistered", "conn", c.id, "user", removal.UserID, "total", len(r.conns))
	return removal, true
}

// Authenticate binds the connection to a user. Re-authentication is refused.
// It reports whether this is the user's first live connection.
func (r *Registry) Authenticate(c *Conn, userID protocol.ID) (bool, error) {
	if _, ok := r.conns[c.id]; !ok {
		return false, ErrUnknownConn
	}
	if c.authenticated {
		return false, ErrAlreadyAuthenticated
	}
	if userID.IsZero() {
		return false, ErrInvalidUser
	}

	c.userID = userID
	c.authenticated = true
	r.owners[c.id] = userID

	set := r.users[userID]
	first := len(set) == 0
	if set == nil {
		set = make(map[string]*Conn)
		r.users[userID] = set
	}
	set[c.id] = c
	return first, nil
}

// SetMetadata keeps the client metadata an authenticated connection
// announced, so presence can be rebuilt from it later.
func (r *Registry) SetMetadata(c *Conn, metadata map[string]string) error {
	if _, ok := r.conns[c.id]; !ok {
		return ErrUnknownConn
	}
	if len(metadata) == 0 {
		c.metadata = nil
		return nil
	}
	c.metadata = make(map[string]string, len(metadata))
	for k, v := range metadata {
		c.metadata[k] = v
	}
	return nil
}

// Join is the outcome of JoinRoom.
type Join struct {
	// Joined is false when the connection was already in the room.
	Joined bool
	// Left is the room the connection had to leave, if any.
	Left    protocol.ID
	HadLeft bool
}

// JoinRoom puts the connection in roomID, leaving its previous room. Joining
// the room the connection is already in is a no-op.
func (r *Registry) JoinRoom(c *Conn, roomID protocol.ID) (Join, error) {
	if _, ok := r.conns[c.id]; !ok {
		return Join{}, ErrUnknownConn
	}
	if roomID.IsZero() {
		return Join{}, ErrInvalidRoom
	}
	if c.inRoom && c.room == roomID {
		return Join{}, nil
	}

	var result Join
	if c.inRoom {
		result.Left = c.room
		result.HadLeft = true
		r.removeFromRoom(c, c.room)
	}

	members := r.rooms[roomID]
	if members == nil {
		members = make(map[string]*Conn)
		r.rooms[roomID] = members
	}
	members[c.id] = c
	c.room = roomID
	c.inRoom = true
	result.Joined = true
	return result, nil
}

// LeaveAllRooms removes the connection from every room it is in and returns
// those rooms. Empty rooms are deleted.
func (r *Registry) LeaveAllRooms(c *Conn) []protocol.ID {
	if !c.inRoom {
		return nil
	}
	room := c.room
	r.removeFromRoom(c, room)
	return []protocol.ID{room}
}

func (r *Registry) removeFromRoom(c *Conn, roomID protocol.ID) {
	if members := r.rooms[roomID]; members != nil {
		delete(members, c.id)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	c.room = 0
	c.inRoom = false
}

// ConnectionsInRoom returns a snapshot of the room's members.
func (r *Registry) ConnectionsInRoom(roomID protocol.ID) []*Conn {
	return snapshot(r.rooms[roomID])
}

// ConnectionsForUser returns a snapshot of the user's live connections.
func (r *Registry) ConnectionsForUser(userID protocol.ID) []*Conn {
	return snapshot(r.users[userID])
}

// UsersInRoom returns the distinct authenticated users in a room, ascending.
func (r *Registry) UsersInRoom(roomID protocol.ID) []protocol.ID {
	seen := make(map[protocol.ID]struct{})
	for _, c := range r.rooms[roomID] {
		if c.authenticated {
			seen[c.userID] = struct{}{}
		}
	}
	return sortedIDs(seen)
}

// RoomsForUser returns the rooms any of the user's connections are in.
func (r *Registry) RoomsForUser(userID protocol.ID) []protocol.ID {
	seen := make(map[protocol.ID]struct{})
	for _, c := range r.users[userID] {
		if c.inRoom {
			seen[c.room] = struct{}{}
		}
	}
	return sortedIDs(seen)
}

// UserOf resolves a connection id to its user through the reverse index.
func (r *Registry) UserOf(connID string) (protocol.ID, bool) {
	userID, ok := r.owners[connID]
	return userID, ok
}

// Get looks up a connection by id.
func (r *Registry) Get(connID string) (*Conn, bool) {
	c, ok := r.conns[connID]
	return c, ok
}

// Contains reports whether c is still registered.
func (r *Registry) Contains(c *Conn) bool {
	registered, ok := r.conns[c.id]
	return ok && registered == c
}

// Len returns the number of live connections.
func (r *Registry) Len() int { return len(r.conns) }

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int { return len(r.rooms) }

// UserCount returns the number of users with at least one connection.
func (r *Registry) UserCount() int { return len(r.users) }

// RoomSize returns the number of connections in a room.
func (r *Registry) RoomSize(roomID protocol.ID) int { return len(r.rooms[roomID]) }

// SetHeartbeat attaches the connection's heartbeat timer, stopping any
// previous one.
func (r *Registry) SetHeartbeat(c *Conn, hb Stopper) error {
	if !r.Contains(c) {
		if hb != nil {
			hb.Stop()
		}
		return ErrUnknownConn
	}
	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	c.heartbeat = hb
	return nil
}

// TouchActivity records an inbound frame on the connection.
func (r *Registry) TouchActivity(c *Conn, at time.Time) {
	if at.After(c.lastActivity) {
		c.lastActivity = at
	}
}

// TrackCall remembers a call session the connection initiated.
func (r *Registry) TrackCall(c *Conn, sessionID string, peer protocol.ID) {
	if c.calls == nil {
		c.calls = make(map[string]protocol.ID)
	}
	c.calls[sessionID] = peer
}

// UntrackCall forgets a call session on every connection of userID.
func (r *Registry) UntrackCall(userID protocol.ID, sessionID string) {
	for _, c := range r.users[userID] {
		delete(c.calls, sessionID)
	}
}

func snapshot(set map[string]*Conn) []*Conn {
	if len(set) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func sortedIDs(set map[protocol.ID]struct{}) []protocol.ID {
	out := make([]protocol.ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
