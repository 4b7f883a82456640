// Package dispatch routes decoded client frames to the relay's components
// and owns the connection lifecycle (connect, dispatch, disconnect, expiry).
//
// Every Dispatcher method runs on the event loop. Persistence calls are
// handed to Async and their results come back to the loop as continuations.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/Tyrowin/nexus-relay/internal/auth"
	"github.com/Tyrowin/nexus-relay/internal/chat"
	"github.com/Tyrowin/nexus-relay/internal/fanout"
	"github.com/Tyrowin/nexus-relay/internal/presence"
	"github.com/Tyrowin/nexus-relay/internal/protocol"
	"github.com/Tyrowin/nexus-relay/internal/push"
	"github.com/Tyrowin/nexus-relay/internal/registry"
	"github.com/Tyrowin/nexus-relay/internal/signaling"
)

// Async runs work off the event loop. work receives a bounded context; the
// function it returns, if any, runs back on the loop.
type Async interface {
	Go(work func(ctx context.Context) func())
}

// Heartbeats starts per-connection heartbeats.
type Heartbeats interface {
	Attach(c *registry.Conn) error
	HeartbeatInterval() time.Duration
}

// Config tunes the dispatcher.
type Config struct {
	// PresenceTimeout bounds each presence call made on the loop.
	PresenceTimeout time.Duration
	// DefaultOnlineLimit and MaxOnlineLimit bound get_online_users.
	DefaultOnlineLimit int
	MaxOnlineLimit     int
	// MaxStatusLookups bounds get_user_status.
	MaxStatusLookups int
	Now              func() time.Time
}

func (c Config) withDefaults() Config {
	if c.PresenceTimeout <= 0 {
		c.PresenceTimeout = 2 * time.Second
	}
	if c.DefaultOnlineLimit <= 0 {
		c.DefaultOnlineLimit = 50
	}
	if c.MaxOnlineLimit <= 0 {
		c.MaxOnlineLimit = 500
	}
	if c.MaxStatusLookups <= 0 {
		c.MaxStatusLookups = 100
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Deps are the dispatcher's collaborators. Verifier and Push may be nil.
type Deps struct {
	Registry   *registry.Registry
	Fanout     *fanout.Engine
	Presence   presence.Store
	Resolver   *chat.Resolver
	Store      chat.Store
	Relay      *signaling.Relay
	Heartbeats Heartbeats
	Push       push.Notifier
	Verifier   auth.Verifier
	Async      Async
}

type handlerFunc func(c *registry.Conn, f *protocol.Frame) error

type route struct {
	handle handlerFunc
	// public routes are accepted before auth.
	public   bool
	required []string
	// ownUser routes reject a user_id other than the caller's.
	ownUser bool
}

// Dispatcher is the message dispatcher.
type Dispatcher struct {
	reg        *registry.Registry
	fan        *fanout.Engine
	presence   presence.Store
	resolver   *chat.Resolver
	store      chat.Store
	relay      *signaling.Relay
	heartbeats Heartbeats
	push       push.Notifier
	verifier   auth.Verifier
	async      Async
	cfg        Config
	logger     *slog.Logger

	routes map[string]route
}

// New creates a dispatcher.
func New(deps Deps, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	verifier := deps.Verifier
	if verifier == nil {
		verifier = auth.AllowAll{}
	}
	d := &Dispatcher{
		reg:        deps.Registry,
		fan:        deps.Fanout,
		presence:   deps.Presence,
		resolver:   deps.Resolver,
		store:      deps.Store,
		relay:      deps.Relay,
		heartbeats: deps.Heartbeats,
		push:       deps.Push,
		verifier:   verifier,
		async:      deps.Async,
		cfg:        cfg.withDefaults(),
		logger:     logger,
	}
	d.routes = d.buildRoutes()
	return d
}

func (d *Dispatcher) buildRoutes() map[string]route {
	signal := []string{protocol.FieldSessionID, protocol.FieldTo}
	withPayload := []string{protocol.FieldSessionID, protocol.FieldTo, protocol.FieldPayload}
	inChat := []string{protocol.FieldChatID, protocol.FieldUserID}

	return map[string]route{
		protocol.TypeAuth:           {handle: d.handleAuth, public: true, required: []string{protocol.FieldUserID}},
		protocol.TypePing:           {handle: d.handlePing, public: true},
		protocol.TypeHeartbeat:      {handle: d.handleHeartbeat},
		protocol.TypeJoinChat:       {handle: d.handleJoinChat, required: inChat, ownUser: true},
		protocol.TypeChatMessage:    {handle: d.handleChatMessage, required: append(inChat, protocol.FieldContenido), ownUser: true},
		protocol.TypeFileUpload:     {handle: d.handleFileEvent, required: append(inChat, protocol.FieldFileID), ownUser: true},
		protocol.TypeImageUpload:    {handle: d.handleFileEvent, required: append(inChat, protocol.FieldFileID), ownUser: true},
		protocol.TypeMarkAsRead:     {handle: d.handleMarkAsRead, required: inChat, ownUser: true},
		protocol.TypeGetOnlineUsers: {handle: d.handleGetOnlineUsers},
		protocol.TypeGetUserStatus:  {handle: d.handleGetUserStatus, required: []string{protocol.FieldUserID}},
		protocol.TypeInitCall:       {handle: d.handleSignal, required: signal},
		protocol.TypeCallOffer:      {handle: d.handleSignal, required: withPayload},
		protocol.TypeCallAnswer:     {handle: d.handleSignal, required: withPayload},
		protocol.TypeCallCandidate:  {handle: d.handleSignal, required: withPayload},
		protocol.TypeCallEnded:      {handle: d.handleSignal, required: signal},
		protocol.TypeCallReject:     {handle: d.handleSignal, required: signal},
	}
}

func (d *Dispatcher) now() time.Time { return d.cfg.Now() }

func (d *Dispatcher) presenceCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d.cfg.PresenceTimeout)
}

// Connect registers a freshly accepted transport and greets it.
func (d *Dispatcher) Connect(sender registry.Sender, addr string) (*registry.Conn, error) {
	c := registry.NewConn(sender, addr, d.now())
	if err := d.reg.Register(c); err != nil {
		return nil, err
	}
	var interval time.Duration
	if d.heartbeats != nil {
		interval = d.heartbeats.HeartbeatInterval()
	}
	d.fan.Send(c, protocol.NewEvent(protocol.TypeWelcome, protocol.Welcome{
		ConnectionID:      c.ID(),
		ServerTime:        d.now(),
		HeartbeatInterval: interval.Milliseconds(),
	}))
	d.logger.Info("connection opened", "conn", c.ID(), "addr", addr)
	return c, nil
}

// Dispatch handles one raw inbound frame. Errors are reported to the sender;
// the connection always stays open.
func (d *Dispatcher) Dispatch(c *registry.Conn, raw []byte) {
	if !d.reg.Contains(c) {
		return
	}
	d.reg.TouchActivity(c, d.now())

	f, err := protocol.Decode(raw)
	if err != nil {
		d.fail(c, protocol.Errorf(protocol.CodeInvalidFrame, "", "%v", err))
		return
	}
	rt, ok := d.routes[f.Type]
	if !ok {
		d.fail(c, protocol.Errorf(protocol.CodeUnknownType, f.Type, "unknown message type %q", f.Type))
		return
	}
	if !rt.public && !c.Authenticated() {
		d.fail(c, protocol.Errorf(protocol.CodeNotAuthenticated, f.Type, "authenticate first"))
		return
	}
	if field, missing := f.Missing(rt.required...); missing {
		d.fail(c, protocol.Errorf(protocol.CodeMissingField, f.Type, "missing field %s", field))
		return
	}
	if rt.ownUser {
		if userID, _ := c.UserID(); f.UserID != userID {
			d.fail(c, protocol.Errorf(protocol.CodeForbidden, f.Type, "user_id does not match the authenticated user"))
			return
		}
	}
	if c.Authenticated() && f.Type != protocol.TypeAuth {
		d.noteActivity(c)
	}

	if err := rt.handle(c, f); err != nil {
		d.fail(c, protocol.AsError(err, f.Type))
	}
}

func (d *Dispatcher) fail(c *registry.Conn, perr *protocol.Error) {
	d.logger.Debug("request rejected", "conn", c.ID(), "code", perr.Code, "type", perr.RequestType, "message", perr.Message)
	d.fan.Send(c, perr.Event())
}

// Disconnect is the single close path for a connection: unregister (which
// stops its heartbeat), end the calls it opened, leave its room and, when it
// was the user's last connection, mark the user offline.
func (d *Dispatcher) Disconnect(c *registry.Conn) {
	rem, ok := d.reg.Unregister(c)
	if !ok {
		return
	}
	d.logger.Info("connection closed", "conn", c.ID(), "user", rem.UserID,
		"addr", c.Addr(), "duration", d.now().Sub(c.ConnectedAt()).Round(time.Millisecond))
	if rem.UserID.IsZero() {
		return
	}

	if n := d.relay.Abandon(rem); n > 0 {
		d.logger.Info("ended calls of closed connection", "conn", c.ID(), "calls", n)
	}
	for _, room := range rem.Rooms {
		d.fan.Emit(room, protocol.NewEvent(protocol.TypeUserLeftChat, protocol.RoomMember{ChatID: room, UserID: rem.UserID}), nil)
	}

	ctx, cancel := d.presenceCtx()
	defer cancel()
	rec, err := d.presence.MarkOffline(ctx, c.ID())
	if err != nil {
		d.logger.Warn("presence mark offline failed", "conn", c.ID(), "user", rem.UserID, "error", err)
	}
	wentOffline := rec != nil || err != nil
	if wentOffline && rem.LastForUser {
		d.broadcastStatus(rem.UserID, protocol.StatusOffline, nil, rem.Rooms)
	}
}

// HandleExpired tells the user's remaining connections and rooms that the
// liveness sweep forced the user offline.
func (d *Dispatcher) HandleExpired(rec presence.Record) {
	d.broadcastStatus(rec.UserID, protocol.StatusOffline, nil, nil)
}

// noteActivity renews the user's presence. A user the sweep already took
// offline comes back online with every live connection.
func (d *Dispatcher) noteActivity(c *registry.Conn) {
	userID, _ := c.UserID()
	ctx, cancel := d.presenceCtx()
	defer cancel()

	err := d.presence.Touch(ctx, userID, c.LastActivity())
	if err == nil {
		return
	}
	if !errors.Is(err, presence.ErrNotOnline) {
		d.logger.Warn("presence touch failed", "conn", c.ID(), "user", userID, "error", err)
		return
	}
	for _, conn := range d.reg.ConnectionsForUser(userID) {
		if err := d.presence.MarkOnline(ctx, userID, conn.ID(), conn.Metadata()); err != nil {
			d.logger.Warn("presence mark online failed", "conn", conn.ID(), "user", userID, "error", err)
			return
		}
	}
	d.logger.Info("user back online", "user", userID)
	d.broadcastStatus(userID, protocol.StatusOnline, c, nil)
}

// broadcastStatus sends user_status_change to the user's connections and
// to every connection in the rooms the user is in, plus extraRooms.
func (d *Dispatcher) broadcastStatus(userID protocol.ID, status string, exclude *registry.Conn, extraRooms []protocol.ID) {
	rooms := append(d.reg.RoomsForUser(userID), extraRooms...)
	targets := d.reg.ConnectionsForUser(userID)
	for _, room := range rooms {
		targets = append(targets, d.reg.ConnectionsInRoom(room)...)
	}
	ev := protocol.NewEvent(protocol.TypeUserStatusChange, protocol.StatusChange{UserID: userID, Status: status, At: d.now()})
	n := d.fan.EmitTo(uniqueConns(targets), ev, exclude)
	d.logger.Debug("status broadcast", "user", userID, "status", status, "delivered", n)
}

func uniqueConns(conns []*registry.Conn) []*registry.Conn {
	seen := make(map[string]struct{}, len(conns))
	out := conns[:0]
	for _, c := range conns {
		if _, ok := seen[c.ID()]; ok {
			continue
		}
		seen[c.ID()] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Stats is a snapshot of registry sizes.
type Stats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
	Rooms       int `json:"rooms"`
}

// Stats reports registry sizes. Must run on the loop.
func (d *Dispatcher) Stats() Stats {
	return Stats{Connections: d.reg.Len(), Users: d.reg.UserCount(), Rooms: d.reg.RoomCount()}
}
