// Package registry tracks live connections, the user each one authenticated
// as, and the chat room each one has joined.
package registry

import (
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/nexus-relay/internal/protocol"
)

// Sender writes one encoded frame to the transport. Implementations must not
// block: a full or closed transport returns an error instead.
type Sender interface {
	Send(frame []byte) error
}

// Stopper cancels a per-connection timer.
type Stopper interface {
	Stop()
}

// Conn is one live client transport session. All fields are owned by the
// Registry and change only through its methods, on the event loop.
type Conn struct {
	id          string
	addr        string
	sender      Sender
	connectedAt time.Time

	userID        protocol.ID
	authenticated bool
	metadata      map[string]string

	room   protocol.ID
	inRoom bool

	heartbeat    Stopper
	lastActivity time.Time

	// calls maps call sessions this connection initiated to the callee.
	calls map[string]protocol.ID
}

// NewConn wraps a transport sender in an unauthenticated connection with a
// fresh process-unique id.
func NewConn(sender Sender, addr string, now time.Time) *Conn {
	return &Conn{
		id:           uuid.NewString(),
		addr:         addr,
		sender:       sender,
		connectedAt:  now,
		lastActivity: now,
	}
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// Addr returns the remote address the transport reported.
func (c *Conn) Addr() string { return c.addr }

// ConnectedAt returns when the transport was accepted.
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// UserID returns the authenticated user, if any.
func (c *Conn) UserID() (protocol.ID, bool) { return c.userID, c.authenticated }

// Authenticated reports whether auth has completed.
func (c *Conn) Authenticated() bool { return c.authenticated }

// Room returns the joined room, if any.
func (c *Conn) Room() (protocol.ID, bool) { return c.room, c.inRoom }

// LastActivity returns the time of the last inbound frame.
func (c *Conn) LastActivity() time.Time { return c.lastActivity }

// Metadata returns a copy of the client metadata supplied at auth.
func (c *Conn) Metadata() map[string]string {
	if len(c.metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

// Send writes an encoded frame to the connection's transport.
func (c *Conn) Send(frame []byte) error { return c.sender.Send(frame) }

// Calls returns a copy of the call sessions this connection initiated.
func (c *Conn) Calls() map[string]protocol.ID {
	out := make(map[string]protocol.ID, len(c.calls))
	for session, peer := range c.calls {
		out[session] = peer
	}
	return out
}
