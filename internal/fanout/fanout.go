// Package fanout delivers one outbound event to every connection of a room
// or a user. Each event is encoded once; a failed send is logged and skipped
// so one dead transport never stops delivery to the rest.
package fanout

import (
	"log/slog"

	"github.com/Tyrowin/nexus-relay/internal/protocol"
	"github.com/Tyrowin/nexus-relay/internal/registry"
)

// Directory is the part of the registry fanout reads.
type Directory interface {
	ConnectionsInRoom(roomID protocol.ID) []*registry.Conn
	ConnectionsForUser(userID protocol.ID) []*registry.Conn
}

// Engine fans events out over a Directory. Like the registry, it is used
// from the event loop only.
type Engine struct {
	dir    Directory
	logger *slog.Logger
}

// New creates an engine.
func New(dir Directory, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{dir: dir, logger: logger}
}

// Emit delivers ev to every connection in roomID except exclude (which may
// be nil) and returns the number of successful sends.
func (e *Engine) Emit(roomID protocol.ID, ev protocol.Event, exclude *registry.Conn) int {
	return e.EmitTo(e.dir.ConnectionsInRoom(roomID), ev, exclude)
}

// EmitToUser delivers ev to every live connection of userID.
func (e *Engine) EmitToUser(userID protocol.ID, ev protocol.Event) int {
	return e.EmitTo(e.dir.ConnectionsForUser(userID), ev, nil)
}

// EmitTo delivers ev to an explicit connection list.
func (e *Engine) EmitTo(conns []*registry.Conn, ev protocol.Event, exclude *registry.Conn) int {
	if len(conns) == 0 {
		return 0
	}
	frame, err := ev.Encode()
	if err != nil {
		e.logger.Error("failed to encode event", "type", ev.Type, "error", err)
		return 0
	}

	delivered := 0
	for _, c := range conns {
		if c == exclude {
			continue
		}
		if err := c.Send(frame); err != nil {
			e.logger.Warn("delivery failed", "conn", c.ID(), "type", ev.Type, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Send delivers ev to a single connection.
func (e *Engine) Send(c *registry.Conn, ev protocol.Event) bool {
	return e.EmitTo([]*registry.Conn{c}, ev, nil) == 1
}
