// Package presence tracks which users are online. Records expire when they
// are not refreshed within the TTL; offline users keep a bounded last-seen
// history so status queries stay cheap.
package presence

import (
	"context"
	"errors"
	"time"

	"github.com/Tyrowin/nexus-relay/internal/protocol"
)

// Defaults for presence expiry.
const (
	DefaultTTL        = 60 * time.Second
	DefaultHistoryTTL = time.Hour
)

// ErrNotOnline is returned by Touch for a user without a presence record.
var ErrNotOnline = errors.New("user is not online")

// Record is one user's cached online state.
type Record struct {
	UserID        protocol.ID       `json:"user_id"`
	ConnectionIDs []string          `json:"connection_ids"`
	LastActive    time.Time         `json:"last_active"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	TTL           time.Duration     `json:"ttl"`
}

// ExpiresAt is the instant after which the record is logically offline.
func (r Record) ExpiresAt() time.Time { return r.LastActive.Add(r.TTL) }

// Status answers a status query. Online users carry their record; offline
// users carry a last-seen time when history still has them.
type Status struct {
	UserID   protocol.ID
	Online   bool
	Record   *Record
	LastSeen *time.Time
}

// Entry renders the status for the wire.
func (s Status) Entry() protocol.PresenceEntry {
	entry := protocol.PresenceEntry{UserID: s.UserID, Status: protocol.StatusOffline, LastSeen: s.LastSeen}
	if s.Online && s.Record != nil {
		lastActive := s.Record.LastActive
		entry.Status = protocol.StatusOnline
		entry.LastActive = &lastActive
		entry.Devices = len(s.Record.ConnectionIDs)
		entry.Metadata = s.Record.Metadata
	}
	return entry
}

// Store is the presence cache. MarkOffline is keyed by connection because a
// user may hold several connections; it returns a record only when the user
// has no connection left.
type Store interface {
	MarkOnline(ctx context.Context, userID protocol.ID, connID string, metadata map[string]string) error
	// Touch records activity observed at the given instant. Last activity
	// never moves backwards.
	Touch(ctx context.Context, userID protocol.ID, at time.Time) error
	MarkOffline(ctx context.Context, connID string) (*Record, error)
	IsOnline(ctx context.Context, userID protocol.ID) (bool, error)
	ListOnline(ctx context.Context, limit int) ([]Record, error)
	StatusOf(ctx context.Context, userID protocol.ID) (Status, error)

	// Expired lists records whose last activity is older than the TTL at now.
	Expired(ctx context.Context, now time.Time) ([]Record, error)
	// ForceOffline drops a user's record and every connection marker it
	// holds. It returns nil when the user had no record.
	ForceOffline(ctx context.Context, userID protocol.ID) (*Record, error)
}

// Options configures a store.
type Options struct {
	TTL        time.Duration
	HistoryTTL time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.HistoryTTL <= 0 {
		o.HistoryTTL = DefaultHistoryTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func mergeMetadata(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
