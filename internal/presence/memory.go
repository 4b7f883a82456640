package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Tyrowin/nexus-relay/internal/protocol"
)

type memoryEntry struct {
	lastActive time.Time
	conns      map[string]struct{}
	metadata   map[string]string
}

type lastSeen struct {
	at      time.Time
	expires time.Time
}

// MemoryStore is an in-process Store. It is the default when no Redis
// address is configured.
type MemoryStore struct {
	mu      sync.Mutex
	opts    Options
	users   map[protocol.ID]*memoryEntry
	conns   map[string]protocol.ID
	history map[protocol.ID]lastSeen
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:    opts.withDefaults(),
		users:   make(map[protocol.ID]*memoryEntry),
		conns:   make(map[string]protocol.ID),
		history: make(map[protocol.ID]lastSeen),
	}
}

var _ Store = (*MemoryStore)(nil)

// MarkOnline records connID as a live connection of userID.
func (s *MemoryStore) MarkOnline(_ context.Context, userID protocol.ID, connID string, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	entry := s.users[userID]
	if entry == nil {
		entry = &memoryEntry{conns: make(map[string]struct{})}
		s.users[userID] = entry
	}
	if previous, ok := s.conns[connID]; ok && previous != userID {
		s.detach(previous, connID, now)
	}
	entry.conns[connID] = struct{}{}
	entry.lastActive = now
	entry.metadata = mergeMetadata(entry.metadata, metadata)
	s.conns[connID] = userID
	delete(s.history, userID)
	return nil
}

// Touch moves the user's last activity forward to at.
func (s *MemoryStore) Touch(_ context.Context, userID protocol.ID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.users[userID]
	if entry == nil {
		return ErrNotOnline
	}
	if at.After(entry.lastActive) {
		entry.lastActive = at
	}
	return nil
}

// MarkOffline removes one connection marker.
func (s *MemoryStore) MarkOffline(_ context.Context, connID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.conns[connID]
	if !ok {
		return nil, nil
	}
	return s.detach(userID, connID, s.opts.Now()), nil
}

// detach removes connID from userID and returns the final record when it was
// the last one. Callers hold mu.
func (s *MemoryStore) detach(userID protocol.ID, connID string, now time.Time) *Record {
	delete(s.conns, connID)
	entry := s.users[userID]
	if entry == nil {
		return nil
	}
	delete(entry.conns, connID)
	if len(entry.conns) > 0 {
		return nil
	}
	rec := s.record(userID, entry)
	rec.ConnectionIDs = []string{connID}
	delete(s.users, userID)
	s.remember(userID, now)
	return &rec
}

func (s *MemoryStore) remember(userID protocol.ID, at time.Time) {
	s.history[userID] = lastSeen{at: at, expires: at.Add(s.opts.HistoryTTL)}
}

func (s *MemoryStore) record(userID protocol.ID, entry *memoryEntry) Record {
	conns := make([]string, 0, len(entry.conns))
	for id := range entry.conns {
		conns = append(conns, id)
	}
	sort.Strings(conns)
	var metadata map[string]string
	if len(entry.metadata) > 0 {
		metadata = mergeMetadata(nil, entry.metadata)
	}
	return Record{
		UserID:        userID,
		ConnectionIDs: conns,
		LastActive:    entry.lastActive,
		Metadata:      metadata,
		TTL:           s.opts.TTL,
	}
}

func (s *MemoryStore) fresh(entry *memoryEntry, now time.Time) bool {
	return !now.After(entry.lastActive.Add(s.opts.TTL))
}

// IsOnline reports whether the user has a record refreshed within the TTL.
func (s *MemoryStore) IsOnline(_ context.Context, userID protocol.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.users[userID]
	return entry != nil && s.fresh(entry, s.opts.Now()), nil
}

// ListOnline returns live records, most recently active first.
func (s *MemoryStore) ListOnline(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	records := make([]Record, 0, len(s.users))
	for userID, entry := range s.users {
		if s.fresh(entry, now) {
			records = append(records, s.record(userID, entry))
		}
	}
	sortByActivity(records)
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// StatusOf returns the user's online record, last-seen time or neither.
func (s *MemoryStore) StatusOf(_ context.Context, userID protocol.ID) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	if entry := s.users[userID]; entry != nil {
		if s.fresh(entry, now) {
			rec := s.record(userID, entry)
			return Status{UserID: userID, Online: true, Record: &rec}, nil
		}
		seen := entry.lastActive
		return Status{UserID: userID, LastSeen: &seen}, nil
	}
	if seen, ok := s.history[userID]; ok {
		if now.Before(seen.expires) {
			at := seen.at
			return Status{UserID: userID, LastSeen: &at}, nil
		}
		delete(s.history, userID)
	}
	return Status{UserID: userID}, nil
}

// Expired lists records past their TTL at now. Stale history is pruned on
// the way.
func (s *MemoryStore) Expired(_ context.Context, now time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []Record
	for userID, entry := range s.users {
		if !s.fresh(entry, now) {
			expired = append(expired, s.record(userID, entry))
		}
	}
	for userID, seen := range s.history {
		if !now.Before(seen.expires) {
			delete(s.history, userID)
		}
	}
	sortByActivity(expired)
	return expired, nil
}

// ForceOffline drops the user's record and connection markers.
func (s *MemoryStore) ForceOffline(_ context.Context, userID protocol.ID) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.users[userID]
	if entry == nil {
		return nil, nil
	}
	rec := s.record(userID, entry)
	for connID := range entry.conns {
		delete(s.conns, connID)
	}
	delete(s.users, userID)
	s.remember(userID, entry.lastActive)
	return &rec, nil
}

func sortByActivity(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].LastActive.Equal(records[j].LastActive) {
			return records[i].UserID < records[j].UserID
		}
		return records[i].LastActive.After(records[j].LastActive)
	})
}
