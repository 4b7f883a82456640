package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/nexus-relay/internal/protocol"
)

const (
	fieldLastActive = "last_active"
	metaPrefix      = "meta:"
)

// RedisStore keeps presence in Redis:
//
//	<prefix>user:<id>        hash   last_active, meta:<key>
//	<prefix>user:<id>:conns  set    connection ids
//	<prefix>conn:<connID>    string owning user id
//	<prefix>online           zset   user id scored by last activity (unix ms)
//	<prefix>seen:<id>        string last-seen unix ms, expires after HistoryTTL
//
// Keys physically expire after twice the TTL; the zset score decides logical
// expiry so the sweep can still find stale users.
type RedisStore struct {
	client *redis.Client
	prefix string
	opts   Options
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, prefix string, opts Options) *RedisStore {
	if prefix == "" {
		prefix = "presence:"
	}
	return &RedisStore{client: client, prefix: prefix, opts: opts.withDefaults()}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) userKey(userID protocol.ID) string  { return s.prefix + "user:" + userID.String() }
func (s *RedisStore) connsKey(userID protocol.ID) string { return s.userKey(userID) + ":conns" }
func (s *RedisStore) connKey(connID string) string       { return s.prefix + "conn:" + connID }
func (s *RedisStore) seenKey(userID protocol.ID) string  { return s.prefix + "seen:" + userID.String() }
func (s *RedisStore) onlineKey() string                  { return s.prefix + "online" }

func (s *RedisStore) physicalTTL() time.Duration { return 2 * s.opts.TTL }

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// MarkOnline records connID as a live connection of userID.
func (s *RedisStore) MarkOnline(ctx context.Context, userID protocol.ID, connID string, metadata map[string]string) error {
	now := s.opts.Now()
	ttl := s.physicalTTL()

	fields := []any{fieldLastActive, now.UnixMilli()}
	for k, v := range metadata {
		fields = append(fields, metaPrefix+k, v)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.userKey(userID), fields...)
		pipe.SAdd(ctx, s.connsKey(userID), connID)
		pipe.Set(ctx, s.connKey(connID), userID.String(), ttl)
		pipe.Expire(ctx, s.userKey(userID), ttl)
		pipe.Expire(ctx, s.connsKey(userID), ttl)
		pipe.ZAdd(ctx, s.onlineKey(), redis.Z{Score: float64(now.UnixMilli()), Member: userID.String()})
		pipe.Del(ctx, s.seenKey(userID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence mark online: %w", err)
	}
	return nil
}

// Touch moves the user's last activity forward to at and renews the key
// expiry of the record and every connection marker it owns.
func (s *RedisStore) Touch(ctx context.Context, userID protocol.ID, at time.Time) error {
	score, err := s.client.ZScore(ctx, s.onlineKey(), userID.String()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotOnline
		}
		return fmt.Errorf("presence touch: %w", err)
	}
	stamp := max(at.UnixMilli(), int64(score))

	conns, err := s.client.SMembers(ctx, s.connsKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("presence touch: %w", err)
	}

	ttl := s.physicalTTL()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.userKey(userID), fieldLastActive, stamp)
		pipe.Expire(ctx, s.userKey(userID), ttl)
		pipe.Expire(ctx, s.connsKey(userID), ttl)
		for _, connID := range conns {
			pipe.Expire(ctx, s.connKey(connID), ttl)
		}
		pipe.ZAdd(ctx, s.onlineKey(), redis.Z{Score: float64(stamp), Member: userID.String()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence touch: %w", err)
	}
	return nil
}

// MarkOffline removes one connection marker.
func (s *RedisStore) MarkOffline(ctx context.Context, connID string) (*Record, error) {
	owner, err := s.client.Get(ctx, s.connKey(connID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("presence mark offline: %w", err)
	}
	userID, err := protocol.ParseID(owner)
	if err != nil {
		return nil, fmt.Errorf("presence mark offline: %w", err)
	}

	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, s.connsKey(userID), connID)
		pipe.Del(ctx, s.connKey(connID))
		return nil
	}); err != nil {
		return nil, fmt.Errorf("presence mark offline: %w", err)
	}

	remaining, err := s.client.SCard(ctx, s.connsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence mark offline: %w", err)
	}
	if remaining > 0 {
		return nil, nil
	}

	rec, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	rec.ConnectionIDs = []string{connID}
	if err := s.drop(ctx, userID, nil, s.opts.Now()); err != nil {
		return nil, err
	}
	return &rec, nil
}

// IsOnline reports whether the user's score is within the TTL.
func (s *RedisStore) IsOnline(ctx context.Context, userID protocol.ID) (bool, error) {
	score, err := s.client.ZScore(ctx, s.onlineKey(), userID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("presence is online: %w", err)
	}
	return s.freshScore(score), nil
}

func (s *RedisStore) freshScore(score float64) bool {
	cutoff := s.opts.Now().Add(-s.opts.TTL).UnixMilli()
	return int64(score) >= cutoff
}

// ListOnline returns live records, most recently active first.
func (s *RedisStore) ListOnline(ctx context.Context, limit int) ([]Record, error) {
	cutoff := s.opts.Now().Add(-s.opts.TTL).UnixMilli()
	by := &redis.ZRangeBy{Min: strconv.FormatInt(cutoff, 10), Max: "+inf"}
	if limit > 0 {
		by.Count = int64(limit)
	}
	members, err := s.client.ZRevRangeByScore(ctx, s.onlineKey(), by).Result()
	if err != nil {
		return nil, fmt.Errorf("presence list online: %w", err)
	}
	return s.loadAll(ctx, members)
}

// StatusOf returns the user's online record, last-seen time or neither.
func (s *RedisStore) StatusOf(ctx context.Context, userID protocol.ID) (Status, error) {
	score, err := s.client.ZScore(ctx, s.onlineKey(), userID.String()).Result()
	switch {
	case err == nil && s.freshScore(score):
		rec, err := s.load(ctx, userID)
		if err != nil {
			return Status{}, err
		}
		return Status{UserID: userID, Online: true, Record: &rec}, nil
	case err == nil:
		seen := time.UnixMilli(int64(score))
		return Status{UserID: userID, LastSeen: &seen}, nil
	case !errors.Is(err, redis.Nil):
		return Status{}, fmt.Errorf("presence status: %w", err)
	}

	raw, err := s.client.Get(ctx, s.seenKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return Status{UserID: userID}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("presence status: %w", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Status{UserID: userID}, nil
	}
	seen := time.UnixMilli(ms)
	return Status{UserID: userID, LastSeen: &seen}, nil
}

// Expired lists users whose score is older than the TTL at now.
func (s *RedisStore) Expired(ctx context.Context, now time.Time) ([]Record, error) {
	cutoff := now.Add(-s.opts.TTL).UnixMilli()
	members, err := s.client.ZRangeByScore(ctx, s.onlineKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("presence expired: %w", err)
	}
	return s.loadAll(ctx, members)
}

// ForceOffline drops the user's record and connection markers.
func (s *RedisStore) ForceOffline(ctx context.Context, userID protocol.ID) (*Record, error) {
	if _, err := s.client.ZScore(ctx, s.onlineKey(), userID.String()).Result(); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("presence force offline: %w", err)
	}
	rec, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.drop(ctx, userID, rec.ConnectionIDs, rec.LastActive); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) drop(ctx context.Context, userID protocol.ID, conns []string, seen time.Time) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, connID := range conns {
			pipe.Del(ctx, s.connKey(connID))
		}
		pipe.Del(ctx, s.userKey(userID), s.connsKey(userID))
		pipe.ZRem(ctx, s.onlineKey(), userID.String())
		pipe.Set(ctx, s.seenKey(userID), seen.UnixMilli(), s.opts.HistoryTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence drop %s: %w", userID, err)
	}
	return nil
}

func (s *RedisStore) load(ctx context.Context, userID protocol.ID) (Record, error) {
	var (
		hash  *redis.MapStringStringCmd
		conns *redis.StringSliceCmd
		score *redis.FloatCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		hash = pipe.HGetAll(ctx, s.userKey(userID))
		conns = pipe.SMembers(ctx, s.connsKey(userID))
		score = pipe.ZScore(ctx, s.onlineKey(), userID.String())
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Record{}, fmt.Errorf("presence load %s: %w", userID, err)
	}

	rec := Record{UserID: userID, TTL: s.opts.TTL}
	fields := hash.Val()
	if ms, err := strconv.ParseInt(fields[fieldLastActive], 10, 64); err == nil {
		rec.LastActive = time.UnixMilli(ms)
	} else if score.Err() == nil {
		rec.LastActive = time.UnixMilli(int64(score.Val()))
	}
	for k, v := range fields {
		if name, ok := strings.CutPrefix(k, metaPrefix); ok {
			if rec.Metadata == nil {
				rec.Metadata = make(map[string]string)
			}
			rec.Metadata[name] = v
		}
	}
	rec.ConnectionIDs = conns.Val()
	sort.Strings(rec.ConnectionIDs)
	return rec, nil
}

func (s *RedisStore) loadAll(ctx context.Context, members []string) ([]Record, error) {
	records := make([]Record, 0, len(members))
	for _, member := range members {
		userID, err := protocol.ParseID(member)
		if err != nil {
			continue
		}
		rec, err := s.load(ctx, userID)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
