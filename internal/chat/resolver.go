package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/Tyrowin/nexus-relay/internal/protocol"
)

var (
	// ErrUnresolvable is returned when neither a chat nor a peer can be
	// derived from the request.
	ErrUnresolvable = errors.New("cannot resolve chat")
	// ErrSelfChat is returned when a user names themself as the peer.
	ErrSelfChat = errors.New("cannot open a chat with yourself")
)

// Resolver turns a client-supplied chat identifier into the canonical chat.
//
// Clients may send a real chat id, a peer user id in the chat_id field
// (legacy), or an explicit peer_user_id. Resolution order:
//  1. chat_id names an existing chat: use it.
//  2. otherwise the peer (peer_user_id, else chat_id) and the user have a
//     two-party chat: use it.
//  3. otherwise create that two-party chat.
//
// Concurrent resolutions of the same unordered pair share one lookup/create,
// so a pair never ends up with two chats from this process.
type Resolver struct {
	store  Store
	group  singleflight.Group
	logger *slog.Logger
}

// NewResolver creates a resolver over store.
func NewResolver(store Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, logger: logger}
}

// Resolve returns the canonical chat id.
func (r *Resolver) Resolve(ctx context.Context, candidateID, userID, otherUserID protocol.ID) (protocol.ID, error) {
	if userID.IsZero() {
		return 0, fmt.Errorf("%w: no user", ErrUnresolvable)
	}

	if !candidateID.IsZero() {
		exists, err := r.store.ChatExists(ctx, candidateID)
		if err != nil {
			return 0, fmt.Errorf("check chat %s: %w", candidateID, err)
		}
		if exists {
			return candidateID, nil
		}
	}

	peer := otherUserID
	if peer.IsZero() {
		peer = candidateID
	}
	if peer.IsZero() {
		return 0, fmt.Errorf("%w: no chat or peer given", ErrUnresolvable)
	}
	if peer == userID {
		return 0, ErrSelfChat
	}

	chatID, err := r.chatBetween(ctx, userID, peer)
	if err != nil {
		return 0, err
	}
	if chatID != candidateID {
		r.logger.Debug("resolved chat from peer", "candidate", candidateID, "user", userID, "peer", peer, "chat", chatID)
	}
	return chatID, nil
}

func (r *Resolver) chatBetween(ctx context.Context, a, b protocol.ID) (protocol.ID, error) {
	v, err, _ := r.group.Do(protocol.PairKey(a, b), func() (interface{}, error) {
		chatID, found, err := r.store.FindChatBetweenUsers(ctx, a, b)
		if err != nil {
			return protocol.ID(0), fmt.Errorf("find chat between %s and %s: %w", a, b, err)
		}
		if found {
			return chatID, nil
		}
		chatID, err = r.store.CreateChat(ctx, []protocol.ID{a, b})
		if err != nil {
			return protocol.ID(0), fmt.Errorf("create chat between %s and %s: %w", a, b, err)
		}
		r.logger.Info("created chat", "chat", chatID, "users", protocol.PairKey(a, b))
		return chatID, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(protocol.ID), nil
}
