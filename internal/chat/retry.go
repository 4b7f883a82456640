package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Tyrowin/nexus-relay/internal/protocol"
)

// RetryingStore retries transient store failures with exponential backoff.
// Not-found and context errors are returned immediately.
type RetryingStore struct {
	next     Store
	maxTries uint
	initial  time.Duration
	logger   *slog.Logger
}

// NewRetryingStore wraps next. maxTries counts the first attempt.
func NewRetryingStore(next Store, maxTries uint, initial time.Duration, logger *slog.Logger) *RetryingStore {
	if maxTries == 0 {
		maxTries = 3
	}
	if initial <= 0 {
		initial = 50 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingStore{next: next, maxTries: maxTries, initial: initial, logger: logger}
}

var _ Store = (*RetryingStore)(nil)

func retry[T any](ctx context.Context, s *RetryingStore, name string, op func() (T, error)) (T, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.initial
	policy.MaxInterval = 20 * s.initial

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && permanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(s.maxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.logger.Warn("store call failed, retrying", "op", name, "error", err, "wait", wait)
		}),
	)
}

func permanent(err error) bool {
	return errors.Is(err, ErrChatNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (s *RetryingStore) ChatExists(ctx context.Context, chatID protocol.ID) (bool, error) {
	return retry(ctx, s, "chat_exists", func() (bool, error) {
		return s.next.ChatExists(ctx, chatID)
	})
}

type pairResult struct {
	id    protocol.ID
	found bool
}

func (s *RetryingStore) FindChatBetweenUsers(ctx context.Context, a, b protocol.ID) (protocol.ID, bool, error) {
	res, err := retry(ctx, s, "find_chat", func() (pairResult, error) {
		id, found, err := s.next.FindChatBetweenUsers(ctx, a, b)
		return pairResult{id: id, found: found}, err
	})
	return res.id, res.found, err
}

// CreateChat is not retried: a failed create may still have committed, and
// the resolver's next lookup finds it.
func (s *RetryingStore) CreateChat(ctx context.Context, userIDs []protocol.ID) (protocol.ID, error) {
	return s.next.CreateChat(ctx, userIDs)
}

func (s *RetryingStore) SendMessage(ctx context.Context, msg NewMessage) (StoredMessage, error) {
	return retry(ctx, s, "send_message", func() (StoredMessage, error) {
		return s.next.SendMessage(ctx, msg)
	})
}

func (s *RetryingStore) MarkMessagesAsRead(ctx context.Context, chatID, userID protocol.ID) (int64, error) {
	return retry(ctx, s, "mark_read", func() (int64, error) {
		return s.next.MarkMessagesAsRead(ctx, chatID, userID)
	})
}

func (s *RetryingStore) ChatMembers(ctx context.Context, chatID protocol.ID) ([]protocol.ID, error) {
	return retry(ctx, s, "chat_members", func() ([]protocol.ID, error) {
		return s.next.ChatMembers(ctx, chatID)
	})
}
