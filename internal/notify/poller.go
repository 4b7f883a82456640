package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/Tyrowin/nexus-relay/internal/protocol"
	"github.com/Tyrowin/nexus-relay/internal/push"
)

// ErrLoopStopped is returned when the event loop no longer accepts work.
var ErrLoopStopped = errors.New("event loop stopped")

// Poster queues fn on the event loop.
type Poster interface {
	Post(ctx context.Context, fn func()) bool
}

// Target delivers an event to every live connection of a user and reports
// how many received it.
type Target interface {
	EmitToUser(userID protocol.ID, ev protocol.Event) int
}

// Config tunes the poller.
type Config struct {
	Interval  time.Duration
	BatchSize int
	// Timeout bounds each outbox call.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// Poller periodically drains the outbox. Reads and acknowledgements run on
// the poller's goroutine; delivery runs on the event loop.
type Poller struct {
	outbox Outbox
	loop   Poster
	target Target
	push   push.Notifier
	cfg    Config
	logger *slog.Logger
}

// NewPoller creates a poller.
func NewPoller(outbox Outbox, loop Poster, target Target, notifier push.Notifier, cfg Config, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{outbox: outbox, loop: loop, target: target, push: notifier, cfg: cfg.withDefaults(), logger: logger}
}

// Run polls every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("notification poll failed", "error", err)
			}
		}
	}
}

// Poll runs one round and returns how many notifications were handled.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	readCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	items, err := p.outbox.PendingNotifications(readCtx, p.cfg.BatchSize)
	cancel()
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	handled := make(chan []int64, 1)
	if !p.loop.Post(ctx, func() { handled <- p.deliver(items) }) {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, ErrLoopStopped
	}

	var ids []int64
	select {
	case ids = <-handled:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	if len(ids) == 0 {
		return 0, nil
	}

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Timeout)
	defer cancel()
	if err := p.outbox.MarkNotificationsDelivered(ackCtx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// deliver runs on the loop. Items that reached neither a connection nor the
// push service are left pending for the next round.
func (p *Poller) deliver(items []Item) []int64 {
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		if p.target.EmitToUser(it.UserID, it.Event()) > 0 {
			ids = append(ids, it.ID)
			continue
		}
		if p.push == nil {
			continue
		}
		if err := p.push.Notify(context.Background(), it.UserID, it.Message, dataMap(it)); err != nil {
			p.logger.Warn("push fallback failed", "user", it.UserID, "notification", it.ID, "error", err)
			continue
		}
		ids = append(ids, it.ID)
	}
	return ids
}

func dataMap(it Item) map[string]any {
	data := map[string]any{"notification_id": it.ID, "kind": it.Kind}
	if len(it.Data) == 0 {
		return data
	}
	var extra map[string]any
	if err := json.Unmarshal(it.Data, &extra); err == nil {
		for k, v := range extra {
			data[k] = v
		}
	}
	return data
}
