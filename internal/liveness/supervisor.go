package liveness

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Tyrowin/nexus-relay/internal/fanout"
	"github.com/Tyrowin/nexus-relay/internal/presence"
	"github.com/Tyrowin/nexus-relay/internal/protocol"
	"github.com/Tyrowin/nexus-relay/internal/registry"
)

// Config tunes the supervisor.
type Config struct {
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	// TTL is the presence TTL; a connection idle for longer stops renewing
	// its user's presence.
	TTL time.Duration
	// CallTimeout bounds each presence call made from the loop.
	CallTimeout time.Duration
	Now         func() time.Time
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.TTL <= 0 {
		c.TTL = presence.DefaultTTL
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 2 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// ExpiryHandler is told about every user the sweep forced offline.
type ExpiryHandler func(rec presence.Record)

// Supervisor owns heartbeats and the presence sweep.
type Supervisor struct {
	loop     Poster
	reg      *registry.Registry
	fan      *fanout.Engine
	presence presence.Store
	cfg      Config
	onExpire ExpiryHandler
	logger   *slog.Logger
}

// NewSupervisor creates a supervisor.
func NewSupervisor(loop Poster, reg *registry.Registry, fan *fanout.Engine, store presence.Store, cfg Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		loop:     loop,
		reg:      reg,
		fan:      fan,
		presence: store,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// OnExpire sets the handler told about swept users. Call before StartSweep.
func (s *Supervisor) OnExpire(fn ExpiryHandler) { s.onExpire = fn }

// HeartbeatInterval returns the configured heartbeat period.
func (s *Supervisor) HeartbeatInterval() time.Duration { return s.cfg.HeartbeatInterval }

// Attach starts the connection's heartbeat and hands it to the registry,
// which stops it on Unregister. Must run on the loop.
func (s *Supervisor) Attach(c *registry.Conn) error {
	t := Every(s.loop, s.cfg.HeartbeatInterval, func() { s.beat(c) })
	return s.reg.SetHeartbeat(c, t)
}

// beat runs on the loop for one connection tick.
func (s *Supervisor) beat(c *registry.Conn) {
	if !s.reg.Contains(c) {
		return
	}
	now := s.cfg.Now()
	s.fan.Send(c, protocol.NewEvent(protocol.TypeHeartbeat, protocol.Heartbeat{ServerTime: now}))

	userID, ok := c.UserID()
	lastActivity := c.LastActivity()
	if !ok || now.Sub(lastActivity) > s.cfg.TTL {
		return
	}
	// The tick itself is not activity: presence only learns when this
	// connection last sent a frame.
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
	defer cancel()
	if err := s.presence.Touch(ctx, userID, lastActivity); err != nil && !errors.Is(err, presence.ErrNotOnline) {
		s.logger.Warn("heartbeat presence refresh failed", "conn", c.ID(), "user", userID, "error", err)
	}
}

// Sweep forces every expired user offline and reports each one to the
// expiry handler. Must run on the loop.
func (s *Supervisor) Sweep(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	expired, err := s.presence.Expired(ctx, s.cfg.Now())
	if err != nil {
		s.logger.Error("presence sweep failed", "error", err)
		return 0
	}

	swept := 0
	for _, candidate := range expired {
		rec, err := s.presence.ForceOffline(ctx, candidate.UserID)
		if err != nil {
			s.logger.Error("failed to expire user", "user", candidate.UserID, "error", err)
			continue
		}
		if rec == nil {
			continue
		}
		swept++
		s.logger.Info("user expired", "user", rec.UserID, "last_active", rec.LastActive)
		if s.onExpire != nil {
			s.onExpire(*rec)
		}
	}
	return swept
}

// StartSweep runs Sweep on the loop every SweepInterval until the returned
// ticker is stopped.
func (s *Supervisor) StartSweep(ctx context.Context) *Ticker {
	return Every(s.loop, s.cfg.SweepInterval, func() { s.Sweep(ctx) })
}
