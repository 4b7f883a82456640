// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay service.
package server

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
// Call signaling frames draw from their own bucket of SignalingBurst tokens
// because trickle ICE sends candidates in bursts.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST" envDefault:"5"`
	SignalingBurst int           `env:"RATE_LIMIT_SIGNALING_BURST" envDefault:"50"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL" envDefault:"1s"`
}

// signaling returns the bucket settings for call signaling frames.
func (c RateLimitConfig) signaling() RateLimitConfig {
	return RateLimitConfig{Burst: max(c.SignalingBurst, c.Burst), RefillInterval: c.RefillInterval}
}

// Config holds the server configuration settings including security controls
// and the addresses of the backing services. Empty service addresses select
// the in-process fallbacks.
type Config struct {
	Port           string   `env:"SERVER_PORT" envDefault:":8080"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"http://localhost:8080" envSeparator:","`
	MaxMessageSize int64    `env:"MAX_MESSAGE_SIZE" envDefault:"65536"`
	RateLimit      RateLimitConfig

	PresenceTTL              time.Duration `env:"PRESENCE_TTL" envDefault:"60s"`
	PresenceHistoryTTL       time.Duration `env:"PRESENCE_HISTORY_TTL" envDefault:"1h"`
	PresenceTimeout          time.Duration `env:"PRESENCE_TIMEOUT" envDefault:"2s"`
	HeartbeatInterval        time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	SweepInterval            time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	NotificationPollInterval time.Duration `env:"NOTIFICATION_POLL_INTERVAL" envDefault:"2s"`
	PersistenceTimeout       time.Duration `env:"PERSISTENCE_TIMEOUT" envDefault:"5s"`

	RedisAddr    string `env:"REDIS_ADDR"`
	DatabasePath string `env:"DATABASE_PATH" envDefault:"nexus.db"`
	NATSURL      string `env:"NATS_URL"`
	PushSubject  string `env:"PUSH_SUBJECT" envDefault:"push.notifications"`
	JWTSecret    string `env:"JWT_SECRET"`
	JWTIssuer    string `env:"JWT_ISSUER"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
}

// DefaultConfig returns the configuration used when no variable is set.
func DefaultConfig() Config {
	cfg, err := LoadConfig(map[string]string{})
	if err != nil {
		// The defaults above always parse.
		panic(err)
	}
	return cfg
}

// LoadConfig reads the configuration from environ, or from the process
// environment when environ is nil, and sanitizes it.
func LoadConfig(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return Sanitize(cfg), nil
}

// Sanitize replaces unusable values with their defaults.
func Sanitize(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = ":8080"
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 65536
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}

	if cfg.RateLimit.SignalingBurst <= 0 {
		cfg.RateLimit.SignalingBurst = 50
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	cfg.PresenceTTL = positive(cfg.PresenceTTL, 60*time.Second)
	cfg.PresenceHistoryTTL = positive(cfg.PresenceHistoryTTL, time.Hour)
	cfg.PresenceTimeout = positive(cfg.PresenceTimeout, 2*time.Second)
	cfg.HeartbeatInterval = positive(cfg.HeartbeatInterval, 30*time.Second)
	cfg.SweepInterval = positive(cfg.SweepInterval, 30*time.Second)
	cfg.NotificationPollInterval = positive(cfg.NotificationPollInterval, 2*time.Second)
	cfg.PersistenceTimeout = positive(cfg.PersistenceTimeout, 5*time.Second)
	cfg.ShutdownTimeout = positive(cfg.ShutdownTimeout, 10*time.Second)

	if cfg.PushSubject == "" {
		cfg.PushSubject = "push.notifications"
	}

	origins := make([]string, 0, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	cfg.AllowedOrigins = origins

	return cfg
}

func positive(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// SlogLevel parses LogLevel, falling back to info.
func (c Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
