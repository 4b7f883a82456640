package server

import (
	"log/slog"
	"reflect"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Port != ":8080" {
		t.Errorf("Port = %q, want :8080", cfg.Port)
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{"http://localhost:8080"}) {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.RateLimit.Burst != 5 || cfg.RateLimit.SignalingBurst != 50 || cfg.RateLimit.RefillInterval != time.Second {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if cfg.PresenceTTL != 60*time.Second || cfg.HeartbeatInterval != 30*time.Second || cfg.SweepInterval != 30*time.Second {
		t.Errorf("liveness settings = %v %v %v", cfg.PresenceTTL, cfg.HeartbeatInterval, cfg.SweepInterval)
	}
	if cfg.NotificationPollInterval != 2*time.Second || cfg.PersistenceTimeout != 5*time.Second {
		t.Errorf("timers = %v %v", cfg.NotificationPollInterval, cfg.PersistenceTimeout)
	}
	if cfg.RedisAddr != "" || cfg.NATSURL != "" || cfg.JWTSecret != "" {
		t.Errorf("external services should default to unset: %+v", cfg)
	}
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	cfg, err := LoadConfig(map[string]string{
		"SERVER_PORT":                "9090",
		"ALLOWED_ORIGINS":            "https://app.example.com, http://localhost:3000",
		"MAX_MESSAGE_SIZE":           "2048",
		"RATE_LIMIT_BURST":           "20",
		"RATE_LIMIT_REFILL_INTERVAL": "3s",
		"PRESENCE_TTL":               "90s",
		"REDIS_ADDR":                 "localhost:6379",
		"NATS_URL":                   "nats://localhost:4222",
		"JWT_SECRET":                 "s3cret",
		"LOG_LEVEL":                  "debug",
	})
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Port != ":9090" {
		t.Errorf("Port = %q, want :9090", cfg.Port)
	}
	want := []string{"https://app.example.com", "http://localhost:3000"}
	if !reflect.DeepEqual(cfg.AllowedOrigins, want) {
		t.Errorf("AllowedOrigins = %v, want %v", cfg.AllowedOrigins, want)
	}
	if cfg.MaxMessageSize != 2048 {
		t.Errorf("MaxMessageSize = %d", cfg.MaxMessageSize)
	}
	if cfg.RateLimit.Burst != 20 || cfg.RateLimit.RefillInterval != 3*time.Second {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if cfg.PresenceTTL != 90*time.Second {
		t.Errorf("PresenceTTL = %v", cfg.PresenceTTL)
	}
	if cfg.RedisAddr != "localhost:6379" || cfg.NATSURL != "nats://localhost:4222" || cfg.JWTSecret != "s3cret" {
		t.Errorf("service settings = %+v", cfg)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("SlogLevel() = %v", cfg.SlogLevel())
	}
}

func TestLoadConfigRejectsUnparseableValues(t *testing.T) {
	if _, err := LoadConfig(map[string]string{"MAX_MESSAGE_SIZE": "big"}); err == nil {
		t.Error("LoadConfig() accepted a non-numeric MAX_MESSAGE_SIZE")
	}
}

func TestSanitizeFallsBackToDefaults(t *testing.T) {
	cfg := Sanitize(Config{
		MaxMessageSize: -1,
		RateLimit:      RateLimitConfig{Burst: 0, RefillInterval: -time.Second},
		AllowedOrigins: []string{" ", "http://example.com "},
		LogLevel:       "loud",
	})

	if cfg.Port != ":8080" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.MaxMessageSize != 65536 {
		t.Errorf("MaxMessageSize = %d", cfg.MaxMessageSize)
	}
	if cfg.RateLimit.Burst != 5 || cfg.RateLimit.RefillInterval != time.Second {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{"http://example.com"}) {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.ShutdownTimeout != 10*time.Second || cfg.PresenceTimeout != 2*time.Second {
		t.Errorf("timeouts = %v %v", cfg.ShutdownTimeout, cfg.PresenceTimeout)
	}
	if cfg.SlogLevel() != slog.LevelInfo {
		t.Errorf("SlogLevel() = %v, want info", cfg.SlogLevel())
	}
}
