package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/nexus-relay/internal/dispatch"
)

// StatsSource reports registry sizes. It is called on the hub's loop.
type StatsSource interface {
	Stats() dispatch.Stats
}

// Server serves the relay's HTTP endpoints.
type Server struct {
	cfg      Config
	hub      *Hub
	stats    StatsSource
	origins  *originPolicy
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New creates a server for a running hub. stats may be nil.
func New(cfg Config, hub *Hub, stats StatsSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = Sanitize(cfg)
	s := &Server{
		cfg:     cfg,
		hub:     hub,
		stats:   stats,
		origins: newOriginPolicy(cfg.AllowedOrigins, logger),
		logger:  logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	return s
}

// HTTPServer returns an http.Server for the configured port serving Routes.
func (s *Server) HTTPServer() *http.Server {
	return CreateServer(s.cfg.Port, s.Routes())
}
