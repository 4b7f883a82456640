package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Tyrowin/nexus-relay/internal/dispatch"
)

const statsTimeout = 2 * time.Second

// handleWebSocket validates that the request uses the GET method, upgrades
// the HTTP connection and hands the new client to the hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, s.hub, r.RemoteAddr, s.cfg, s.logger)
	if err := s.hub.Register(client); err != nil {
		s.logger.Warn("rejecting client", "addr", r.RemoteAddr, "error", err)
		client.closeConn()
	}
}

// handleHealth responds with a plain text message indicating the server is running.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Nexus relay is running!")
}

// handleStats reports connection, user and room counts read on the loop.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.stats == nil {
		http.Error(w, "stats unavailable", http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), statsTimeout)
	defer cancel()

	var stats dispatch.Stats
	if err := s.hub.Do(ctx, func() { stats = s.stats.Stats() }); err != nil {
		http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.logger.Warn("error writing stats response", "error", err)
	}
}
