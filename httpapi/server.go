// Package httpapi serves the daemon's loopback HTTP surface: the privileged
// WebSocket channel, health and metrics endpoints and a read-only
// connection listing.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"pkt.systems/scriptbridge/internal/eventbus"
	"pkt.systems/scriptbridge/internal/router"
	"pkt.systems/scriptbridge/internal/version"
	"pkt.systems/scriptbridge/schema"
)

// Dispatcher routes privileged envelopes.
type Dispatcher interface {
	Dispatch(ctx context.Context, ch router.Channel, tab schema.TabContext, raw []byte) ([]byte, bool)
}

// ConnectionLister reports connection snapshots.
type ConnectionLister interface {
	List() []schema.ConnectionSnapshot
}

// Events is the connection status feed pushed to privileged clients.
type Events interface {
	Subscribe(tabID schema.TabID) (<-chan eventbus.Event, func())
}

// Deps wires the server.
type Deps struct {
	Dispatcher  Dispatcher
	Connections ConnectionLister
	Events      Events
	Metrics     http.Handler
}

// Server serves the HTTP API.
type Server struct {
	cfg      Config
	deps     Deps
	upgrader websocket.Upgrader
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, deps Deps) *Server {
	return &Server{
		cfg:      cfg,
		deps:     deps,
		upgrader: makeUpgrader(cfg.AllowedOrigins),
	}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/connections", s.handleConnections)
	mux.HandleFunc("/api/bridge", s.handleBridge)
	if s.deps.Metrics != nil {
		mux.Handle("/metrics", s.deps.Metrics)
	}
	return withRequestLogging(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": version.Current()})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	conns := []schema.ConnectionSnapshot{}
	if s.deps.Connections != nil {
		conns = append(conns, s.deps.Connections.List()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": conns})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
