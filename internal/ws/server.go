// Package ws is the subscriber gateway: it upgrades dashboard connections
// to long-lived WebSocket push channels fed by the broadcast hub, and
// exposes small read-only HTTP endpoints next to them.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/stravinsky/mux/internal/hub"
	"github.com/stravinsky/mux/internal/session"
)

type Server struct {
	registry *session.Registry
	hub      *hub.Hub

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool

	mu   sync.Mutex
	srv  *http.Server
	addr string
}

func NewServer(registry *session.Registry, h *hub.Hub, allowedOrigins []string) *Server {
	s := &Server{
		registry:       registry,
		hub:            h,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/stats", s.handleStats)
}

// Start binds host:port and serves in the background. A bind failure is
// returned synchronously so the caller can treat it as fatal startup.
func (s *Server) Start(host string, port int) error {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{Handler: mux}
	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("ws: server error: %v", err)
		}
	}()

	log.Printf("ws: subscriber gateway listening on %s", s.addr)
	return nil
}

// Addr returns the bound address, useful when port 0 was requested.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown stops accepting connections and waits for the pumps to flush
// until ctx expires, then force-closes whatever is left.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	srv.Close()
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade error: %v", err)
		return
	}

	filter := r.URL.Query().Get("agent_id")
	sub := s.hub.Subscribe(filter)
	log.Printf("ws: subscriber %s connected from %s (filter=%q)", sub.ID, r.RemoteAddr, filter)

	c := &client{conn: conn, sub: sub, h: s.hub}

	// Initial burst: which agents exist right now. No message replay.
	snapshot := SnapshotFrame{Type: FrameSnapshot, Agents: s.registry.Snapshot()}
	if err := conn.WriteJSON(snapshot); err != nil {
		s.hub.Unsubscribe(sub)
		conn.Close()
		return
	}

	go c.readLoop()
	c.writePump()
	log.Printf("ws: subscriber %s disconnected", sub.ID)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.registry.Snapshot())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.hub.Snapshot())
}

// checkOrigin admits browser dashboards served from this host or from a
// loopback address; an explicit allowlist overrides that default.
// Non-browser clients send no Origin header and pass. Authentication
// proper is out of scope; this only blocks cross-site browser access.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}

	if len(s.allowedOrigins) > 0 {
		return s.allowedOrigins[origin] || s.allowedHosts[parsed.Host]
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
