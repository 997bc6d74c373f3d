// Package gateway is the inbound surface agent runtimes call: a WebSocket
// RPC endpoint speaking request/response frames plus a small HTTP API for
// one-shot callers.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lanternworks/agentrelay/internal/bus"
	"github.com/lanternworks/agentrelay/internal/delivery"
	"github.com/lanternworks/agentrelay/internal/store"
	"github.com/lanternworks/agentrelay/pkg/protocol"
)

// Config holds the gateway listener settings.
type Config struct {
	Host           string
	Port           int
	Token          string // bearer token; empty disables auth
	AllowedOrigins []string
	RateLimitRPS   float64 // per-caller; zero disables
	RateLimitBurst int
}

// Messenger is the delivery surface the gateway exposes over RPC.
// Satisfied by *delivery.Tracker.
type Messenger interface {
	Send(ctx context.Context, fromAgentID, toAgentID, body string) (delivery.Receipt, error)
	SendAsync(ctx context.Context, fromAgentID, toAgentID, body string, timeout time.Duration) (string, error)
	Status(ctx context.Context, trackingID string) (*store.TrackedMessage, error)
}

// Server handles WebSocket and HTTP connections.
type Server struct {
	cfg        Config
	messenger  Messenger
	identities store.IdentityStore
	eventPub   bus.EventPublisher
	router     *MethodRouter

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
	mux        *http.ServeMux
	startedAt  time.Time
}

func NewServer(cfg Config, messenger Messenger, identities store.IdentityStore, eventPub bus.EventPublisher) *Server {
	s := &Server{
		cfg:        cfg,
		messenger:  messenger,
		identities: identities,
		eventPub:   eventPub,
		clients:    make(map[string]*Client),
		startedAt:  time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.rateLimiter = NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	s.router = NewMethodRouter()
	s.registerMethods()
	return s
}

// checkOrigin validates the WebSocket Origin header against the whitelist.
// No configured origins means allow all; an empty Origin header (CLI/SDK
// clients) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range s.cfg.AllowedOrigins {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("gateway: origin rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/messages", s.handleMessages)
	mux.HandleFunc("/v1/messages/", s.handleMessageStatus)
	mux.HandleFunc("/v1/agents", s.handleAgents)

	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway starting", "addr", addr, "auth", s.cfg.Token != "")

	go func() {
		<-ctx.Done()
		s.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, nil))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// authorized checks the bearer token when one is configured.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ") == s.cfg.Token
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	// X-Agent-ID pre-seeds the identity; the connect handshake can replace it.
	if agentID := r.Header.Get("X-Agent-ID"); agentID != "" {
		client.SetAgentID(agentID)
	}
	s.registerClient(client)

	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d,"uptime_seconds":%d}`,
		protocol.ProtocolVersion, int64(time.Since(s.startedAt).Seconds()))
}

// Router returns the method router for registering additional handlers.
func (s *Server) Router() *MethodRouter { return s.router }

// BroadcastEvent sends an event frame to every connected client.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(event)
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c

	if s.eventPub != nil {
		s.eventPub.Subscribe(c.id, func(event bus.Event) {
			c.SendEvent(*protocol.NewEvent(event.Name, event.Payload))
		})
	}
	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	if s.eventPub != nil {
		s.eventPub.Unsubscribe(c.id)
	}
	slog.Info("client disconnected", "id", c.id, "agent", c.AgentID())
}
