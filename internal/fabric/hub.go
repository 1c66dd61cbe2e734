// Package fabric implements the persistent front-end of the Network
// Service: bidirectional WebSocket sessions over which participants
// authenticate, register nodes, submit events, and watch the SoftSDN.
package fabric

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Symbia-Labs/symbia-stack-sub002/internal/event"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/identity"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/registry"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/router"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 512 * 1024
	sendBuffer = 256
)

// Hub owns all live sessions and bridges them to the router and registry.
// It is the router's SessionSink: deliveries to nodes with an attached
// session go through the per-session send queues managed here.
type Hub struct {
	registry *registry.Registry
	router   *router.Router
	identity *identity.Client
	metrics  *router.Metrics
	logger   *slog.Logger

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewHub wires the fabric front-end. allowedOrigins restricts WebSocket
// origins in production; empty allows all.
func NewHub(reg *registry.Registry, r *router.Router, idc *identity.Client, allowedOrigins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		registry: reg,
		router:   r,
		identity: idc,
		metrics:  router.NewMetrics(),
		logger:   logger.With("component", "fabric"),
		sessions: make(map[string]*Session),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     buildCheckOrigin(allowedOrigins),
	}
	return h
}

func buildCheckOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// HandleWebSocket upgrades the connection and runs the session. The
// authentication handshake uses the token query parameter when present;
// introspection failure leaves the session anonymous.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	principal := identity.Anonymous()
	if token := r.URL.Query().Get("token"); token != "" {
		principal = h.identity.Introspect(r.Context(), token)
	} else if key := r.Header.Get("X-Service-Key"); key != "" {
		if p, ok := h.identity.VerifyServiceKey(key); ok {
			principal = p
		}
	}

	s := &Session{
		ID:        uuid.New().String(),
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		principal: principal,
	}

	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
	h.metrics.SessionsActive.Inc()

	h.logger.Info("session opened", "session", s.ID, "principal", principal.Kind)

	go s.writePump()
	go s.readPump()
}

// removeSession tears down session state: the node keeps its registration
// (staleness eviction handles abandonment) but loses its session binding;
// the session's watches are dropped.
func (h *Hub) removeSession(s *Session) {
	h.mu.Lock()
	_, present := h.sessions[s.ID]
	delete(h.sessions, s.ID)
	h.mu.Unlock()
	if !present {
		return
	}
	h.metrics.SessionsActive.Dec()

	nodeID := s.NodeID()
	if nodeID != "" {
		h.registry.UpdateSession(nodeID, "")
		h.BroadcastTopology("network:node:disconnected", map[string]string{"nodeId": nodeID})
	}
	h.router.Watchers().RemoveSession(s.ID)
	h.metrics.WatchersActive.Set(float64(h.router.Watchers().Count()))

	h.logger.Info("session closed", "session", s.ID, "node", nodeID)
}

// push enqueues a message for a session, dropping the oldest queued
// message on overflow.
func (h *Hub) push(sessionID string, msg []byte) bool {
	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return s.enqueue(msg)
}

// DeliverEvent implements router.SessionSink.
func (h *Hub) DeliverEvent(sessionID string, ev *event.Event) bool {
	msg, err := json.Marshal(pushEnvelope{Verb: "event:received", Data: mustRaw(ev)})
	if err != nil {
		return false
	}
	return h.push(sessionID, msg)
}

// DeliverTrace implements router.SessionSink.
func (h *Hub) DeliverTrace(sessionID string, ev *event.Event, tr *router.Trace) bool {
	payload := struct {
		Event *event.Event  `json:"event"`
		Trace *router.Trace `json:"trace"`
	}{ev, tr}
	msg, err := json.Marshal(pushEnvelope{Verb: "sdn:event", Data: mustRaw(payload)})
	if err != nil {
		return false
	}
	return h.push(sessionID, msg)
}

// BroadcastTopology fans a topology-change push out to every session.
func (h *Hub) BroadcastTopology(verb string, data interface{}) {
	msg, err := json.Marshal(pushEnvelope{Verb: verb, Data: mustRaw(data)})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sessions {
		s.enqueue(msg)
	}
}

// SessionCount returns the number of open sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func mustRaw(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return b
}
