// Package relay is the participant-side library of the Network Service.
// Every node — service, assistant, bridge — embeds a relay client to open a
// fabric session, register itself, emit signed events, subscribe to event
// types, and watch the SoftSDN.
//
// Quick start:
//
//	client := relay.NewClient(relay.Config{
//	    ServerURL:     "ws://localhost:4500/ws",
//	    NodeID:        "messaging",
//	    NodeName:      "Messaging Service",
//	    NodeType:      "service",
//	    Capabilities:  []string{"message.send"},
//	    NetworkSecret: os.Getenv("NETWORK_SECRET"),
//	})
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Disconnect()
//
//	client.On("message.*", func(ev *event.Event) { ... })
//	client.Send(ctx, "message.new", data, runID, relay.SendOptions{})
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Symbia-Labs/symbia-stack-sub002/internal/event"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/registry"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/router"
)

// Config holds the relay client configuration.
type Config struct {
	// ServerURL is the fabric WebSocket endpoint (required).
	// Example: "ws://localhost:4500/ws"
	ServerURL string

	// NodeID and NodeName identify this participant (NodeID required).
	NodeID   string
	NodeName string

	// NodeType is "service", "assistant", "sandbox", "bridge" or "client".
	NodeType registry.NodeType

	Capabilities []string

	// Endpoint optionally advertises an HTTP delivery fallback.
	Endpoint string

	// EntityID optionally binds the node to an entity at registration.
	EntityID string

	// AuthToken is introspected during the handshake; ServiceKey is the
	// pre-shared alternative for service-to-service trust.
	AuthToken  string
	ServiceKey string

	// NetworkSecret signs outgoing events (required to send).
	NetworkSecret string

	// HeartbeatInterval defaults to 30s.
	HeartbeatInterval time.Duration

	// RequestTimeout bounds each verb round-trip (default 10s).
	RequestTimeout time.Duration

	Logger *slog.Logger

	// OnReady fires after registration confirms, including re-registration
	// after a reconnect. OnDisconnect fires when reconnection gives up.
	OnReady      func()
	OnDisconnect func(err error)
}

// EventHandler receives events delivered to this node.
type EventHandler func(ev *event.Event)

// TraceHandler receives SDN watch notifications.
type TraceHandler func(ev *event.Event, trace *router.Trace)

// Client is a connected fabric participant.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	connID int // bumped per (re)connection, stops stale goroutines
	closed bool
	ready  bool

	writeMu sync.Mutex

	pending map[string]chan serverMsg

	handlersMu    sync.Mutex
	handlers      map[string]map[int]EventHandler
	nextHandlerID int

	watchesMu     sync.Mutex
	watchFilters  map[string]router.WatchFilter
	watchHandlers map[string]TraceHandler

	claims *claimTable
}

type requestMsg struct {
	ID   string          `json:"id"`
	Verb string          `json:"verb"`
	Data json.RawMessage `json:"data"`
}

// serverMsg is either a response (OK set) or a push (Verb set).
type serverMsg struct {
	ID    string          `json:"id"`
	OK    *bool           `json:"ok"`
	Error string          `json:"error"`
	Verb  string          `json:"verb"`
	Data  json.RawMessage `json:"data"`
}

// NewClient creates a relay client. Call Connect to open the session.
func NewClient(cfg Config) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:           cfg,
		logger:        logger.With("component", "relay", "node", cfg.NodeID),
		pending:       make(map[string]chan serverMsg),
		handlers:      make(map[string]map[int]EventHandler),
		watchFilters:  make(map[string]router.WatchFilter),
		watchHandlers: make(map[string]TraceHandler),
		claims:        newClaimTable(),
	}
}

// Connect opens the session, authenticates, registers the node, and starts
// the heartbeat loop. It returns once the server confirms registration.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("relay: already connected")
	}
	c.closed = false
	c.mu.Unlock()

	if err := c.dialAndRegister(ctx); err != nil {
		return err
	}
	if c.cfg.OnReady != nil {
		c.cfg.OnReady()
	}
	return nil
}

func (c *Client) dialAndRegister(ctx context.Context) error {
	url := c.cfg.ServerURL
	if c.cfg.AuthToken != "" {
		url += "?token=" + c.cfg.AuthToken
	}
	var header map[string][]string
	if c.cfg.ServiceKey != "" {
		header = map[string][]string{"X-Service-Key": {c.cfg.ServiceKey}}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return fmt.Errorf("relay: dial %s: %w", c.cfg.ServerURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connID++
	id := c.connID
	c.mu.Unlock()

	go c.readLoop(conn, id)

	if err := c.register(ctx); err != nil {
		conn.Close()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()

	go c.heartbeatLoop(id)
	return nil
}

func (c *Client) register(ctx context.Context) error {
	_, err := c.request(ctx, "node:register", map[string]interface{}{
		"id":           c.cfg.NodeID,
		"name":         c.cfg.NodeName,
		"type":         c.cfg.NodeType,
		"capabilities": c.cfg.Capabilities,
		"endpoint":     c.cfg.Endpoint,
		"entityId":     c.cfg.EntityID,
	})
	if err != nil {
		return fmt.Errorf("relay: register: %w", err)
	}
	return nil
}

// request performs one verb round-trip, correlated by envelope id.
func (c *Client) request(ctx context.Context, verb string, data interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("relay: marshal %s: %w", verb, err)
	}

	id := uuid.New().String()
	ch := make(chan serverMsg, 1)

	c.mu.Lock()
	if c.conn == nil || c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("relay: not connected")
	}
	conn := c.conn
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err = conn.WriteJSON(requestMsg{ID: id, Verb: verb, Data: body})
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("relay: write %s: %w", verb, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	select {
	case resp := <-ch:
		if resp.OK == nil || !*resp.OK {
			return nil, fmt.Errorf("relay: %s: %s", verb, resp.Error)
		}
		return resp.Data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("relay: %s: %w", verb, ctx.Err())
	}
}

func (c *Client) readLoop(conn *websocket.Conn, connID int) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, connID, err)
			return
		}

		var msg serverMsg
		if json.Unmarshal(payload, &msg) != nil {
			continue
		}
		if msg.OK != nil {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}
		c.handlePush(msg)
	}
}

func (c *Client) handlePush(msg serverMsg) {
	switch msg.Verb {
	case "event:received":
		var ev event.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		c.trackIncomingClaim(&ev)
		c.dispatch(&ev)

	case "sdn:event":
		var payload struct {
			Event *event.Event  `json:"event"`
			Trace *router.Trace `json:"trace"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.Event == nil {
			return
		}
		c.dispatchTrace(payload.Event, payload.Trace)
	}
}

// dispatch fires type-specific handlers plus wildcard handlers. A panicking
// handler is logged and isolated from the rest.
func (c *Client) dispatch(ev *event.Event) {
	c.handlersMu.Lock()
	var fire []EventHandler
	for _, h := range c.handlers[ev.Payload.Type] {
		fire = append(fire, h)
	}
	for _, h := range c.handlers["*"] {
		fire = append(fire, h)
	}
	c.handlersMu.Unlock()

	for _, h := range fire {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					c.logger.Error("event handler panicked", "type", ev.Payload.Type, "panic", rec)
				}
			}()
			h(ev)
		}()
	}
}

func (c *Client) dispatchTrace(ev *event.Event, trace *router.Trace) {
	c.watchesMu.Lock()
	type entry struct {
		filter  router.WatchFilter
		handler TraceHandler
	}
	var fire []entry
	for id, h := range c.watchHandlers {
		fire = append(fire, entry{c.watchFilters[id], h})
	}
	c.watchesMu.Unlock()

	for _, e := range fire {
		if !e.filter.Matches(ev) {
			continue
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					c.logger.Error("watch handler panicked", "panic", rec)
				}
			}()
			e.handler(ev, trace)
		}()
	}
}

func (c *Client) heartbeatLoop(connID int) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		stale := c.connID != connID || c.closed || !c.ready
		c.mu.Unlock()
		if stale {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		_, err := c.request(ctx, "node:heartbeat", map[string]string{"id": c.cfg.NodeID})
		cancel()
		if err != nil {
			c.logger.Warn("heartbeat failed", "error", err)
		}
	}
}

// handleDisconnect runs bounded-backoff reconnection: re-dial, re-register,
// resume watches. Gives up after 10 attempts. Only sessions that completed
// registration reconnect; the read loop of a connection whose register was
// refused exits here without forking a retry loop of its own, so the one
// caller already handling the failure stays the only dialer.
func (c *Client) handleDisconnect(conn *websocket.Conn, connID int, cause error) {
	conn.Close()

	c.mu.Lock()
	if c.closed || c.connID != connID || !c.ready {
		c.mu.Unlock()
		return
	}
	c.ready = false
	c.conn = nil
	c.mu.Unlock()

	c.logger.Warn("session lost, reconnecting", "error", cause)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return backoff.Permanent(fmt.Errorf("relay: closed"))
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()
		return c.dialAndRegister(ctx)
	}, backoff.WithMaxRetries(bo, 10))

	if err != nil {
		c.logger.Error("reconnection gave up", "error", err)
		if c.cfg.OnDisconnect != nil {
			c.cfg.OnDisconnect(err)
		}
		return
	}

	c.resumeWatches()
	if c.cfg.OnReady != nil {
		c.cfg.OnReady()
	}
}

// resumeWatches re-issues every active watch on the new session. Old
// subscription ids are replaced.
func (c *Client) resumeWatches() {
	c.watchesMu.Lock()
	old := make(map[string]struct {
		filter  router.WatchFilter
		handler TraceHandler
	}, len(c.watchFilters))
	for id, f := range c.watchFilters {
		old[id] = struct {
			filter  router.WatchFilter
			handler TraceHandler
		}{f, c.watchHandlers[id]}
	}
	c.watchFilters = make(map[string]router.WatchFilter)
	c.watchHandlers = make(map[string]TraceHandler)
	c.watchesMu.Unlock()

	for _, w := range old {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		if _, err := c.Watch(ctx, w.filter, w.handler); err != nil {
			c.logger.Warn("watch resume failed", "error", err)
		}
		cancel()
	}
}

// SendOptions customizes an outgoing event.
type SendOptions struct {
	Target         string
	CausedBy       string
	Boundary       event.Boundary
	SourceEntityID string
	TargetEntityID string
}

// SendResult is the server's answer to event:send.
type SendResult struct {
	EventID string        `json:"eventId"`
	Trace   *router.Trace `json:"trace"`
}

// Send signs and emits an event as this node, returning the finalized trace.
func (c *Client) Send(ctx context.Context, eventType string, data json.RawMessage, runID string, opts SendOptions) (*SendResult, error) {
	ev, err := event.New(eventType, data, c.cfg.NodeID, runID, event.Options{
		Target:         opts.Target,
		CausedBy:       opts.CausedBy,
		Boundary:       opts.Boundary,
		SourceEntityID: opts.SourceEntityID,
		TargetEntityID: opts.TargetEntityID,
	}, c.cfg.NetworkSecret)
	if err != nil {
		return nil, fmt.Errorf("relay: build event: %w", err)
	}

	raw, err := c.request(ctx, "event:send", ev)
	if err != nil {
		return nil, err
	}
	var result SendResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("relay: decode send result: %w", err)
	}
	return &result, nil
}

// On subscribes a handler for an event type; "*" matches every type. The
// returned function unsubscribes.
func (c *Client) On(eventType string, handler EventHandler) func() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.nextHandlerID++
	id := c.nextHandlerID
	if c.handlers[eventType] == nil {
		c.handlers[eventType] = make(map[int]EventHandler)
	}
	c.handlers[eventType][id] = handler

	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		delete(c.handlers[eventType], id)
	}
}

// CreateContract authorizes this node to send to toNodeID.
func (c *Client) CreateContract(ctx context.Context, toNodeID string, allowedEventTypes []string, boundaries []event.Boundary, expiresAt *time.Time) (*registry.Contract, error) {
	raw, err := c.request(ctx, "contract:create", map[string]interface{}{
		"from":              c.cfg.NodeID,
		"to":                toNodeID,
		"allowedEventTypes": allowedEventTypes,
		"boundaries":        boundaries,
		"expiresAt":         expiresAt,
	})
	if err != nil {
		return nil, err
	}
	var contract registry.Contract
	if err := json.Unmarshal(raw, &contract); err != nil {
		return nil, fmt.Errorf("relay: decode contract: %w", err)
	}
	return &contract, nil
}

// Watch subscribes to SDN trace fan-out and returns the subscription id.
func (c *Client) Watch(ctx context.Context, filter router.WatchFilter, handler TraceHandler) (string, error) {
	raw, err := c.request(ctx, "sdn:watch", filter)
	if err != nil {
		return "", err
	}
	var sub router.WatchSubscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return "", fmt.Errorf("relay: decode subscription: %w", err)
	}

	c.watchesMu.Lock()
	c.watchFilters[sub.ID] = filter
	c.watchHandlers[sub.ID] = handler
	c.watchesMu.Unlock()
	return sub.ID, nil
}

// Unwatch cancels an SDN watch.
func (c *Client) Unwatch(ctx context.Context, subscriptionID string) error {
	_, err := c.request(ctx, "sdn:unwatch", map[string]string{"subscriptionId": subscriptionID})
	if err != nil {
		return err
	}
	c.watchesMu.Lock()
	delete(c.watchFilters, subscriptionID)
	delete(c.watchHandlers, subscriptionID)
	c.watchesMu.Unlock()
	return nil
}

// GetTopology fetches the current SDN snapshot.
func (c *Client) GetTopology(ctx context.Context) (*registry.Topology, error) {
	raw, err := c.request(ctx, "sdn:topology", map[string]string{})
	if err != nil {
		return nil, err
	}
	var topo registry.Topology
	if err := json.Unmarshal(raw, &topo); err != nil {
		return nil, fmt.Errorf("relay: decode topology: %w", err)
	}
	return &topo, nil
}

// Disconnect unregisters best-effort and closes the session.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.ready = false
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	id := uuid.New().String()
	body, _ := json.Marshal(map[string]string{})
	c.writeMu.Lock()
	conn.WriteJSON(requestMsg{ID: id, Verb: "node:unregister", Data: body})
	c.writeMu.Unlock()

	// Give the unregister a moment to flush before tearing down.
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
	}
	return conn.Close()
}
