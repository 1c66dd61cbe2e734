package fabric

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Symbia-Labs/symbia-stack-sub002/internal/event"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/identity"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/policy"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/registry"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/router"
)

const fabricTestSecret = "fabric-test-secret"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// identityStub answers introspection for a fixed token table.
func identityStub(t *testing.T, tokens map[string]map[string]interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Token string `json:"token"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp, ok := tokens[req.Token]
		if !ok {
			resp = map[string]interface{}{"active": false}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fabricFixture struct {
	hub      *Hub
	server   *httptest.Server
	registry *registry.Registry
	router   *router.Router
}

func newFabricFixture(t *testing.T, tokens map[string]map[string]interface{}) *fabricFixture {
	t.Helper()
	logger := quietLogger()

	reg := registry.New(time.Minute, nil, logger)
	eng := policy.NewEngine(logger)
	eng.SeedDefaults()
	rt := router.New(router.Options{
		Registry:        reg,
		Policies:        eng,
		Secret:          fabricTestSecret,
		MaxEventHistory: 100,
		MaxTraceHistory: 100,
		Logger:          logger,
	})
	t.Cleanup(rt.Close)

	idSrv := identityStub(t, tokens)
	idc := identity.NewClient(idSrv.URL, "fabric-service-key", logger)

	hub := NewHub(reg, rt, idc, nil, logger)
	rt.SetSink(hub)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(srv.Close)

	return &fabricFixture{hub: hub, server: srv, registry: reg, router: rt}
}

// wsClient is a test-side fabric participant. A background reader splits
// the stream into responses and pushes.
type wsClient struct {
	t      *testing.T
	conn   *websocket.Conn
	resps  chan responseEnvelope
	pushes chan pushEnvelope
}

func (f *fabricFixture) dial(t *testing.T, query string, header http.Header) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)

	c := &wsClient{
		t:      t,
		conn:   conn,
		resps:  make(chan responseEnvelope, 16),
		pushes: make(chan pushEnvelope, 64),
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				close(c.pushes)
				return
			}
			var raw struct {
				ID    string          `json:"id"`
				OK    *bool           `json:"ok"`
				Verb  string          `json:"verb"`
				Error string          `json:"error"`
				Data  json.RawMessage `json:"data"`
			}
			if json.Unmarshal(payload, &raw) != nil {
				continue
			}
			if raw.OK != nil {
				c.resps <- responseEnvelope{ID: raw.ID, OK: *raw.OK, Error: raw.Error, Data: raw.Data}
			} else {
				c.pushes <- pushEnvelope{Verb: raw.Verb, Data: raw.Data}
			}
		}
	}()
	return c
}

func (c *wsClient) request(verb string, data interface{}) responseEnvelope {
	c.t.Helper()
	body, err := json.Marshal(data)
	require.NoError(c.t, err)
	id := uuid.New().String()
	require.NoError(c.t, c.conn.WriteJSON(requestEnvelope{ID: id, Verb: verb, Data: body}))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case resp := <-c.resps:
			if resp.ID == id {
				return resp
			}
		case <-deadline:
			c.t.Fatalf("no response to %s within deadline", verb)
			return responseEnvelope{}
		}
	}
}

// waitPush discards pushes until one with the given verb arrives.
func (c *wsClient) waitPush(verb string) pushEnvelope {
	c.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case p, ok := <-c.pushes:
			if !ok {
				c.t.Fatalf("connection closed waiting for %s push", verb)
			}
			if p.Verb == verb {
				return p
			}
		case <-deadline:
			c.t.Fatalf("no %s push within deadline", verb)
			return pushEnvelope{}
		}
	}
}

func (c *wsClient) registerNode(id string, typ registry.NodeType) responseEnvelope {
	return c.request("node:register", map[string]interface{}{
		"id":           id,
		"name":         id,
		"type":         typ,
		"capabilities": []string{"test"},
	})
}

func signedEvent(t *testing.T, eventType, source, target string) *event.Event {
	t.Helper()
	ev, err := event.New(eventType, json.RawMessage(`{"n":1}`), source, "run-1",
		event.Options{Target: target}, fabricTestSecret)
	require.NoError(t, err)
	return ev
}

func TestRegisterAndHeartbeat(t *testing.T) {
	f := newFabricFixture(t, nil)
	c := f.dial(t, "", nil)

	resp := c.registerNode("node-a", registry.NodeService)
	require.True(t, resp.OK, resp.Error)

	node, ok := f.registry.GetNode("node-a")
	require.True(t, ok)
	assert.NotEmpty(t, node.SessionID, "registration binds the session")

	assert.True(t, c.request("node:heartbeat", map[string]string{"id": "node-a"}).OK)

	resp = c.request("node:heartbeat", map[string]string{"id": "node-b"})
	assert.False(t, resp.OK, "heartbeat only for the session's own node")
}

func TestAssistantRegistrationRequiresAgent(t *testing.T) {
	tokens := map[string]map[string]interface{}{
		"agent-token": {
			"active": true, "kind": "agent",
			"id": "a-1", "agentId": "assistant-1",
			"capabilities": []string{"chat"},
		},
	}
	f := newFabricFixture(t, tokens)

	anon := f.dial(t, "", nil)
	resp := anon.registerNode("assistant-1", registry.NodeAssistant)
	assert.False(t, resp.OK, "anonymous sessions may not register assistants")

	agent := f.dial(t, "?token=agent-token", nil)
	resp = agent.registerNode("assistant-1", registry.NodeAssistant)
	require.True(t, resp.OK, resp.Error)

	resp = agent.registerNode("assistant-2", registry.NodeAssistant)
	assert.False(t, resp.OK, "assistant id must match the agent identity")

	node, ok := f.registry.GetNode("assistant-1")
	require.True(t, ok)
	assert.Contains(t, node.Capabilities, "chat", "principal capabilities are unioned in")
	assert.Contains(t, node.Capabilities, "test")
}

func TestEventSendDeliversOverSession(t *testing.T) {
	f := newFabricFixture(t, nil)

	sender := f.dial(t, "", nil)
	receiver := f.dial(t, "", nil)
	require.True(t, sender.registerNode("node-a", registry.NodeService).OK)
	require.True(t, receiver.registerNode("node-b", registry.NodeService).OK)

	resp := sender.request("event:send", signedEvent(t, "ping", "node-a", "node-b"))
	require.True(t, resp.OK, resp.Error)

	var result struct {
		EventID string       `json:"eventId"`
		Trace   router.Trace `json:"trace"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.Equal(t, router.StatusDelivered, result.Trace.Status)

	push := receiver.waitPush("event:received")
	var got event.Event
	require.NoError(t, json.Unmarshal(push.Data, &got))
	assert.Equal(t, "ping", got.Payload.Type)
	assert.Equal(t, []string{"node-a", "node-b"}, got.Wrapper.Path)
}

func TestEventSendSourceOwnership(t *testing.T) {
	f := newFabricFixture(t, nil)
	c := f.dial(t, "", nil)
	require.True(t, c.registerNode("node-a", registry.NodeService).OK)

	resp := c.request("event:send", signedEvent(t, "ping", "node-x", "node-a"))
	assert.False(t, resp.OK, "unprivileged sessions send only as their own node")
	assert.Contains(t, resp.Error, "source")
}

func TestContractCreatePermissions(t *testing.T) {
	tokens := map[string]map[string]interface{}{
		"plain-user": {
			"active": true, "kind": "user", "id": "u-1",
		},
		"contract-user": {
			"active": true, "kind": "user", "id": "u-2",
			"entitlements": []string{identity.EntContractsWrite},
		},
	}
	f := newFabricFixture(t, tokens)

	contractReq := map[string]interface{}{
		"from":              "node-a",
		"to":                "node-b",
		"allowedEventTypes": []string{"message.*"},
		"boundaries":        []string{"intra"},
	}

	anon := f.dial(t, "", nil)
	require.True(t, anon.registerNode("node-a", registry.NodeService).OK)
	assert.False(t, anon.request("contract:create", contractReq).OK)

	plain := f.dial(t, "?token=plain-user", nil)
	resp := plain.request("contract:create", contractReq)
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, identity.EntContractsWrite)

	entitled := f.dial(t, "?token=contract-user", nil)
	resp = entitled.request("contract:create", contractReq)
	require.True(t, resp.OK, resp.Error)

	var c registry.Contract
	require.NoError(t, json.Unmarshal(resp.Data, &c))
	assert.Equal(t, "node-a", c.From)
	assert.Equal(t, "node-b", c.To)
}

func TestWatchReceivesMatchingTraces(t *testing.T) {
	f := newFabricFixture(t, nil)

	sender := f.dial(t, "", nil)
	receiver := f.dial(t, "", nil)
	require.True(t, sender.registerNode("node-a", registry.NodeService).OK)
	require.True(t, receiver.registerNode("node-b", registry.NodeService).OK)

	watcher := f.dial(t, "", http.Header{"X-Service-Key": {"fabric-service-key"}})
	resp := watcher.request("sdn:watch", map[string]string{"runId": "run-1"})
	require.True(t, resp.OK, resp.Error)

	var sub router.WatchSubscription
	require.NoError(t, json.Unmarshal(resp.Data, &sub))

	require.True(t, sender.request("event:send", signedEvent(t, "ping", "node-a", "node-b")).OK)

	push := watcher.waitPush("sdn:event")
	var got struct {
		Event event.Event  `json:"event"`
		Trace router.Trace `json:"trace"`
	}
	require.NoError(t, json.Unmarshal(push.Data, &got))
	assert.Equal(t, "run-1", got.Trace.RunID)
	assert.Equal(t, router.StatusDelivered, got.Trace.Status)

	assert.True(t, watcher.request("sdn:unwatch", map[string]string{"subscriptionId": sub.ID}).OK)
	assert.Equal(t, 0, f.router.Watchers().Count())
}

func TestWatchAndTopologyDenyAnonymous(t *testing.T) {
	f := newFabricFixture(t, nil)
	c := f.dial(t, "", nil)

	assert.False(t, c.request("sdn:watch", map[string]string{}).OK)
	assert.False(t, c.request("sdn:topology", map[string]string{}).OK)
}

func TestTopologySnapshot(t *testing.T) {
	f := newFabricFixture(t, nil)

	anon := f.dial(t, "", nil)
	require.True(t, anon.registerNode("node-a", registry.NodeService).OK)

	agent := f.dial(t, "", http.Header{"X-Service-Key": {"fabric-service-key"}})
	resp := agent.request("sdn:topology", map[string]string{})
	require.True(t, resp.OK, resp.Error)

	var topo registry.Topology
	require.NoError(t, json.Unmarshal(resp.Data, &topo))
	require.Len(t, topo.Nodes, 1)
	assert.Equal(t, "node-a", topo.Nodes[0].ID)
}

func TestUnregisterBroadcasts(t *testing.T) {
	f := newFabricFixture(t, nil)

	a := f.dial(t, "", nil)
	b := f.dial(t, "", nil)
	require.True(t, a.registerNode("node-a", registry.NodeService).OK)
	require.True(t, b.registerNode("node-b", registry.NodeService).OK)

	a.waitPush("network:node:joined") // node-b joining

	require.True(t, b.request("node:unregister", map[string]string{}).OK)

	push := a.waitPush("network:node:left")
	var data map[string]string
	require.NoError(t, json.Unmarshal(push.Data, &data))
	assert.Equal(t, "node-b", data["nodeId"])

	_, ok := f.registry.GetNode("node-b")
	assert.False(t, ok)
}

func TestSessionCloseDetachesNode(t *testing.T) {
	f := newFabricFixture(t, nil)

	c := f.dial(t, "", nil)
	require.True(t, c.registerNode("node-a", registry.NodeService).OK)
	require.Equal(t, 1, f.hub.SessionCount())

	c.conn.Close()

	require.Eventually(t, func() bool {
		return f.hub.SessionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	node, ok := f.registry.GetNode("node-a")
	require.True(t, ok, "registration survives the session")
	assert.Empty(t, node.SessionID, "reachability is detached")
}

func TestUnknownVerb(t *testing.T) {
	f := newFabricFixture(t, nil)
	c := f.dial(t, "", nil)

	resp := c.request("nope", map[string]string{})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "unknown verb")
}
