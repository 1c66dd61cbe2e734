package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Symbia-Labs/symbia-stack-sub002/internal/event"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(90*time.Second, nil, nil)
}

func register(t *testing.T, r *Registry, id string, nodeType NodeType) *Node {
	t.Helper()
	n, err := r.RegisterNode(RegisterNodeInput{ID: id, Name: id, Type: nodeType})
	require.NoError(t, err)
	return n
}

func TestRegisterNodeUpsert(t *testing.T) {
	r := newTestRegistry(t)
	first := register(t, r, "messaging", NodeService)

	time.Sleep(5 * time.Millisecond)
	again, err := r.RegisterNode(RegisterNodeInput{
		ID: "messaging", Name: "messaging-store", Type: NodeService,
		Endpoint: "http://messaging:4001",
	})
	require.NoError(t, err)

	assert.Equal(t, first.RegisteredAt, again.RegisteredAt, "re-registration preserves registeredAt")
	assert.True(t, again.LastHeartbeat.After(first.LastHeartbeat) || again.LastHeartbeat.Equal(first.LastHeartbeat))
	assert.Equal(t, "http://messaging:4001", again.Endpoint)
	assert.Equal(t, "messaging-store", again.Name)
}

func TestRegisterNodeValidation(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.RegisterNode(RegisterNodeInput{Name: "x", Type: NodeService})
	assert.Error(t, err)
	_, err = r.RegisterNode(RegisterNodeInput{ID: "x", Type: NodeType("toaster")})
	assert.Error(t, err)
}

func TestHeartbeat(t *testing.T) {
	r := newTestRegistry(t)
	register(t, r, "svc", NodeService)
	assert.True(t, r.Heartbeat("svc"))
	assert.False(t, r.Heartbeat("ghost"))
}

func TestEntityBijection(t *testing.T) {
	r := newTestRegistry(t)
	register(t, r, "asst1", NodeAssistant)
	register(t, r, "asst2", NodeAssistant)

	require.NoError(t, r.BindEntity("asst1", "ent_X"))
	n, ok := r.GetNodeByEntity("ent_X")
	require.True(t, ok)
	assert.Equal(t, "asst1", n.ID)

	// Rebinding moves the entity and clears the previous holder atomically.
	require.NoError(t, r.BindEntity("asst2", "ent_X"))
	n, ok = r.GetNodeByEntity("ent_X")
	require.True(t, ok)
	assert.Equal(t, "asst2", n.ID)

	prev, _ := r.GetNode("asst1")
	assert.Empty(t, prev.EntityID)

	// A node holds at most one entity.
	require.NoError(t, r.BindEntity("asst2", "ent_Y"))
	_, ok = r.GetNodeByEntity("ent_X")
	assert.False(t, ok)

	r.UnbindEntity("asst2")
	_, ok = r.GetNodeByEntity("ent_Y")
	assert.False(t, ok)
}

func TestBindEntityUnknownNode(t *testing.T) {
	r := newTestRegistry(t)
	assert.Error(t, r.BindEntity("ghost", "ent_X"))
}

func TestCreateContractRequiresSource(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.CreateContract("ghost", "anywhere", []string{"x"}, []event.Boundary{event.BoundaryIntra}, nil)
	assert.ErrorIs(t, err, ErrSourceNotFound)

	// Target may be absent (pre-registration) or the wildcard.
	register(t, r, "messaging", NodeService)
	_, err = r.CreateContract("messaging", "not-yet-registered", []string{"message.*"}, []event.Boundary{event.BoundaryIntra}, nil)
	assert.NoError(t, err)
	_, err = r.CreateContract("messaging", WildcardTarget, []string{"*"}, []event.Boundary{event.BoundaryIntra}, nil)
	assert.NoError(t, err)
}

func TestCreateContractDeduplicates(t *testing.T) {
	r := newTestRegistry(t)
	register(t, r, "messaging", NodeService)

	a, err := r.CreateContract("messaging", "assistants", []string{"message.new"}, []event.Boundary{event.BoundaryIntra}, nil)
	require.NoError(t, err)
	b, err := r.CreateContract("messaging", "assistants", []string{"message.new"}, []event.Boundary{event.BoundaryIntra}, nil)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	c, err := r.CreateContract("messaging", "assistants", []string{"message.new"}, []event.Boundary{event.BoundaryInter}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestUnregisterCascade(t *testing.T) {
	r := newTestRegistry(t)
	register(t, r, "messaging", NodeService)
	register(t, r, "assistants", NodeService)
	require.NoError(t, r.BindEntity("assistants", "ent_A"))

	fromIt, err := r.CreateContract("assistants", "messaging", []string{"*"}, []event.Boundary{event.BoundaryIntra}, nil)
	require.NoError(t, err)
	toIt, err := r.CreateContract("messaging", "assistants", []string{"*"}, []event.Boundary{event.BoundaryIntra}, nil)
	require.NoError(t, err)
	wildcard, err := r.CreateContract("messaging", WildcardTarget, []string{"*"}, []event.Boundary{event.BoundaryIntra}, nil)
	require.NoError(t, err)

	require.True(t, r.UnregisterNode("assistants"))

	_, ok := r.GetNode("assistants")
	assert.False(t, ok)
	_, ok = r.GetNodeByEntity("ent_A")
	assert.False(t, ok, "entity binding released on unregister")

	ids := map[string]bool{}
	for _, c := range r.ListContractsFor("messaging") {
		ids[c.ID] = true
	}
	assert.False(t, ids[fromIt.ID], "contracts from the removed node are dropped")
	assert.False(t, ids[toIt.ID], "contracts to the removed node are dropped")
	assert.True(t, ids[wildcard.ID], "wildcard-target contracts survive")
}

func TestCleanupStale(t *testing.T) {
	r := New(30*time.Millisecond, nil, nil)
	register(t, r, "fresh", NodeService)
	register(t, r, "stale", NodeService)
	_, err := r.CreateContract("stale", "fresh", []string{"*"}, []event.Boundary{event.BoundaryIntra}, nil)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	r.Heartbeat("fresh")

	removed := r.CleanupStale()
	assert.Equal(t, []string{"stale"}, removed)
	_, ok := r.GetNode("fresh")
	assert.True(t, ok)
	assert.Empty(t, r.ListContractsFor("fresh"), "stale node's contracts removed with it")
}

func TestCleanupExpiredContracts(t *testing.T) {
	r := newTestRegistry(t)
	register(t, r, "svc", NodeService)

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	expired, err := r.CreateContract("svc", "a", []string{"*"}, []event.Boundary{event.BoundaryIntra}, &past)
	require.NoError(t, err)
	live, err := r.CreateContract("svc", "b", []string{"*"}, []event.Boundary{event.BoundaryIntra}, &future)
	require.NoError(t, err)

	removed := r.CleanupExpiredContracts()
	assert.Equal(t, []string{expired.ID}, removed)

	remaining := r.ListContractsFor("svc")
	require.Len(t, remaining, 1)
	assert.Equal(t, live.ID, remaining[0].ID)
}

func TestContractsFromSkipsExpired(t *testing.T) {
	r := newTestRegistry(t)
	register(t, r, "svc", NodeService)
	past := time.Now().Add(-time.Minute)
	_, err := r.CreateContract("svc", "a", []string{"*"}, []event.Boundary{event.BoundaryIntra}, &past)
	require.NoError(t, err)
	assert.Empty(t, r.ContractsFrom("svc"))
}

func TestMatchEventType(t *testing.T) {
	cases := []struct {
		pattern, eventType string
		want               bool
	}{
		{"*", "anything.at.all", true},
		{"message.new", "message.new", true},
		{"message.new", "message.edited", false},
		{"message.*", "message.new", true},
		{"message.*", "message", false},
		{"message.*", "messages.new", false},
		{"assistant.intent.*", "assistant.intent.claim", true},
		{"assistant.intent.*", "assistant.intent", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchEventType(tc.pattern, tc.eventType),
			"pattern=%s type=%s", tc.pattern, tc.eventType)
	}
}

func TestAutoContracts(t *testing.T) {
	r := New(90*time.Second, DefaultPatterns(), nil)
	register(t, r, "assistants", NodeService)

	contracts := r.ListContractsFor("assistants")
	require.Len(t, contracts, 1)
	assert.Equal(t, WildcardTarget, contracts[0].To)
	assert.Contains(t, contracts[0].AllowedEventTypes, "assistant.intent.*")

	// Re-registration must not duplicate the auto-contract.
	register(t, r, "assistants", NodeService)
	assert.Len(t, r.ListContractsFor("assistants"), 1)
}

func TestBridges(t *testing.T) {
	r := newTestRegistry(t)
	b, err := r.RegisterBridge("slack", BridgeWebhook, "https://hooks.example.com", []string{"message.*"})
	require.NoError(t, err)
	assert.True(t, b.Active)

	_, err = r.RegisterBridge("bad", BridgeType("carrier-pigeon"), "", nil)
	assert.Error(t, err)

	found := r.FindBridgesFor("message.new")
	require.Len(t, found, 1)
	assert.Equal(t, b.ID, found[0].ID)

	assert.True(t, r.SetBridgeActive(b.ID, false))
	assert.Empty(t, r.FindBridgesFor("message.new"))

	assert.True(t, r.DeleteBridge(b.ID))
	assert.False(t, r.DeleteBridge(b.ID))
}

func TestTopologySnapshot(t *testing.T) {
	r := newTestRegistry(t)
	register(t, r, "a", NodeService)
	register(t, r, "b", NodeClient)
	_, err := r.CreateContract("a", "b", []string{"*"}, []event.Boundary{event.BoundaryIntra}, nil)
	require.NoError(t, err)

	topo := r.Topology()
	assert.Len(t, topo.Nodes, 2)
	assert.Len(t, topo.Contracts, 1)
	assert.False(t, topo.Timestamp.IsZero())
}

func TestQueryHelpers(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.RegisterNode(RegisterNodeInput{ID: "a", Type: NodeService, Capabilities: []string{"chat", "search"}})
	require.NoError(t, err)
	_, err = r.RegisterNode(RegisterNodeInput{ID: "b", Type: NodeAssistant, Capabilities: []string{"chat"}})
	require.NoError(t, err)

	assert.Len(t, r.GetNodesByCapability("chat"), 2)
	assert.Len(t, r.GetNodesByCapability("search"), 1)
	assert.Len(t, r.GetNodesByType(NodeAssistant), 1)
	assert.Len(t, r.ListNodes(), 2)
}

func TestUpdateSession(t *testing.T) {
	r := newTestRegistry(t)
	register(t, r, "svc", NodeService)
	assert.True(t, r.UpdateSession("svc", "sess-1"))
	n, _ := r.GetNode("svc")
	assert.Equal(t, "sess-1", n.SessionID)

	assert.True(t, r.UpdateSession("svc", ""))
	n, _ = r.GetNode("svc")
	assert.Empty(t, n.SessionID)

	assert.False(t, r.UpdateSession("ghost", "s"))
}
