package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Symbia-Labs/symbia-stack-sub002/internal/event"
)

// ErrSourceNotFound is returned when a contract names a source node that
// was never registered.
var ErrSourceNotFound = fmt.Errorf("contract source node not found")

// Registry is the fabric's directory. All reads and writes are serialized
// under one RW lock; writes are rare compared to reads.
type Registry struct {
	mu sync.RWMutex

	nodes     map[string]*Node
	contracts map[string]*Contract
	bridges   map[string]*Bridge

	// entityIndex is the reverse side of the entity->node bijection.
	entityIndex map[string]string // entityId -> nodeId

	// contractOrder preserves creation order for deterministic fan-out.
	contractOrder []string

	nodeTimeout time.Duration
	patterns    []AutoContractPattern

	logger *slog.Logger
}

// New creates a registry with the given staleness threshold and
// auto-contract pattern table.
func New(nodeTimeout time.Duration, patterns []AutoContractPattern, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		nodes:       make(map[string]*Node),
		contracts:   make(map[string]*Contract),
		bridges:     make(map[string]*Bridge),
		entityIndex: make(map[string]string),
		nodeTimeout: nodeTimeout,
		patterns:    patterns,
		logger:      logger.With("component", "registry"),
	}
}

// RegisterNodeInput carries the registration request.
type RegisterNodeInput struct {
	ID           string
	Name         string
	Type         NodeType
	Capabilities []string
	Endpoint     string
	SessionID    string
	Metadata     map[string]json.RawMessage
}

// RegisterNode upserts a node. Re-registration preserves RegisteredAt and
// refreshes heartbeat and reachability. First registration triggers
// auto-contract creation for matching standard communication patterns.
func (r *Registry) RegisterNode(in RegisterNodeInput) (*Node, error) {
	if in.ID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if !in.Type.Valid() {
		return nil, fmt.Errorf("unknown node type %q", in.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	existing, rereg := r.nodes[in.ID]

	node := &Node{
		ID:            in.ID,
		Name:          in.Name,
		Type:          in.Type,
		Capabilities:  in.Capabilities,
		Endpoint:      in.Endpoint,
		SessionID:     in.SessionID,
		Metadata:      in.Metadata,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	if rereg {
		node.RegisteredAt = existing.RegisteredAt
		node.EntityID = existing.EntityID
		node.EntityBoundAt = existing.EntityBoundAt
	}
	r.nodes[in.ID] = node

	if !rereg {
		r.applyAutoContractsLocked(node)
		r.logger.Info("node registered", "node", in.ID, "type", in.Type, "name", in.Name)
	} else {
		r.logger.Debug("node re-registered", "node", in.ID)
	}

	out := *node
	return &out, nil
}

// Heartbeat refreshes the node's liveness; false if the node is unknown.
func (r *Registry) Heartbeat(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[id]
	if !ok {
		return false
	}
	node.LastHeartbeat = time.Now().UTC()
	return true
}

// UpdateSession attaches or detaches (empty sessionID) a live session.
func (r *Registry) UpdateSession(id, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[id]
	if !ok {
		return false
	}
	node.SessionID = sessionID
	return true
}

// UnregisterNode removes the node and cascades: contracts naming it as
// source or target are dropped, except wildcard-target contracts which stay
// valid for any remaining sources; an entity binding is released.
func (r *Registry) UnregisterNode(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unregisterLocked(id)
}

func (r *Registry) unregisterLocked(id string) bool {
	node, ok := r.nodes[id]
	if !ok {
		return false
	}
	delete(r.nodes, id)

	if node.EntityID != "" {
		delete(r.entityIndex, node.EntityID)
	}

	for cid, c := range r.contracts {
		if c.From == id || (c.To == id && c.To != WildcardTarget) {
			r.removeContractLocked(cid)
		}
	}

	r.logger.Info("node unregistered", "node", id)
	return true
}

// GetNode returns a copy of the node.
func (r *Registry) GetNode(id string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[id]
	if !ok {
		return nil, false
	}
	out := *node
	return &out, true
}

// ListNodes returns copies of all registered nodes.
func (r *Registry) ListNodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listNodesLocked()
}

func (r *Registry) listNodesLocked() []*Node {
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		cp := *n
		out = append(out, &cp)
	}
	return out
}

// GetNodesByCapability returns nodes advertising the capability.
func (r *Registry) GetNodesByCapability(capability string) []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Node
	for _, n := range r.nodes {
		for _, c := range n.Capabilities {
			if c == capability {
				cp := *n
				out = append(out, &cp)
				break
			}
		}
	}
	return out
}

// GetNodesByType returns nodes of the given type.
func (r *Registry) GetNodesByType(t NodeType) []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Node
	for _, n := range r.nodes {
		if n.Type == t {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out
}

// BindEntity binds entityID to nodeID. Rebinding moves the entity: the
// previous holder's binding is cleared atomically under the same lock.
func (r *Registry) BindEntity(nodeID, entityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return fmt.Errorf("node %s not found", nodeID)
	}

	if prevID, held := r.entityIndex[entityID]; held && prevID != nodeID {
		if prev, ok := r.nodes[prevID]; ok {
			prev.EntityID = ""
			prev.EntityBoundAt = time.Time{}
		}
	}
	// A node holds at most one entity; release its old one.
	if node.EntityID != "" && node.EntityID != entityID {
		delete(r.entityIndex, node.EntityID)
	}

	node.EntityID = entityID
	node.EntityBoundAt = time.Now().UTC()
	r.entityIndex[entityID] = nodeID
	return nil
}

// UnbindEntity clears the node's entity binding, if any.
func (r *Registry) UnbindEntity(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[nodeID]
	if !ok || node.EntityID == "" {
		return
	}
	delete(r.entityIndex, node.EntityID)
	node.EntityID = ""
	node.EntityBoundAt = time.Time{}
}

// GetNodeByEntity resolves an entity id to its currently bound node.
func (r *Registry) GetNodeByEntity(entityID string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodeID, ok := r.entityIndex[entityID]
	if !ok {
		return nil, false
	}
	node, ok := r.nodes[nodeID]
	if !ok {
		return nil, false
	}
	out := *node
	return &out, true
}

// CreateContract authorizes from -> to for the given event types and
// boundaries. The source must exist; the target may be unregistered
// (pre-registration) or the wildcard. Identical contracts deduplicate to
// the existing one.
func (r *Registry) CreateContract(from, to string, allowedEventTypes []string, boundaries []event.Boundary, expiresAt *time.Time) (*Contract, error) {
	if len(allowedEventTypes) == 0 {
		return nil, fmt.Errorf("contract requires at least one event type pattern")
	}
	if len(boundaries) == 0 {
		return nil, fmt.Errorf("contract requires at least one boundary")
	}
	for _, b := range boundaries {
		if !b.Valid() {
			return nil, fmt.Errorf("unknown boundary %q", b)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[from]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, from)
	}

	if existing := r.findEqualContractLocked(from, to, allowedEventTypes, boundaries); existing != nil {
		out := *existing
		return &out, nil
	}

	c := &Contract{
		ID:                uuid.New().String(),
		From:              from,
		To:                to,
		AllowedEventTypes: allowedEventTypes,
		Boundaries:        boundaries,
		CreatedAt:         time.Now().UTC(),
		ExpiresAt:         expiresAt,
	}
	r.contracts[c.ID] = c
	r.contractOrder = append(r.contractOrder, c.ID)
	r.logger.Info("contract created", "contract", c.ID, "from", from, "to", to)

	out := *c
	return &out, nil
}

func (r *Registry) findEqualContractLocked(from, to string, types []string, boundaries []event.Boundary) *Contract {
	for _, c := range r.contracts {
		if c.From == from && c.To == to &&
			equalStrings(c.AllowedEventTypes, types) &&
			equalBoundaries(c.Boundaries, boundaries) {
			return c
		}
	}
	return nil
}

// DeleteContract removes the contract; false if unknown.
func (r *Registry) DeleteContract(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.contracts[id]; !ok {
		return false
	}
	r.removeContractLocked(id)
	return true
}

func (r *Registry) removeContractLocked(id string) {
	delete(r.contracts, id)
	for i, cid := range r.contractOrder {
		if cid == id {
			r.contractOrder = append(r.contractOrder[:i], r.contractOrder[i+1:]...)
			break
		}
	}
}

// GetContract returns the first contract from -> to, if any.
func (r *Registry) GetContract(from, to string) (*Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.contractOrder {
		c := r.contracts[id]
		if c != nil && c.From == from && c.To == to {
			out := *c
			return &out, true
		}
	}
	return nil, false
}

// ListContractsFor returns contracts naming nodeID as source or target, in
// creation order.
func (r *Registry) ListContractsFor(nodeID string) []*Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Contract
	for _, id := range r.contractOrder {
		c := r.contracts[id]
		if c != nil && (c.From == nodeID || c.To == nodeID) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out
}

// ContractsFrom returns non-expired contracts with the given source, in
// creation order. Used by the router for contract fan-out.
func (r *Registry) ContractsFrom(source string) []*Contract {
	now := time.Now().UTC()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Contract
	for _, id := range r.contractOrder {
		c := r.contracts[id]
		if c != nil && c.From == source && !c.Expired(now) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out
}

// RegisterBridge adds an external connector.
func (r *Registry) RegisterBridge(name string, t BridgeType, endpoint string, eventTypes []string) (*Bridge, error) {
	switch t {
	case BridgeWebhook, BridgeWebSocket, BridgeGRPC, BridgeCustom:
	default:
		return nil, fmt.Errorf("unknown bridge type %q", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	b := &Bridge{
		ID:           uuid.New().String(),
		Name:         name,
		Type:         t,
		Endpoint:     endpoint,
		EventTypes:   eventTypes,
		Active:       true,
		RegisteredAt: time.Now().UTC(),
	}
	r.bridges[b.ID] = b
	out := *b
	return &out, nil
}

// SetBridgeActive toggles a bridge; false if unknown.
func (r *Registry) SetBridgeActive(id string, active bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bridges[id]
	if !ok {
		return false
	}
	b.Active = active
	return true
}

// DeleteBridge removes a bridge; false if unknown.
func (r *Registry) DeleteBridge(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bridges[id]; !ok {
		return false
	}
	delete(r.bridges, id)
	return true
}

// FindBridgesFor returns active bridges supporting the event type.
func (r *Registry) FindBridgesFor(eventType string) []*Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Bridge
	for _, b := range r.bridges {
		if !b.Active {
			continue
		}
		for _, pattern := range b.EventTypes {
			if MatchEventType(pattern, eventType) {
				cp := *b
				out = append(out, &cp)
				break
			}
		}
	}
	return out
}

// CleanupStale removes nodes whose heartbeat is older than the timeout and
// returns their ids. Cascades apply as in UnregisterNode.
func (r *Registry) CleanupStale() []string {
	cutoff := time.Now().UTC().Add(-r.nodeTimeout)

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, n := range r.nodes {
		if n.LastHeartbeat.Before(cutoff) {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		r.unregisterLocked(id)
	}
	return removed
}

// CleanupExpiredContracts evicts contracts past their expiry and returns
// the removed ids.
func (r *Registry) CleanupExpiredContracts() []string {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, c := range r.contracts {
		if c.Expired(now) {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		r.removeContractLocked(id)
	}
	return removed
}

// Topology returns an atomic snapshot of nodes, contracts, and bridges.
func (r *Registry) Topology() *Topology {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t := &Topology{
		Nodes:     r.listNodesLocked(),
		Contracts: make([]*Contract, 0, len(r.contracts)),
		Bridges:   make([]*Bridge, 0, len(r.bridges)),
		Timestamp: time.Now().UTC(),
	}
	for _, id := range r.contractOrder {
		if c := r.contracts[id]; c != nil {
			cp := *c
			t.Contracts = append(t.Contracts, &cp)
		}
	}
	for _, b := range r.bridges {
		cp := *b
		t.Bridges = append(t.Bridges, &cp)
	}
	return t
}

func newContractID() string { return uuid.New().String() }

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalBoundaries(a, b []event.Boundary) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
