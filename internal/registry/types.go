// Package registry is the authoritative in-memory directory of the fabric:
// nodes, contracts, bridges, and entity bindings. A single RW lock guards
// the whole directory; topology snapshots are taken atomically under it.
package registry

import (
	"encoding/json"
	"time"

	"github.com/Symbia-Labs/symbia-stack-sub002/internal/event"
)

// NodeType is the closed set of participant kinds.
type NodeType string

const (
	NodeService   NodeType = "service"
	NodeAssistant NodeType = "assistant"
	NodeSandbox   NodeType = "sandbox"
	NodeBridge    NodeType = "bridge"
	NodeClient    NodeType = "client"
)

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	switch t {
	case NodeService, NodeAssistant, NodeSandbox, NodeBridge, NodeClient:
		return true
	}
	return false
}

// Node is a registered participant of the fabric.
type Node struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         NodeType `json:"type"`
	Capabilities []string `json:"capabilities"`

	// Endpoint is the node's HTTP delivery URL; SessionID is a live fabric
	// session. At least one must be present for the node to be reachable.
	Endpoint  string `json:"endpoint,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	Metadata map[string]json.RawMessage `json:"metadata,omitempty"`

	RegisteredAt  time.Time `json:"registeredAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`

	// EntityID, when set, binds this node to a stable logical identity.
	// Entity to node is a bijection at any instant.
	EntityID      string    `json:"entityId,omitempty"`
	EntityBoundAt time.Time `json:"entityBoundAt,omitempty"`
}

// WildcardTarget in a contract's "to" field expands to every registered
// node except the source.
const WildcardTarget = "*"

// Contract is a unidirectional permission: from may send the listed event
// types to to, under the listed boundaries.
type Contract struct {
	ID                string           `json:"id"`
	From              string           `json:"from"`
	To                string           `json:"to"`
	AllowedEventTypes []string         `json:"allowedEventTypes"`
	Boundaries        []event.Boundary `json:"boundaries"`
	CreatedAt         time.Time        `json:"createdAt"`
	ExpiresAt         *time.Time       `json:"expiresAt,omitempty"`
}

// AllowsBoundary reports whether the contract covers b.
func (c *Contract) AllowsBoundary(b event.Boundary) bool {
	for _, cb := range c.Boundaries {
		if cb == b {
			return true
		}
	}
	return false
}

// AllowsEventType reports whether any of the contract's patterns matches
// the event type.
func (c *Contract) AllowsEventType(eventType string) bool {
	for _, pattern := range c.AllowedEventTypes {
		if MatchEventType(pattern, eventType) {
			return true
		}
	}
	return false
}

// Expired reports whether the contract has an expiry in the past.
func (c *Contract) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

// BridgeType is the closed set of external connector kinds.
type BridgeType string

const (
	BridgeWebhook   BridgeType = "webhook"
	BridgeWebSocket BridgeType = "websocket"
	BridgeGRPC      BridgeType = "grpc"
	BridgeCustom    BridgeType = "custom"
)

// Bridge is a registered external connector, discovered by event type for
// outbound routing.
type Bridge struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Type         BridgeType `json:"type"`
	Endpoint     string     `json:"endpoint"`
	EventTypes   []string   `json:"eventTypes"`
	Active       bool       `json:"active"`
	RegisteredAt time.Time  `json:"registeredAt"`
}

// Topology is an atomic snapshot of the directory.
type Topology struct {
	Nodes     []*Node     `json:"nodes"`
	Contracts []*Contract `json:"contracts"`
	Bridges   []*Bridge   `json:"bridges"`
	Timestamp time.Time   `json:"timestamp"`
}
