package fabric

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Symbia-Labs/symbia-stack-sub002/internal/event"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/identity"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/registry"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/router"
)

func ok(id string, data interface{}) responseEnvelope {
	return responseEnvelope{ID: id, OK: true, Data: mustRaw(data)}
}

func fail(id, msg string) responseEnvelope {
	return responseEnvelope{ID: id, OK: false, Error: msg}
}

// dispatch routes one inbound verb to its handler.
func (h *Hub) dispatch(s *Session, req *requestEnvelope) responseEnvelope {
	switch req.Verb {
	case "auth":
		return h.handleAuth(s, req)
	case "node:register":
		return h.handleNodeRegister(s, req)
	case "node:heartbeat":
		return h.handleNodeHeartbeat(s, req)
	case "node:unregister":
		return h.handleNodeUnregister(s, req)
	case "event:send":
		return h.handleEventSend(s, req)
	case "contract:create":
		return h.handleContractCreate(s, req)
	case "sdn:watch":
		return h.handleWatch(s, req)
	case "sdn:unwatch":
		return h.handleUnwatch(s, req)
	case "sdn:topology":
		return h.handleTopology(s, req)
	}
	return fail(req.ID, "unknown verb: "+req.Verb)
}

func (h *Hub) handleAuth(s *Session, req *requestEnvelope) responseEnvelope {
	var data struct {
		Token      string `json:"token"`
		ServiceKey string `json:"serviceKey"`
	}
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return fail(req.ID, "invalid auth payload")
	}

	principal := identity.Anonymous()
	if data.ServiceKey != "" {
		if p, ok := h.identity.VerifyServiceKey(data.ServiceKey); ok {
			principal = p
		}
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		principal = h.identity.Introspect(ctx, data.Token)
	}
	s.setPrincipal(principal)
	return ok(req.ID, map[string]interface{}{
		"principal": principal,
	})
}

type nodeRegisterRequest struct {
	ID           string                     `json:"id"`
	Name         string                     `json:"name"`
	Type         registry.NodeType          `json:"type"`
	Capabilities []string                   `json:"capabilities"`
	Endpoint     string                     `json:"endpoint,omitempty"`
	EntityID     string                     `json:"entityId,omitempty"`
	Metadata     map[string]json.RawMessage `json:"metadata,omitempty"`
}

func (h *Hub) handleNodeRegister(s *Session, req *requestEnvelope) responseEnvelope {
	var data nodeRegisterRequest
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return fail(req.ID, "invalid register payload")
	}

	principal := s.Principal()
	capabilities := data.Capabilities

	if data.Type == registry.NodeAssistant {
		// Assistants register under their authenticated agent identity;
		// claimed ids must match and capabilities are unioned.
		if principal.Kind != identity.KindAgent {
			return fail(req.ID, "assistant registration requires an authenticated agent")
		}
		if data.ID != principal.AgentID {
			return fail(req.ID, "assistant node id must equal the principal's agent id")
		}
		capabilities = unionStrings(capabilities, principal.Capabilities)
	}

	node, err := h.registry.RegisterNode(registry.RegisterNodeInput{
		ID:           data.ID,
		Name:         data.Name,
		Type:         data.Type,
		Capabilities: capabilities,
		Endpoint:     data.Endpoint,
		SessionID:    s.ID,
		Metadata:     data.Metadata,
	})
	if err != nil {
		return fail(req.ID, err.Error())
	}

	if data.EntityID != "" {
		if err := h.registry.BindEntity(node.ID, data.EntityID); err != nil {
			return fail(req.ID, err.Error())
		}
	}

	s.setNodeID(node.ID)
	h.metrics.NodesRegistered.Set(float64(len(h.registry.ListNodes())))
	h.BroadcastTopology("network:node:joined", node)
	return ok(req.ID, node)
}

func (h *Hub) handleNodeHeartbeat(s *Session, req *requestEnvelope) responseEnvelope {
	var data struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return fail(req.ID, "invalid heartbeat payload")
	}
	if data.ID == "" {
		data.ID = s.NodeID()
	}
	if data.ID == "" || data.ID != s.NodeID() {
		return fail(req.ID, "heartbeat for a node not owned by this session")
	}
	if !h.registry.Heartbeat(data.ID) {
		return fail(req.ID, "node not registered")
	}
	return ok(req.ID, map[string]bool{"alive": true})
}

func (h *Hub) handleNodeUnregister(s *Session, req *requestEnvelope) responseEnvelope {
	nodeID := s.NodeID()
	if nodeID == "" {
		return fail(req.ID, "no node attached to this session")
	}
	h.registry.UnregisterNode(nodeID)
	s.setNodeID("")
	h.metrics.NodesRegistered.Set(float64(len(h.registry.ListNodes())))
	h.BroadcastTopology("network:node:left", map[string]string{"nodeId": nodeID})
	return ok(req.ID, map[string]string{"nodeId": nodeID})
}

func (h *Hub) handleEventSend(s *Session, req *requestEnvelope) responseEnvelope {
	var ev event.Event
	if err := json.Unmarshal(req.Data, &ev); err != nil {
		return fail(req.ID, "invalid event payload")
	}
	if !ev.Wrapper.Boundary.Valid() {
		return fail(req.ID, "invalid boundary")
	}

	// Anonymous sessions may send: the integrity hash gates submission,
	// and the source check pins an unprivileged session to its own node.
	principal := s.Principal()
	privileged := principal.Kind == identity.KindAgent || principal.IsSuperAdmin
	if !privileged && ev.Wrapper.Source != s.NodeID() {
		return fail(req.ID, "event source must equal the session's node id")
	}

	trace := h.router.Route(context.Background(), &ev)
	return ok(req.ID, map[string]interface{}{
		"eventId": ev.Wrapper.ID,
		"trace":   trace,
	})
}

type contractCreateRequest struct {
	From              string           `json:"from"`
	To                string           `json:"to"`
	AllowedEventTypes []string         `json:"allowedEventTypes"`
	Boundaries        []event.Boundary `json:"boundaries"`
	ExpiresAt         *time.Time       `json:"expiresAt,omitempty"`
}

func (h *Hub) handleContractCreate(s *Session, req *requestEnvelope) responseEnvelope {
	principal := s.Principal()
	if principal.IsAnonymous() {
		return fail(req.ID, "authentication required")
	}
	if principal.Kind == identity.KindUser && !principal.HasEntitlement(identity.EntContractsWrite) {
		return fail(req.ID, "missing entitlement: "+identity.EntContractsWrite)
	}

	var data contractCreateRequest
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return fail(req.ID, "invalid contract payload")
	}
	from := data.From
	if from == "" {
		from = s.NodeID()
	}

	contract, err := h.registry.CreateContract(from, data.To, data.AllowedEventTypes, data.Boundaries, data.ExpiresAt)
	if err != nil {
		return fail(req.ID, err.Error())
	}
	return ok(req.ID, contract)
}

func (h *Hub) handleWatch(s *Session, req *requestEnvelope) responseEnvelope {
	principal := s.Principal()
	if principal.IsAnonymous() {
		return fail(req.ID, "authentication required")
	}
	if principal.Kind == identity.KindUser && !principal.HasEntitlement(identity.EntEventsRead) {
		return fail(req.ID, "missing entitlement: "+identity.EntEventsRead)
	}

	var filter router.WatchFilter
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &filter); err != nil {
			return fail(req.ID, "invalid watch filter")
		}
	}

	sub := h.router.Watchers().Add(s.ID, filter)
	s.trackWatch(sub.ID)
	h.metrics.WatchersActive.Set(float64(h.router.Watchers().Count()))
	return ok(req.ID, sub)
}

func (h *Hub) handleUnwatch(s *Session, req *requestEnvelope) responseEnvelope {
	var data struct {
		SubscriptionID string `json:"subscriptionId"`
	}
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return fail(req.ID, "invalid unwatch payload")
	}
	if !h.router.Watchers().Remove(data.SubscriptionID, s.ID) {
		return fail(req.ID, "subscription not found for this session")
	}
	s.untrackWatch(data.SubscriptionID)
	h.metrics.WatchersActive.Set(float64(h.router.Watchers().Count()))
	return ok(req.ID, map[string]bool{"removed": true})
}

func (h *Hub) handleTopology(s *Session, req *requestEnvelope) responseEnvelope {
	principal := s.Principal()
	if principal.IsAnonymous() {
		return fail(req.ID, "authentication required")
	}
	if principal.Kind == identity.KindUser && !principal.HasEntitlement(identity.EntTopologyRead) {
		return fail(req.ID, "missing entitlement: "+identity.EntTopologyRead)
	}
	return ok(req.ID, h.registry.Topology())
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
