package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/Symbia-Labs/symbia-stack-sub002/internal/event"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/identity"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/registry"
)

type registerNodeRequest struct {
	ID           string                     `json:"id"`
	Name         string                     `json:"name"`
	Type         registry.NodeType          `json:"type"`
	Capabilities []string                   `json:"capabilities"`
	Endpoint     string                     `json:"endpoint,omitempty"`
	EntityID     string                     `json:"entityId,omitempty"`
	Metadata     map[string]json.RawMessage `json:"metadata,omitempty"`
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p := principalFrom(r)
	if req.Type == registry.NodeAssistant {
		if p.Kind != identity.KindAgent {
			writeError(w, http.StatusForbidden, "assistant registration requires an authenticated agent")
			return
		}
		if p.AgentID != "" && req.ID != p.AgentID {
			writeError(w, http.StatusForbidden, "assistant node id must equal the principal's agent id")
			return
		}
	}

	node, err := s.registry.RegisterNode(registry.RegisterNodeInput{
		ID:           req.ID,
		Name:         req.Name,
		Type:         req.Type,
		Capabilities: req.Capabilities,
		Endpoint:     req.Endpoint,
		Metadata:     req.Metadata,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.EntityID != "" {
		if err := s.registry.BindEntity(node.ID, req.EntityID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if s.hub != nil {
		s.hub.BroadcastTopology("network:node:joined", node)
	}
	writeJSON(w, http.StatusCreated, node)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.ListNodes())
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, ok := s.registry.GetNode(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !s.registry.Heartbeat(mux.Vars(r)["id"]) {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
}

func (s *Server) handleUnregisterNode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.registry.UnregisterNode(id) {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	if s.hub != nil {
		s.hub.BroadcastTopology("network:node:left", map[string]string{"nodeId": id})
	}
	writeJSON(w, http.StatusOK, map[string]string{"nodeId": id})
}

func (s *Server) handleNodesByCapability(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.GetNodesByCapability(mux.Vars(r)["cap"]))
}

func (s *Server) handleNodesByType(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.GetNodesByType(registry.NodeType(mux.Vars(r)["type"])))
}

type createContractRequest struct {
	From              string           `json:"from"`
	To                string           `json:"to"`
	AllowedEventTypes []string         `json:"allowedEventTypes"`
	Boundaries        []event.Boundary `json:"boundaries"`
	ExpiresAt         *time.Time       `json:"expiresAt,omitempty"`
}

func (s *Server) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	if !s.requireEntitlement(w, r, identity.EntContractsWrite) {
		return
	}
	var req createContractRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := s.registry.CreateContract(req.From, req.To, req.AllowedEventTypes, req.Boundaries, req.ExpiresAt)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, registry.ErrSourceNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleDeleteContract(w http.ResponseWriter, r *http.Request) {
	if !s.requireEntitlement(w, r, identity.EntContractsWrite) {
		return
	}
	if !s.registry.DeleteContract(mux.Vars(r)["id"]) {
		writeError(w, http.StatusNotFound, "contract not found")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.ListContractsFor(mux.Vars(r)["id"]))
}

type registerBridgeRequest struct {
	Name       string              `json:"name"`
	Type       registry.BridgeType `json:"type"`
	Endpoint   string              `json:"endpoint"`
	EventTypes []string            `json:"eventTypes"`
}

func (s *Server) handleRegisterBridge(w http.ResponseWriter, r *http.Request) {
	if !s.requireControlPlane(w, r) {
		return
	}
	var req registerBridgeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	b, err := s.registry.RegisterBridge(req.Name, req.Type, req.Endpoint, req.EventTypes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleDeleteBridge(w http.ResponseWriter, r *http.Request) {
	if !s.requireControlPlane(w, r) {
		return
	}
	if !s.registry.DeleteBridge(mux.Vars(r)["id"]) {
		writeError(w, http.StatusNotFound, "bridge not found")
		return
	}
	w.WriteHeader(http.StatusOK)
}
