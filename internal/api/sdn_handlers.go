package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Symbia-Labs/symbia-stack-sub002/internal/event"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/identity"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/router"
)

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	if !s.requireEntitlement(w, r, identity.EntTopologyRead) {
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Topology())
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if !s.requireEntitlement(w, r, identity.EntTopologyRead) {
		return
	}
	topo := s.registry.Topology()
	summary := map[string]interface{}{
		"nodes":     len(topo.Nodes),
		"contracts": len(topo.Contracts),
		"bridges":   len(topo.Bridges),
		"watchers":  s.router.Watchers().Count(),
		"traces":    s.router.History().TraceCount(),
		"stats":     s.router.History().GetStats(),
	}
	if s.hub != nil {
		summary["sessions"] = s.hub.SessionCount()
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSDNTrace(w http.ResponseWriter, r *http.Request) {
	if !s.requireEntitlement(w, r, identity.EntEventsRead) {
		return
	}
	trace, ok := s.router.History().GetTrace(mux.Vars(r)["eventId"])
	if !ok {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

func (s *Server) handleSDNTracesForRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireEntitlement(w, r, identity.EntEventsRead) {
		return
	}
	writeJSON(w, http.StatusOK, s.router.History().TracesForRun(mux.Vars(r)["runId"]))
}

// flowStep is one hop of a run's reconstructed event flow.
type flowStep struct {
	EventID   string             `json:"eventId"`
	EventType string             `json:"eventType"`
	Source    string             `json:"source"`
	Status    router.TraceStatus `json:"status"`
	Path      []string           `json:"path"`
}

// handleFlow reconstructs the hop-by-hop flow of a run from its events and
// traces, in routing order.
func (s *Server) handleFlow(w http.ResponseWriter, r *http.Request) {
	if !s.requireEntitlement(w, r, identity.EntEventsRead) {
		return
	}
	runID := mux.Vars(r)["runId"]

	events := s.router.History().EventsForRun(runID, 0)
	byID := make(map[string]*event.Event, len(events))
	for _, ev := range events {
		byID[ev.Wrapper.ID] = ev
	}

	traces := s.router.History().TracesForRun(runID)
	steps := make([]flowStep, 0, len(traces))
	for _, t := range traces {
		step := flowStep{EventID: t.EventID, Status: t.Status}
		if ev, ok := byID[t.EventID]; ok {
			step.EventType = ev.Payload.Type
			step.Source = ev.Wrapper.Source
			step.Path = ev.Wrapper.Path
		}
		steps = append(steps, step)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runId": runID,
		"steps": steps,
	})
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	if !s.requireEntitlement(w, r, identity.EntTopologyRead) {
		return
	}
	var ev event.Event
	if !decodeJSON(w, r, &ev) {
		return
	}
	writeJSON(w, http.StatusOK, s.router.Simulate(&ev))
}

// graphEdge is a directed contract edge of the topology graph.
type graphEdge struct {
	From       string   `json:"from"`
	To         string   `json:"to"`
	EventTypes []string `json:"eventTypes"`
}

// handleGraph projects the topology into a nodes+edges shape consumable by
// graph renderers. Wildcard contracts become one edge per possible target.
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	if !s.requireEntitlement(w, r, identity.EntTopologyRead) {
		return
	}
	topo := s.registry.Topology()

	var edges []graphEdge
	for _, c := range topo.Contracts {
		if c.To != "*" {
			edges = append(edges, graphEdge{From: c.From, To: c.To, EventTypes: c.AllowedEventTypes})
			continue
		}
		for _, n := range topo.Nodes {
			if n.ID != c.From {
				edges = append(edges, graphEdge{From: c.From, To: n.ID, EventTypes: c.AllowedEventTypes})
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nodes": topo.Nodes,
		"edges": edges,
	})
}
