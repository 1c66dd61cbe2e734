package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/Symbia-Labs/symbia-stack-sub002/internal/event"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/identity"
)

// handleSubmitEvent accepts a fully formed event for routing. The integrity
// hash is the gate: only holders of the network secret can produce one, so
// no additional auth is required here.
func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var ev event.Event
	if !decodeJSON(w, r, &ev) {
		return
	}
	if !ev.Wrapper.Boundary.Valid() {
		writeError(w, http.StatusBadRequest, "invalid boundary")
		return
	}

	trace := s.router.Route(r.Context(), &ev)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"eventId": ev.Wrapper.ID,
		"trace":   trace,
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if !s.requireEntitlement(w, r, identity.EntEventsRead) {
		return
	}
	limit := queryInt(r, "limit")
	if runID := r.URL.Query().Get("runId"); runID != "" {
		writeJSON(w, http.StatusOK, s.router.History().EventsForRun(runID, limit))
		return
	}
	writeJSON(w, http.StatusOK, s.router.History().RecentEvents(limit))
}

func (s *Server) handleEventTrace(w http.ResponseWriter, r *http.Request) {
	if !s.requireEntitlement(w, r, identity.EntEventsRead) {
		return
	}
	trace, ok := s.router.History().GetTrace(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

func (s *Server) handleTracesForRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireEntitlement(w, r, identity.EntEventsRead) {
		return
	}
	writeJSON(w, http.StatusOK, s.router.History().TracesForRun(mux.Vars(r)["runId"]))
}

func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireEntitlement(w, r, identity.EntEventsRead) {
		return
	}
	writeJSON(w, http.StatusOK, s.router.History().GetStats())
}

type hashRequest struct {
	Payload event.Payload `json:"payload"`
	Wrapper event.Wrapper `json:"wrapper"`
	Secret  string        `json:"secret"`
}

// handleComputeHash is a client-side helper: it commits the submitted
// payload+wrapper under the caller's own secret. The server's secret is
// never used, so the endpoint cannot be abused to sign traffic.
func (s *Server) handleComputeHash(w http.ResponseWriter, r *http.Request) {
	var req hashRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Secret == "" {
		writeError(w, http.StatusBadRequest, "secret is required")
		return
	}
	hash, err := event.ComputeHash(&req.Payload, &req.Wrapper, req.Secret)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hash": hash})
}

func queryInt(r *http.Request, key string) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}
