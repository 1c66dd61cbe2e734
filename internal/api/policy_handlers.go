package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Symbia-Labs/symbia-stack-sub002/internal/event"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/policy"
)

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	if !s.requireControlPlane(w, r) {
		return
	}
	var p policy.Policy
	if !decodeJSON(w, r, &p) {
		return
	}
	writeJSON(w, http.StatusCreated, s.policies.Create(p))
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.policies.List())
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := s.policies.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "policy not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	if !s.requireControlPlane(w, r) {
		return
	}
	var p policy.Policy
	if !decodeJSON(w, r, &p) {
		return
	}
	updated, err := s.policies.Update(mux.Vars(r)["id"], p)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if !s.requireControlPlane(w, r) {
		return
	}
	if !s.policies.Delete(mux.Vars(r)["id"]) {
		writeError(w, http.StatusNotFound, "policy not found")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleTestPolicy evaluates an event against the policy store without
// routing it.
func (s *Server) handleTestPolicy(w http.ResponseWriter, r *http.Request) {
	var ev event.Event
	if !decodeJSON(w, r, &ev) {
		return
	}
	verdict := s.policies.Evaluate(&ev)
	writeJSON(w, http.StatusOK, verdict)
}
