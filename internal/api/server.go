// Package api is the request/response surface of the Network Service:
// registry management, event submission, policy CRUD, and the SoftSDN read
// models, served as REST/JSON alongside /metrics and the fabric's /ws.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Symbia-Labs/symbia-stack-sub002/internal/fabric"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/identity"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/policy"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/registry"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/router"
)

// Server holds the handler dependencies.
type Server struct {
	registry *registry.Registry
	policies *policy.Engine
	router   *router.Router
	identity *identity.Client
	hub      *fabric.Hub

	corsOrigins []string
	logger      *slog.Logger
}

// Options wires a Server.
type Options struct {
	Registry    *registry.Registry
	Policies    *policy.Engine
	Router      *router.Router
	Identity    *identity.Client
	Hub         *fabric.Hub
	CORSOrigins []string
	Logger      *slog.Logger
}

// NewServer creates the HTTP surface.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry:    opts.Registry,
		policies:    opts.Policies,
		router:      opts.Router,
		identity:    opts.Identity,
		hub:         opts.Hub,
		corsOrigins: opts.CORSOrigins,
		logger:      logger.With("component", "api"),
	}
}

// Routes builds the full route table.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)
	r.Use(s.authMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	if s.hub != nil {
		r.HandleFunc("/ws", s.hub.HandleWebSocket)
	}

	// Registry: nodes.
	r.HandleFunc("/api/registry/nodes", s.handleRegisterNode).Methods("POST")
	r.HandleFunc("/api/registry/nodes", s.handleListNodes).Methods("GET")
	r.HandleFunc("/api/registry/nodes/capability/{cap}", s.handleNodesByCapability).Methods("GET")
	r.HandleFunc("/api/registry/nodes/type/{type}", s.handleNodesByType).Methods("GET")
	r.HandleFunc("/api/registry/nodes/{id}", s.handleGetNode).Methods("GET")
	r.HandleFunc("/api/registry/nodes/{id}", s.handleUnregisterNode).Methods("DELETE")
	r.HandleFunc("/api/registry/nodes/{id}/heartbeat", s.handleHeartbeat).Methods("POST")

	// Registry: contracts and bridges.
	r.HandleFunc("/api/registry/contracts", s.handleCreateContract).Methods("POST")
	r.HandleFunc("/api/registry/contracts/{id}", s.handleDeleteContract).Methods("DELETE")
	r.HandleFunc("/api/registry/nodes/{id}/contracts", s.handleListContracts).Methods("GET")
	r.HandleFunc("/api/registry/bridges", s.handleRegisterBridge).Methods("POST")
	r.HandleFunc("/api/registry/bridges/{id}", s.handleDeleteBridge).Methods("DELETE")

	// Events.
	r.HandleFunc("/api/events", s.handleSubmitEvent).Methods("POST")
	r.HandleFunc("/api/events", s.handleListEvents).Methods("GET")
	r.HandleFunc("/api/events/hash", s.handleComputeHash).Methods("POST")
	r.HandleFunc("/api/events/stats", s.handleEventStats).Methods("GET")
	r.HandleFunc("/api/events/traces/{runId}", s.handleTracesForRun).Methods("GET")
	r.HandleFunc("/api/events/{id}/trace", s.handleEventTrace).Methods("GET")

	// Policies.
	r.HandleFunc("/api/policies", s.handleCreatePolicy).Methods("POST")
	r.HandleFunc("/api/policies", s.handleListPolicies).Methods("GET")
	r.HandleFunc("/api/policies/test", s.handleTestPolicy).Methods("POST")
	r.HandleFunc("/api/policies/{id}", s.handleGetPolicy).Methods("GET")
	r.HandleFunc("/api/policies/{id}", s.handleUpdatePolicy).Methods("PUT")
	r.HandleFunc("/api/policies/{id}", s.handleDeletePolicy).Methods("DELETE")

	// SoftSDN read models.
	r.HandleFunc("/api/sdn/topology", s.handleTopology).Methods("GET")
	r.HandleFunc("/api/sdn/summary", s.handleSummary).Methods("GET")
	r.HandleFunc("/api/sdn/trace/{eventId}", s.handleSDNTrace).Methods("GET")
	r.HandleFunc("/api/sdn/traces/{runId}", s.handleSDNTracesForRun).Methods("GET")
	r.HandleFunc("/api/sdn/flow/{runId}", s.handleFlow).Methods("GET")
	r.HandleFunc("/api/sdn/simulate", s.handleSimulate).Methods("POST")
	r.HandleFunc("/api/sdn/graph", s.handleGraph).Methods("GET")

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.corsOrigins))
	for _, o := range s.corsOrigins {
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case len(allowed) == 0:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Service-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type ctxKey int

const principalKey ctxKey = iota

// authMiddleware resolves the request principal from a bearer token or a
// pre-shared service key. Unauthenticated requests proceed as anonymous;
// individual handlers enforce their own requirements.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := identity.Anonymous()
		if key := r.Header.Get("X-Service-Key"); key != "" {
			if p, ok := s.identity.VerifyServiceKey(key); ok {
				principal = p
			}
		} else if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			principal = s.identity.Introspect(r.Context(), strings.TrimPrefix(auth, "Bearer "))
		}
		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(r *http.Request) *identity.Principal {
	if p, ok := r.Context().Value(principalKey).(*identity.Principal); ok {
		return p
	}
	return identity.Anonymous()
}

// requireEntitlement rejects the request unless the principal passes the
// entitlement check. Returns false after writing the error response.
func (s *Server) requireEntitlement(w http.ResponseWriter, r *http.Request, name string) bool {
	p := principalFrom(r)
	if p.IsAnonymous() {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return false
	}
	if !p.HasEntitlement(name) {
		writeError(w, http.StatusForbidden, "missing entitlement: "+name)
		return false
	}
	return true
}

// requireControlPlane admits only agents and super-admin users.
func (s *Server) requireControlPlane(w http.ResponseWriter, r *http.Request) bool {
	p := principalFrom(r)
	if p.IsAnonymous() {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return false
	}
	if p.Kind != identity.KindAgent && !p.IsSuperAdmin {
		writeError(w, http.StatusForbidden, "control-plane access required")
		return false
	}
	return true
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
