package identity

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	introspectPath    = "/api/auth/introspect"
	introspectTimeout = 3 * time.Second
	cacheTTL          = 60 * time.Second
)

// Client introspects bearer tokens against the Identity service. Results
// are cached briefly so a chatty session does not hammer the collaborator.
// Any failure — transport, timeout, inactive token — degrades to the
// anonymous principal; authentication never blocks a session from opening.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	// serviceKey, when non-empty, accepts pre-shared X-Service-Key values
	// with agent-level trust.
	serviceKey string

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	principal *Principal
	expires   time.Time
}

// NewClient creates an introspection client for the given Identity base URL.
func NewClient(baseURL, serviceKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		serviceKey: serviceKey,
		httpClient: &http.Client{Timeout: introspectTimeout},
		logger:     logger.With("component", "identity"),
		cache:      make(map[string]cacheEntry),
	}
}

// introspectResponse is the Identity service's answer.
type introspectResponse struct {
	Active bool   `json:"active"`
	Kind   string `json:"kind"` // "user" or "agent"

	ID           string   `json:"id"`
	Name         string   `json:"name"`
	AgentID      string   `json:"agentId"`
	OrgID        string   `json:"orgId"`
	Capabilities []string `json:"capabilities"`
	Email        string   `json:"email"`
	Entitlements []string `json:"entitlements"`
	Roles        []string `json:"roles"`
	Orgs         []string `json:"orgs"`
	IsSuperAdmin bool     `json:"isSuperAdmin"`
}

// Introspect resolves a bearer token to a principal. Empty tokens and all
// failure modes return the anonymous principal.
func (c *Client) Introspect(ctx context.Context, token string) *Principal {
	if token == "" {
		return Anonymous()
	}

	c.mu.Lock()
	if entry, ok := c.cache[token]; ok && time.Now().Before(entry.expires) {
		c.mu.Unlock()
		return entry.principal
	}
	c.mu.Unlock()

	p := c.introspect(ctx, token)

	c.mu.Lock()
	c.cache[token] = cacheEntry{principal: p, expires: time.Now().Add(cacheTTL)}
	// Opportunistic cache pruning keeps the map bounded.
	if len(c.cache) > 1024 {
		now := time.Now()
		for k, e := range c.cache {
			if now.After(e.expires) {
				delete(c.cache, k)
			}
		}
	}
	c.mu.Unlock()

	return p
}

func (c *Client) introspect(ctx context.Context, token string) *Principal {
	body, _ := json.Marshal(map[string]string{"token": token})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+introspectPath, bytes.NewReader(body))
	if err != nil {
		return Anonymous()
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("token introspection failed", "error", err)
		return Anonymous()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("token introspection rejected", "status", resp.StatusCode)
		return Anonymous()
	}

	var ir introspectResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		c.logger.Warn("token introspection decode failed", "error", err)
		return Anonymous()
	}
	if !ir.Active {
		return Anonymous()
	}

	switch ir.Kind {
	case "agent":
		return &Principal{
			Kind:         KindAgent,
			ID:           ir.ID,
			Name:         ir.Name,
			AgentID:      ir.AgentID,
			OrgID:        ir.OrgID,
			Capabilities: ir.Capabilities,
		}
	case "user":
		return &Principal{
			Kind:         KindUser,
			ID:           ir.ID,
			Name:         ir.Name,
			Email:        ir.Email,
			Entitlements: ir.Entitlements,
			Roles:        ir.Roles,
			Orgs:         ir.Orgs,
			IsSuperAdmin: ir.IsSuperAdmin,
		}
	}
	return Anonymous()
}

// VerifyServiceKey checks a pre-shared service key and, on match, returns
// an agent-trust principal for service-to-service calls.
func (c *Client) VerifyServiceKey(key string) (*Principal, bool) {
	if c.serviceKey == "" || key == "" {
		return nil, false
	}
	if subtle.ConstantTimeCompare([]byte(c.serviceKey), []byte(key)) != 1 {
		return nil, false
	}
	return &Principal{Kind: KindAgent, ID: "service", Name: "pre-shared service"}, true
}
