// Package identity models the authenticated principal behind a session and
// the introspection client that resolves bearer tokens against the Identity
// collaborator.
package identity

// Kind discriminates the principal variants.
type Kind string

const (
	KindAnonymous Kind = "anonymous"
	KindUser      Kind = "user"
	KindAgent     Kind = "agent"
)

// Principal is the identity behind a session or request. Exactly the
// fields for its Kind are populated.
type Principal struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`

	// Agent fields.
	AgentID      string   `json:"agentId,omitempty"`
	OrgID        string   `json:"orgId,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`

	// User fields.
	Email        string   `json:"email,omitempty"`
	Entitlements []string `json:"entitlements,omitempty"`
	Roles        []string `json:"roles,omitempty"`
	Orgs         []string `json:"orgs,omitempty"`
	IsSuperAdmin bool     `json:"isSuperAdmin,omitempty"`
}

// Anonymous is the principal of unauthenticated sessions.
func Anonymous() *Principal { return &Principal{Kind: KindAnonymous} }

// IsAnonymous reports whether p carries no authenticated identity.
func (p *Principal) IsAnonymous() bool { return p == nil || p.Kind == KindAnonymous }

// Entitlement names used by the fabric and HTTP surfaces.
const (
	EntContractsWrite = "contracts.write"
	EntEventsRead     = "events.read"
	EntTopologyRead   = "topology.read"
)

// HasEntitlement reports whether p may exercise the named permission.
// Agents carry service-level trust and bypass entitlement checks, as do
// super-admin users. Anonymous principals never pass.
func (p *Principal) HasEntitlement(name string) bool {
	if p.IsAnonymous() {
		return false
	}
	if p.Kind == KindAgent {
		return true
	}
	if p.IsSuperAdmin {
		return true
	}
	for _, e := range p.Entitlements {
		if e == name {
			return true
		}
	}
	return false
}
