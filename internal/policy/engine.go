package policy

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Symbia-Labs/symbia-stack-sub002/internal/event"
)

// Verdict is the outcome of evaluating the policy set against an event.
type Verdict struct {
	// PolicyID is empty when no policy matched (default allow).
	PolicyID string `json:"policyId,omitempty"`
	Action   Action `json:"action"`
}

// Engine holds the in-memory policy store.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	nextSeq  uint64
	logger   *slog.Logger
}

// NewEngine creates an empty engine.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		policies: make(map[string]*Policy),
		logger:   logger.With("component", "policy"),
	}
}

// SeedDefaults installs the startup policy set: intra traffic flows freely,
// inter and extra boundary traffic is logged but not blocked.
func (e *Engine) SeedDefaults() {
	e.Create(Policy{
		Name:       "allow-intra",
		Priority:   100,
		Conditions: []Condition{{Field: FieldBoundary, Operator: OpEq, Value: string(event.BoundaryIntra)}},
		Action:     Action{Type: ActionAllow},
		Enabled:    true,
	})
	e.Create(Policy{
		Name:       "log-inter",
		Priority:   90,
		Conditions: []Condition{{Field: FieldBoundary, Operator: OpEq, Value: string(event.BoundaryInter)}},
		Action:     Action{Type: ActionLog, LogLevel: "info"},
		Enabled:    true,
	})
	e.Create(Policy{
		Name:       "log-extra",
		Priority:   90,
		Conditions: []Condition{{Field: FieldBoundary, Operator: OpEq, Value: string(event.BoundaryExtra)}},
		Action:     Action{Type: ActionLog, LogLevel: "warn"},
		Enabled:    true,
	})
}

// Create stores a new policy and returns it with its generated id.
func (e *Engine) Create(p Policy) *Policy {
	e.mu.Lock()
	defer e.mu.Unlock()

	p.ID = uuid.New().String()
	p.CreatedAt = time.Now().UTC()
	e.nextSeq++
	p.seq = e.nextSeq

	stored := p
	e.policies[stored.ID] = &stored
	e.logger.Info("policy created", "id", stored.ID, "name", stored.Name, "priority", stored.Priority)
	return &stored
}

// Update replaces the mutable fields of an existing policy.
func (e *Engine) Update(id string, p Policy) (*Policy, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	existing, ok := e.policies[id]
	if !ok {
		return nil, fmt.Errorf("policy %s not found", id)
	}
	existing.Name = p.Name
	existing.Priority = p.Priority
	existing.Conditions = p.Conditions
	existing.Action = p.Action
	existing.Enabled = p.Enabled

	out := *existing
	return &out, nil
}

// Delete removes a policy; it reports whether the id existed.
func (e *Engine) Delete(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.policies[id]; !ok {
		return false
	}
	delete(e.policies, id)
	return true
}

// Get returns a copy of the policy with the given id.
func (e *Engine) Get(id string) (*Policy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.policies[id]
	if !ok {
		return nil, false
	}
	out := *p
	return &out, true
}

// List returns all policies ordered by descending priority, ties by
// creation order.
func (e *Engine) List() []*Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Policy, 0, len(e.policies))
	for _, p := range e.policies {
		cp := *p
		out = append(out, &cp)
	}
	sortPolicies(out)
	return out
}

// Evaluate runs the event through the enabled policies and returns the
// verdict of the first (highest-priority) full match, or default allow.
func (e *Engine) Evaluate(ev *event.Event) Verdict {
	e.mu.RLock()
	candidates := make([]*Policy, 0, len(e.policies))
	for _, p := range e.policies {
		if p.Enabled {
			candidates = append(candidates, p)
		}
	}
	e.mu.RUnlock()

	sortPolicies(candidates)

	for _, p := range candidates {
		if matches(p, ev) {
			return Verdict{PolicyID: p.ID, Action: p.Action}
		}
	}
	return Verdict{Action: Allow()}
}

func sortPolicies(ps []*Policy) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Priority != ps[j].Priority {
			return ps[i].Priority > ps[j].Priority
		}
		return ps[i].seq < ps[j].seq
	})
}

func matches(p *Policy, ev *event.Event) bool {
	for _, c := range p.Conditions {
		if !conditionHolds(c, ev) {
			return false
		}
	}
	return true
}

func conditionHolds(c Condition, ev *event.Event) bool {
	value := extractField(c.Field, ev)
	switch c.Operator {
	case OpEq:
		return value == c.Value
	case OpNeq:
		return value != c.Value
	case OpContains:
		return strings.Contains(value, c.Value)
	case OpStartsWith:
		return strings.HasPrefix(value, c.Value)
	case OpRegex:
		re, err := regexp.Compile(c.Value)
		if err != nil {
			// Invalid patterns fail the condition silently.
			return false
		}
		return re.MatchString(value)
	}
	return false
}

func extractField(f Field, ev *event.Event) string {
	switch f {
	case FieldSource:
		return ev.Wrapper.Source
	case FieldTarget:
		return ev.Wrapper.Target
	case FieldEventType:
		return ev.Payload.Type
	case FieldBoundary:
		return string(ev.Wrapper.Boundary)
	case FieldRunID:
		return ev.Wrapper.RunID
	}
	return ""
}
