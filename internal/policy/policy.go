// Package policy implements the prioritized rule engine the router consults
// for every event. Policies are held in memory and evaluated highest
// priority first; the first full match wins.
package policy

import (
	"encoding/json"
	"time"
)

// ActionType is the closed set of things a policy can do to an event.
type ActionType string

const (
	ActionAllow     ActionType = "allow"
	ActionDeny      ActionType = "deny"
	ActionRoute     ActionType = "route"
	ActionTransform ActionType = "transform"
	ActionLog       ActionType = "log"
)

// Action is the tagged variant selected by a matching policy. Only the
// fields relevant to Type are populated.
type Action struct {
	Type ActionType `json:"type"`

	// Reason explains a deny (optional).
	Reason string `json:"reason,omitempty"`

	// RouteTo replaces the resolved target set for route actions.
	RouteTo string `json:"routeTo,omitempty"`

	// Mapping is an opaque transform description. Transform is currently a
	// pass-through that annotates the trace; the mapping travels with the
	// action for forward compatibility.
	Mapping json.RawMessage `json:"mapping,omitempty"`

	// LogLevel is "debug", "info", "warn" or "error" for log actions.
	LogLevel string `json:"logLevel,omitempty"`
}

// Allow is the default action when no policy matches.
func Allow() Action { return Action{Type: ActionAllow} }

// Field names a condition can inspect on an event.
type Field string

const (
	FieldSource    Field = "source"
	FieldTarget    Field = "target"
	FieldEventType Field = "eventType"
	FieldBoundary  Field = "boundary"
	FieldRunID     Field = "runId"
)

// Operator is the closed set of condition comparators.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNeq        Operator = "neq"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startsWith"
	OpRegex      Operator = "regex"
)

// Condition is one predicate of a policy; all of a policy's conditions must
// hold (AND) for the policy to match.
type Condition struct {
	Field    Field    `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
}

// Policy is one prioritized rule.
type Policy struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Priority   int         `json:"priority"`
	Conditions []Condition `json:"conditions"`
	Action     Action      `json:"action"`
	Enabled    bool        `json:"enabled"`
	CreatedAt  time.Time   `json:"createdAt"`

	// seq preserves creation order for stable tie-breaking among equal
	// priorities.
	seq uint64
}
