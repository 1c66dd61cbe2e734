// Package event defines the transport unit of the network fabric — the
// {payload, wrapper, hash} envelope — and the integrity engine that commits
// its routing-relevant fields under the shared network secret.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Boundary classifies the trust domain an event crosses.
type Boundary string

const (
	BoundaryIntra Boundary = "intra" // within a cooperating group
	BoundaryInter Boundary = "inter" // across groups inside the platform
	BoundaryExtra Boundary = "extra" // crossing the external trust boundary
)

// Valid reports whether b is one of the three closed variants.
func (b Boundary) Valid() bool {
	switch b {
	case BoundaryIntra, BoundaryInter, BoundaryExtra:
		return true
	}
	return false
}

// Payload is the caller-supplied content of an event. Data is kept as raw
// JSON so the integrity engine can canonicalize it without the wire codec
// re-shaping numbers or key order.
type Payload struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Wrapper carries the routing metadata for one event.
type Wrapper struct {
	ID             string    `json:"id"`
	RunID          string    `json:"runId"`
	Timestamp      time.Time `json:"timestamp"`
	Source         string    `json:"source"`
	Target         string    `json:"target,omitempty"`
	CausedBy       string    `json:"causedBy,omitempty"`
	Path           []string  `json:"path"`
	Boundary       Boundary  `json:"boundary"`
	SourceEntityID string    `json:"sourceEntityId,omitempty"`
	TargetEntityID string    `json:"targetEntityId,omitempty"`
}

// Event is the full wire envelope. Its shape is part of the public ABI.
type Event struct {
	Payload Payload `json:"payload"`
	Wrapper Wrapper `json:"wrapper"`
	Hash    string  `json:"hash"`
}

// Options customizes New beyond the required fields.
type Options struct {
	Target         string
	CausedBy       string
	Boundary       Boundary
	SourceEntityID string
	TargetEntityID string
}

// New assembles a fully formed event: fresh id, path seeded with the source,
// and the integrity hash computed under secret.
func New(eventType string, data json.RawMessage, source, runID string, opts Options, secret string) (*Event, error) {
	boundary := opts.Boundary
	if boundary == "" {
		boundary = BoundaryIntra
	}
	ev := &Event{
		Payload: Payload{Type: eventType, Data: data},
		Wrapper: Wrapper{
			ID:             uuid.New().String(),
			RunID:          runID,
			Timestamp:      time.Now().UTC(),
			Source:         source,
			Target:         opts.Target,
			CausedBy:       opts.CausedBy,
			Path:           []string{source},
			Boundary:       boundary,
			SourceEntityID: opts.SourceEntityID,
			TargetEntityID: opts.TargetEntityID,
		},
	}
	hash, err := ComputeHash(&ev.Payload, &ev.Wrapper, secret)
	if err != nil {
		return nil, err
	}
	ev.Hash = hash
	return ev, nil
}
