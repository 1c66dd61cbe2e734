// Package router implements the core routing pipeline of the Network
// Service: integrity check, source validation, target resolution, policy
// evaluation, per-target delivery, trace finalization, and watcher fan-out.
package router

import "time"

// TraceStatus is the closed set of routing outcomes.
type TraceStatus string

const (
	StatusPending   TraceStatus = "pending"
	StatusDelivered TraceStatus = "delivered"
	StatusDropped   TraceStatus = "dropped"
	StatusError     TraceStatus = "error"
)

// HopAction is what happened at one node of the trace path.
type HopAction string

const (
	HopForward   HopAction = "forward"
	HopDeliver   HopAction = "deliver"
	HopDrop      HopAction = "drop"
	HopTransform HopAction = "transform"
)

// TraceHop records one step of the routing path.
type TraceHop struct {
	Node       string    `json:"node"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"durationMs"`
	PolicyID   string    `json:"policyId,omitempty"`
	Action     HopAction `json:"action"`
}

// Trace is the canonical record of how one event was routed. On every drop
// or error path, callers and watchers inspect Status and Error rather than
// receiving a transport-level failure.
type Trace struct {
	EventID         string      `json:"eventId"`
	RunID           string      `json:"runId"`
	Path            []TraceHop  `json:"path"`
	TotalDurationMs int64       `json:"totalDurationMs"`
	Status          TraceStatus `json:"status"`
	Error           string      `json:"error,omitempty"`
}

// Delivered reports whether at least one hop delivered.
func (t *Trace) Delivered() bool {
	for _, h := range t.Path {
		if h.Action == HopDeliver {
			return true
		}
	}
	return false
}
