package router

import (
	"sync"

	"github.com/Symbia-Labs/symbia-stack-sub002/internal/event"
)

// Stats summarizes routing outcomes since startup.
type Stats struct {
	Total     int64 `json:"total"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Errored   int64 `json:"errored"`
}

// History holds the two bounded in-memory stores: a ring buffer of recent
// events and a trace map with insertion-order eviction.
type History struct {
	mu sync.RWMutex

	// Event ring buffer.
	events   []*event.Event
	eventCap int
	next     int
	count    int

	// Trace store, evicted oldest-first by insertion order.
	traces     map[string]*Trace
	traceOrder []string
	traceCap   int

	stats Stats
}

// NewHistory creates stores with the given capacities.
func NewHistory(eventCap, traceCap int) *History {
	return &History{
		events:   make([]*event.Event, eventCap),
		eventCap: eventCap,
		traces:   make(map[string]*Trace),
		traceCap: traceCap,
	}
}

// RecordEvent appends an event to the ring buffer, overwriting the oldest
// entry once capacity is reached.
func (h *History) RecordEvent(ev *event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events[h.next] = ev
	h.next = (h.next + 1) % h.eventCap
	if h.count < h.eventCap {
		h.count++
	}
}

// RecentEvents returns up to limit events, newest first.
func (h *History) RecentEvents(limit int) []*event.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if limit <= 0 || limit > h.count {
		limit = h.count
	}
	out := make([]*event.Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (h.next - i + h.eventCap) % h.eventCap
		out = append(out, h.events[idx])
	}
	return out
}

// EventsForRun returns up to limit events with the given run id, newest
// first.
func (h *History) EventsForRun(runID string, limit int) []*event.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	max := h.count
	if limit <= 0 {
		limit = max
	}
	out := make([]*event.Event, 0)
	for i := 1; i <= max && len(out) < limit; i++ {
		idx := (h.next - i + h.eventCap) % h.eventCap
		if ev := h.events[idx]; ev != nil && ev.Wrapper.RunID == runID {
			out = append(out, ev)
		}
	}
	return out
}

// RecordTrace stores a finalized trace, evicting the oldest stored trace
// when the capacity is exceeded, and bumps the outcome counters.
func (h *History) RecordTrace(t *Trace) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.traces[t.EventID]; !exists {
		h.traceOrder = append(h.traceOrder, t.EventID)
	}
	h.traces[t.EventID] = t

	for len(h.traceOrder) > h.traceCap {
		oldest := h.traceOrder[0]
		h.traceOrder = h.traceOrder[1:]
		delete(h.traces, oldest)
	}

	h.stats.Total++
	switch t.Status {
	case StatusDelivered:
		h.stats.Delivered++
	case StatusDropped:
		h.stats.Dropped++
	case StatusError:
		h.stats.Errored++
	}
}

// GetTrace looks up the trace for an event id.
func (h *History) GetTrace(eventID string) (*Trace, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.traces[eventID]
	return t, ok
}

// TracesForRun returns all stored traces for a run id in insertion order.
func (h *History) TracesForRun(runID string) []*Trace {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Trace
	for _, id := range h.traceOrder {
		if t := h.traces[id]; t != nil && t.RunID == runID {
			out = append(out, t)
		}
	}
	return out
}

// TraceCount returns the number of stored traces.
func (h *History) TraceCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.traces)
}

// GetStats returns a copy of the outcome counters.
func (h *History) GetStats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}
