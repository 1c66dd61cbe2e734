package router

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Symbia-Labs/symbia-stack-sub002/internal/event"
)

// WatchFilter selects which finalized traces a subscription receives. An
// unset field is a wildcard.
type WatchFilter struct {
	RunID     string `json:"runId,omitempty"`
	Source    string `json:"source,omitempty"`
	EventType string `json:"eventType,omitempty"`
}

// Matches applies the filter against the event behind a finalized trace.
func (f WatchFilter) Matches(ev *event.Event) bool {
	if f.RunID != "" && f.RunID != ev.Wrapper.RunID {
		return false
	}
	if f.Source != "" && f.Source != ev.Wrapper.Source {
		return false
	}
	if f.EventType != "" && f.EventType != ev.Payload.Type {
		return false
	}
	return true
}

// WatchSubscription is one SDN watch owned by a session.
type WatchSubscription struct {
	ID        string      `json:"id"`
	Filter    WatchFilter `json:"filters"`
	SessionID string      `json:"sessionId"`
	CreatedAt time.Time   `json:"createdAt"`
}

// WatcherRegistry tracks active watch subscriptions.
type WatcherRegistry struct {
	mu   sync.RWMutex
	subs map[string]*WatchSubscription
}

// NewWatcherRegistry creates an empty registry.
func NewWatcherRegistry() *WatcherRegistry {
	return &WatcherRegistry{subs: make(map[string]*WatchSubscription)}
}

// Add creates a subscription for the session and returns it.
func (w *WatcherRegistry) Add(sessionID string, filter WatchFilter) *WatchSubscription {
	w.mu.Lock()
	defer w.mu.Unlock()
	sub := &WatchSubscription{
		ID:        uuid.New().String(),
		Filter:    filter,
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
	}
	w.subs[sub.ID] = sub
	return sub
}

// Remove deletes a subscription if it is owned by sessionID.
func (w *WatcherRegistry) Remove(id, sessionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	sub, ok := w.subs[id]
	if !ok || sub.SessionID != sessionID {
		return false
	}
	delete(w.subs, id)
	return true
}

// RemoveSession drops every subscription owned by the session.
func (w *WatcherRegistry) RemoveSession(sessionID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	removed := 0
	for id, sub := range w.subs {
		if sub.SessionID == sessionID {
			delete(w.subs, id)
			removed++
		}
	}
	return removed
}

// Matching returns the subscriptions whose filters match the event.
func (w *WatcherRegistry) Matching(ev *event.Event) []*WatchSubscription {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []*WatchSubscription
	for _, sub := range w.subs {
		if sub.Filter.Matches(ev) {
			out = append(out, sub)
		}
	}
	return out
}

// Count returns the number of active subscriptions.
func (w *WatcherRegistry) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.subs)
}
