package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Symbia-Labs/symbia-stack-sub002/internal/event"
)

// Turn-taking event types. These are ordinary fabric events; the Network
// Service gives them no special treatment.
const (
	EventClaim   = "assistant.intent.claim"
	EventDefer   = "assistant.intent.defer"
	EventRespond = "assistant.intent.respond"
	EventObserve = "assistant.action.observe"
)

// Claim is one assistant's bid to handle a conversation turn.
type Claim struct {
	AssistantKey string    `json:"assistantKey"`
	Priority     int       `json:"priority"`
	ClaimedAt    time.Time `json:"claimedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Expired reports whether the claim's window has passed.
func (c Claim) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(now)
}

// beats reports whether c wins over other: strictly higher priority, ties
// broken by earliest claimedAt.
func (c Claim) beats(other Claim) bool {
	if c.Priority != other.Priority {
		return c.Priority > other.Priority
	}
	return c.ClaimedAt.Before(other.ClaimedAt)
}

// claimTable aggregates claims per conversation.
type claimTable struct {
	mu            sync.Mutex
	conversations map[string]map[string]Claim // conversationId -> assistantKey -> claim
}

func newClaimTable() *claimTable {
	return &claimTable{conversations: make(map[string]map[string]Claim)}
}

func (t *claimTable) register(conversationID string, c Claim) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conversations[conversationID] == nil {
		t.conversations[conversationID] = make(map[string]Claim)
	}
	t.conversations[conversationID][c.AssistantKey] = c
}

// snapshot returns the claims for a conversation that were still live at
// asOf. Resolution passes the window's opening instant here: a rival whose
// claim covered any part of the window counts, even though its expiry has
// passed by the time the window closes.
func (t *claimTable) snapshot(conversationID string, asOf time.Time) []Claim {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Claim
	for _, c := range t.conversations[conversationID] {
		if !c.Expired(asOf) {
			out = append(out, c)
		}
	}
	return out
}

func (t *claimTable) clear(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conversations, conversationID)
}

// claimPayload is the wire shape of turn-taking events.
type claimPayload struct {
	AssistantKey   string `json:"assistantKey"`
	EntityID       string `json:"entityId,omitempty"`
	ConversationID string `json:"conversationId"`
	Justification  string `json:"justification,omitempty"`
	Claim          *Claim `json:"claim,omitempty"`
}

// EmitClaim broadcasts an assistant.intent.claim for the conversation and
// registers the claim locally so WaitForClaimWindow sees the caller's own
// bid.
func (c *Client) EmitClaim(ctx context.Context, assistantKey, entityID, conversationID, justification, runID string, priority int, window time.Duration) error {
	claim := Claim{
		AssistantKey: assistantKey,
		Priority:     priority,
		ClaimedAt:    time.Now().UTC(),
		ExpiresAt:    time.Now().UTC().Add(window),
	}
	c.claims.register(conversationID, claim)

	data, err := json.Marshal(claimPayload{
		AssistantKey:   assistantKey,
		EntityID:       entityID,
		ConversationID: conversationID,
		Justification:  justification,
		Claim:          &claim,
	})
	if err != nil {
		return err
	}
	_, err = c.Send(ctx, EventClaim, data, runID, SendOptions{})
	return err
}

// ClaimDecision is the outcome of a claim window.
type ClaimDecision struct {
	ShouldProceed    bool   `json:"shouldProceed"`
	WinningAssistant string `json:"winningAssistant,omitempty"`
}

// WaitForClaimWindow waits out the window, then resolves the conversation's
// claims: the winner holds strictly higher priority than every rival, ties
// broken by earliest claimedAt. The caller proceeds only if its own claim
// wins; with no rival claims the caller always proceeds. Rival claims are
// judged live against the window's opening instant, so a claim that expires
// mid-window still contends; only claims already expired when the wait began
// are ignored.
func (c *Client) WaitForClaimWindow(ctx context.Context, conversationID, assistantKey string, ownPriority int, window time.Duration) (ClaimDecision, error) {
	opened := time.Now().UTC()

	select {
	case <-time.After(window):
	case <-ctx.Done():
		return ClaimDecision{}, ctx.Err()
	}

	claims := c.claims.snapshot(conversationID, opened)

	own := Claim{AssistantKey: assistantKey, Priority: ownPriority, ClaimedAt: time.Now().UTC()}
	found := false
	for _, cl := range claims {
		if cl.AssistantKey == assistantKey {
			own = cl
			found = true
			break
		}
	}
	if !found {
		claims = append(claims, own)
	}

	winner := own
	for _, cl := range claims {
		if cl.AssistantKey == winner.AssistantKey {
			continue
		}
		if cl.beats(winner) {
			winner = cl
		}
	}

	if winner.AssistantKey == assistantKey {
		return ClaimDecision{ShouldProceed: true}, nil
	}
	return ClaimDecision{ShouldProceed: false, WinningAssistant: winner.AssistantKey}, nil
}

// RegisterExternalClaim records a rival assistant's claim, typically from a
// handler receiving a remote assistant.intent.claim event.
func (c *Client) RegisterExternalClaim(conversationID, assistantKey string, priority int, claimedAt, expiresAt time.Time) {
	c.claims.register(conversationID, Claim{
		AssistantKey: assistantKey,
		Priority:     priority,
		ClaimedAt:    claimedAt,
		ExpiresAt:    expiresAt,
	})
}

// ClearClaims drops the claim state for a finished conversation.
func (c *Client) ClearClaims(conversationID string) {
	c.claims.clear(conversationID)
}

// trackIncomingClaim auto-registers claims arriving as ordinary events, so
// assistants that subscribe to claim broadcasts need no extra wiring.
func (c *Client) trackIncomingClaim(ev *event.Event) {
	if ev.Payload.Type != EventClaim {
		return
	}
	var p claimPayload
	if err := json.Unmarshal(ev.Payload.Data, &p); err != nil || p.Claim == nil || p.ConversationID == "" {
		return
	}
	claim := *p.Claim
	if claim.AssistantKey == "" {
		claim.AssistantKey = p.AssistantKey
	}
	if claim.AssistantKey == "" || claim.AssistantKey == c.cfg.NodeID {
		return
	}
	c.claims.register(p.ConversationID, claim)
}

// EmitDefer announces that this assistant yields the turn.
func (c *Client) EmitDefer(ctx context.Context, assistantKey, conversationID, justification, runID string) error {
	return c.emitTurnEvent(ctx, EventDefer, assistantKey, conversationID, justification, runID)
}

// EmitObserve announces passive observation of the conversation.
func (c *Client) EmitObserve(ctx context.Context, assistantKey, conversationID, justification, runID string) error {
	return c.emitTurnEvent(ctx, EventObserve, assistantKey, conversationID, justification, runID)
}

// EmitRespond announces that this assistant takes the turn.
func (c *Client) EmitRespond(ctx context.Context, assistantKey, conversationID, justification, runID string) error {
	return c.emitTurnEvent(ctx, EventRespond, assistantKey, conversationID, justification, runID)
}

func (c *Client) emitTurnEvent(ctx context.Context, eventType, assistantKey, conversationID, justification, runID string) error {
	data, err := json.Marshal(claimPayload{
		AssistantKey:   assistantKey,
		ConversationID: conversationID,
		Justification:  justification,
	})
	if err != nil {
		return err
	}
	_, err = c.Send(ctx, eventType, data, runID, SendOptions{})
	return err
}
