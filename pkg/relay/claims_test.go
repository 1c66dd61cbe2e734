package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Symbia-Labs/symbia-stack-sub002/internal/event"
)

func TestClaimResolutionLocalTable(t *testing.T) {
	c := NewClient(Config{NodeID: "assistant-a"})

	// No rivals: the caller proceeds.
	decision, err := c.WaitForClaimWindow(context.Background(), "c1", "assistant-a", 30, 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, decision.ShouldProceed)

	// A strictly higher-priority rival wins.
	c.RegisterExternalClaim("c1", "assistant-b", 70,
		time.Now().UTC(), time.Now().UTC().Add(time.Minute))
	decision, err = c.WaitForClaimWindow(context.Background(), "c1", "assistant-a", 30, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, decision.ShouldProceed)
	assert.Equal(t, "assistant-b", decision.WinningAssistant)

	// A lower-priority rival loses.
	decision, err = c.WaitForClaimWindow(context.Background(), "c1", "assistant-a", 90, 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, decision.ShouldProceed)
}

func TestClaimTieBreaksOnEarliestClaimedAt(t *testing.T) {
	c := NewClient(Config{NodeID: "assistant-a"})
	now := time.Now().UTC()

	// Same priority, rival claimed earlier: rival wins.
	c.RegisterExternalClaim("c1", "assistant-b", 50, now.Add(-time.Second), now.Add(time.Minute))
	c.claims.register("c1", Claim{
		AssistantKey: "assistant-a", Priority: 50,
		ClaimedAt: now, ExpiresAt: now.Add(time.Minute),
	})

	decision, err := c.WaitForClaimWindow(context.Background(), "c1", "assistant-a", 50, 5*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, decision.ShouldProceed)
	assert.Equal(t, "assistant-b", decision.WinningAssistant)
}

// A rival whose claim covers the same window expires by the time the window
// closes; it must still contend, otherwise every short-window rival would be
// discarded at resolution.
func TestRivalExpiringMidWindowStillContends(t *testing.T) {
	c := NewClient(Config{NodeID: "assistant-a"})
	window := 50 * time.Millisecond
	now := time.Now().UTC()

	c.RegisterExternalClaim("c1", "assistant-b", 99, now, now.Add(window))

	decision, err := c.WaitForClaimWindow(context.Background(), "c1", "assistant-a", 10, window)
	require.NoError(t, err)
	assert.False(t, decision.ShouldProceed)
	assert.Equal(t, "assistant-b", decision.WinningAssistant)
}

func TestExpiredClaimsIgnored(t *testing.T) {
	c := NewClient(Config{NodeID: "assistant-a"})
	now := time.Now().UTC()

	c.RegisterExternalClaim("c1", "assistant-b", 99, now.Add(-time.Minute), now.Add(-time.Second))

	decision, err := c.WaitForClaimWindow(context.Background(), "c1", "assistant-a", 10, 5*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, decision.ShouldProceed, "expired rival claims do not count")
}

func TestClearClaims(t *testing.T) {
	c := NewClient(Config{NodeID: "assistant-a"})
	c.RegisterExternalClaim("c1", "assistant-b", 99,
		time.Now().UTC(), time.Now().UTC().Add(time.Minute))
	c.ClearClaims("c1")

	decision, err := c.WaitForClaimWindow(context.Background(), "c1", "assistant-a", 10, 5*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, decision.ShouldProceed)
}

// Two assistants claim the same conversation; the higher priority wins and
// the loser defers.
func TestClaimWindowAcrossFabric(t *testing.T) {
	f := newRelayFixture(t)

	a := f.client(t, "assistant-a", nil)
	b := f.client(t, "assistant-b", nil)

	// Claims are ordinary events: each assistant needs a contract to reach
	// the other, and a handler to hear rival claims.
	ctx := context.Background()
	_, err := a.CreateContract(ctx, "assistant-b",
		[]string{"assistant.intent.*"}, []event.Boundary{event.BoundaryIntra}, nil)
	require.NoError(t, err)
	_, err = b.CreateContract(ctx, "assistant-a",
		[]string{"assistant.intent.*"}, []event.Boundary{event.BoundaryIntra}, nil)
	require.NoError(t, err)

	window := 300 * time.Millisecond
	require.NoError(t, a.EmitClaim(ctx, "assistant-a", "", "c1", "user asked about billing", "run-1", 30, window))
	require.NoError(t, b.EmitClaim(ctx, "assistant-b", "", "c1", "billing is my domain", "run-1", 70, window))

	type outcome struct {
		key      string
		decision ClaimDecision
	}
	results := make(chan outcome, 2)

	go func() {
		d, err := a.WaitForClaimWindow(ctx, "c1", "assistant-a", 30, window)
		require.NoError(t, err)
		results <- outcome{"assistant-a", d}
	}()
	go func() {
		d, err := b.WaitForClaimWindow(ctx, "c1", "assistant-b", 70, window)
		require.NoError(t, err)
		results <- outcome{"assistant-b", d}
	}()

	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			switch r.key {
			case "assistant-a":
				assert.False(t, r.decision.ShouldProceed, "lower priority yields")
				assert.Equal(t, "assistant-b", r.decision.WinningAssistant)
			case "assistant-b":
				assert.True(t, r.decision.ShouldProceed, "higher priority proceeds")
			}
		case <-time.After(3 * time.Second):
			t.Fatal("claim window never resolved")
		}
	}

	assert.NoError(t, a.EmitDefer(ctx, "assistant-a", "c1", "yielding to billing specialist", "run-1"))
	assert.NoError(t, b.EmitRespond(ctx, "assistant-b", "c1", "taking the turn", "run-1"))
}
