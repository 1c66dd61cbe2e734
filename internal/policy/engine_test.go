package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Symbia-Labs/symbia-stack-sub002/internal/event"
)

func testEvent(source, target, eventType, runID string, boundary event.Boundary) *event.Event {
	return &event.Event{
		Payload: event.Payload{Type: eventType, Data: json.RawMessage(`{}`)},
		Wrapper: event.Wrapper{
			Source:   source,
			Target:   target,
			RunID:    runID,
			Boundary: boundary,
			Path:     []string{source},
		},
	}
}

func TestDefaultAllowWhenNoPolicies(t *testing.T) {
	e := NewEngine(nil)
	v := e.Evaluate(testEvent("a", "", "x", "r1", event.BoundaryIntra))
	assert.Equal(t, ActionAllow, v.Action.Type)
	assert.Empty(t, v.PolicyID)
}

func TestPriorityOrdering(t *testing.T) {
	e := NewEngine(nil)
	low := e.Create(Policy{
		Name:     "low",
		Priority: 10,
		Action:   Action{Type: ActionLog, LogLevel: "info"},
		Enabled:  true,
	})
	high := e.Create(Policy{
		Name:     "high",
		Priority: 200,
		Action:   Action{Type: ActionDeny, Reason: "blocked"},
		Enabled:  true,
	})

	v := e.Evaluate(testEvent("a", "", "x", "r1", event.BoundaryIntra))
	assert.Equal(t, high.ID, v.PolicyID)
	assert.Equal(t, ActionDeny, v.Action.Type)
	assert.Equal(t, "blocked", v.Action.Reason)
	_ = low
}

func TestPriorityTieBreaksByCreationOrder(t *testing.T) {
	e := NewEngine(nil)
	first := e.Create(Policy{Name: "first", Priority: 50, Action: Allow(), Enabled: true})
	_ = e.Create(Policy{Name: "second", Priority: 50, Action: Action{Type: ActionDeny}, Enabled: true})

	v := e.Evaluate(testEvent("a", "", "x", "r1", event.BoundaryIntra))
	assert.Equal(t, first.ID, v.PolicyID)
	assert.Equal(t, ActionAllow, v.Action.Type)
}

func TestDisabledPoliciesSkipped(t *testing.T) {
	e := NewEngine(nil)
	e.Create(Policy{Name: "off", Priority: 500, Action: Action{Type: ActionDeny}, Enabled: false})
	v := e.Evaluate(testEvent("a", "", "x", "r1", event.BoundaryIntra))
	assert.Equal(t, ActionAllow, v.Action.Type)
	assert.Empty(t, v.PolicyID)
}

func TestConditionsAreANDed(t *testing.T) {
	e := NewEngine(nil)
	p := e.Create(Policy{
		Name:     "both",
		Priority: 100,
		Conditions: []Condition{
			{Field: FieldSource, Operator: OpEq, Value: "integrations"},
			{Field: FieldBoundary, Operator: OpEq, Value: "extra"},
		},
		Action:  Action{Type: ActionDeny, Reason: "external blocked"},
		Enabled: true,
	})

	v := e.Evaluate(testEvent("integrations", "", "x", "r1", event.BoundaryExtra))
	assert.Equal(t, p.ID, v.PolicyID)

	v = e.Evaluate(testEvent("integrations", "", "x", "r1", event.BoundaryIntra))
	assert.Empty(t, v.PolicyID, "one failing condition must reject the policy")
}

func TestOperatorSemantics(t *testing.T) {
	ev := testEvent("messaging", "assistants", "message.new", "run-42", event.BoundaryIntra)

	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq match", Condition{FieldSource, OpEq, "messaging"}, true},
		{"eq miss", Condition{FieldSource, OpEq, "assistants"}, false},
		{"neq", Condition{FieldTarget, OpNeq, "logging"}, true},
		{"contains", Condition{FieldEventType, OpContains, "sage.n"}, true},
		{"startsWith", Condition{FieldEventType, OpStartsWith, "message."}, true},
		{"startsWith miss", Condition{FieldEventType, OpStartsWith, "assistant."}, false},
		{"regex", Condition{FieldRunID, OpRegex, `^run-\d+$`}, true},
		{"regex invalid fails silently", Condition{FieldRunID, OpRegex, `([`}, false},
		{"unknown operator", Condition{FieldRunID, Operator("fuzzy"), "x"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, conditionHolds(tc.cond, ev))
		})
	}
}

func TestEmptyTargetExtractsAsEmptyString(t *testing.T) {
	e := NewEngine(nil)
	p := e.Create(Policy{
		Name:       "untargeted",
		Priority:   10,
		Conditions: []Condition{{Field: FieldTarget, Operator: OpEq, Value: ""}},
		Action:     Action{Type: ActionLog, LogLevel: "debug"},
		Enabled:    true,
	})
	v := e.Evaluate(testEvent("a", "", "x", "r1", event.BoundaryIntra))
	assert.Equal(t, p.ID, v.PolicyID)
}

func TestSeedDefaults(t *testing.T) {
	e := NewEngine(nil)
	e.SeedDefaults()

	list := e.List()
	require.Len(t, list, 3)
	assert.Equal(t, "allow-intra", list[0].Name)

	v := e.Evaluate(testEvent("a", "", "x", "r1", event.BoundaryIntra))
	assert.Equal(t, ActionAllow, v.Action.Type)

	v = e.Evaluate(testEvent("a", "", "x", "r1", event.BoundaryInter))
	assert.Equal(t, ActionLog, v.Action.Type)
	assert.Equal(t, "info", v.Action.LogLevel)

	v = e.Evaluate(testEvent("a", "", "x", "r1", event.BoundaryExtra))
	assert.Equal(t, ActionLog, v.Action.Type)
	assert.Equal(t, "warn", v.Action.LogLevel)
}

func TestCRUD(t *testing.T) {
	e := NewEngine(nil)
	p := e.Create(Policy{Name: "p", Priority: 5, Action: Allow(), Enabled: true})

	got, ok := e.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, "p", got.Name)
	assert.False(t, got.CreatedAt.IsZero())

	updated, err := e.Update(p.ID, Policy{Name: "p2", Priority: 7, Action: Action{Type: ActionDeny}, Enabled: false})
	require.NoError(t, err)
	assert.Equal(t, "p2", updated.Name)
	assert.Equal(t, 7, updated.Priority)

	_, err = e.Update("missing", Policy{})
	assert.Error(t, err)

	assert.True(t, e.Delete(p.ID))
	assert.False(t, e.Delete(p.ID))
	_, ok = e.Get(p.ID)
	assert.False(t, ok)
}
