package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/Symbia-Labs/symbia-stack-sub002/internal/event"
)

// AutoContractPattern describes a standard communication pattern. When a
// node whose id equals From registers for the first time, the registry
// creates the described contract automatically (deduplicated against any
// existing equal contract).
type AutoContractPattern struct {
	Name       string   `yaml:"name"`
	From       string   `yaml:"from"`
	To         string   `yaml:"to"`
	EventTypes []string `yaml:"eventTypes"`
	Boundaries []string `yaml:"boundaries"`
}

// DefaultPatterns are the built-in standard communication patterns:
// assistants broadcast their intent justifications to everyone, and the
// messaging store feeds assistants.
func DefaultPatterns() []AutoContractPattern {
	return []AutoContractPattern{
		{
			Name:       "assistant-justification-broadcast",
			From:       "assistants",
			To:         WildcardTarget,
			EventTypes: []string{"assistant.intent.*", "assistant.action.observe"},
			Boundaries: []string{string(event.BoundaryIntra), string(event.BoundaryInter)},
		},
		{
			Name:       "messaging-to-assistants",
			From:       "messaging",
			To:         "assistants",
			EventTypes: []string{"message.*"},
			Boundaries: []string{string(event.BoundaryIntra)},
		},
	}
}

// LoadPatterns reads a pattern table from a YAML file.
func LoadPatterns(path string) ([]AutoContractPattern, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var doc struct {
		Patterns []AutoContractPattern `yaml:"patterns"`
	}
	if err := yaml.NewDecoder(f).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse patterns file %s: %w", path, err)
	}
	return doc.Patterns, nil
}

// applyAutoContractsLocked creates the pattern-driven contracts for a newly
// registered node. Caller holds the write lock.
func (r *Registry) applyAutoContractsLocked(node *Node) {
	for _, p := range r.patterns {
		if p.From != node.ID {
			continue
		}
		boundaries := make([]event.Boundary, 0, len(p.Boundaries))
		for _, b := range p.Boundaries {
			if bd := event.Boundary(b); bd.Valid() {
				boundaries = append(boundaries, bd)
			}
		}
		if len(boundaries) == 0 || len(p.EventTypes) == 0 {
			continue
		}
		if r.findEqualContractLocked(p.From, p.To, p.EventTypes, boundaries) != nil {
			continue
		}
		c := &Contract{
			ID:                newContractID(),
			From:              p.From,
			To:                p.To,
			AllowedEventTypes: p.EventTypes,
			Boundaries:        boundaries,
			CreatedAt:         node.RegisteredAt,
		}
		r.contracts[c.ID] = c
		r.contractOrder = append(r.contractOrder, c.ID)
		r.logger.Info("auto-contract created", "pattern", p.Name, "from", p.From, "to", p.To)
	}
}
