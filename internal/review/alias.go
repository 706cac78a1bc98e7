// Package review drives blinded competition reviews: reviewer agents
// receive the run's spec and every candidate's diff under stable opaque
// aliases, and their markdown verdict is checked against a strict
// output contract before it counts.
package review

import (
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// aliasLength is the number of lowercase hex characters after the r_
// prefix.
const aliasLength = 10

// Blinding maps candidate agent ids to stable opaque aliases for one
// review session. Aliases are assigned once at creation and never
// change for the session's lifetime.
type Blinding struct {
	byAgent map[string]string
	byAlias map[string]string
}

// NewBlinding assigns a fresh alias to every candidate agent id.
func NewBlinding(agentIDs []string) *Blinding {
	b := &Blinding{
		byAgent: make(map[string]string, len(agentIDs)),
		byAlias: make(map[string]string, len(agentIDs)),
	}
	for _, agentID := range agentIDs {
		if _, exists := b.byAgent[agentID]; exists {
			continue
		}
		alias := newAlias()
		for b.byAlias[alias] != "" {
			alias = newAlias()
		}
		b.byAgent[agentID] = alias
		b.byAlias[alias] = agentID
	}
	return b
}

func newAlias() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "r_" + hex[:aliasLength]
}

// Alias returns the alias for an agent id.
func (b *Blinding) Alias(agentID string) (string, bool) {
	alias, ok := b.byAgent[agentID]
	return alias, ok
}

// AgentID reverses an alias back to the agent id.
func (b *Blinding) AgentID(alias string) (string, bool) {
	agentID, ok := b.byAlias[alias]
	return agentID, ok
}

// Aliases returns every alias in lexicographic order, the order the
// output contract requires candidate assessments to appear in.
func (b *Blinding) Aliases() []string {
	aliases := make([]string, 0, len(b.byAlias))
	for alias := range b.byAlias {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

// Save persists the alias mapping to path (JSON, agent id → alias) so
// the operator can unblind the verdict later. The file lives outside
// the reviewer-visible inputs directory.
func (b *Blinding) Save(path string) error {
	data, err := json.MarshalIndent(b.byAgent, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadBlinding reads a mapping persisted with Save.
func LoadBlinding(path string) (*Blinding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	byAgent := map[string]string{}
	if err := json.Unmarshal(data, &byAgent); err != nil {
		return nil, err
	}
	b := &Blinding{byAgent: byAgent, byAlias: make(map[string]string, len(byAgent))}
	for agentID, alias := range byAgent {
		b.byAlias[alias] = agentID
	}
	return b, nil
}
