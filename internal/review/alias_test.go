package review

import (
	"path/filepath"
	"regexp"
	"sort"
	"testing"
)

var aliasShape = regexp.MustCompile(`^r_[0-9a-f]{10}$`)

func TestNewBlinding_AliasShapeAndStability(t *testing.T) {
	agentIDs := []string{"claude-1", "codex-1", "gemini-1"}
	b := NewBlinding(agentIDs)

	seen := map[string]bool{}
	for _, agentID := range agentIDs {
		alias, ok := b.Alias(agentID)
		if !ok {
			t.Fatalf("no alias for %s", agentID)
		}
		if !aliasShape.MatchString(alias) {
			t.Errorf("alias %q does not match r_<10 hex>", alias)
		}
		if seen[alias] {
			t.Errorf("alias %q assigned twice", alias)
		}
		seen[alias] = true

		// Stable: asking again returns the same alias.
		again, _ := b.Alias(agentID)
		if again != alias {
			t.Errorf("alias for %s changed from %s to %s", agentID, alias, again)
		}

		back, ok := b.AgentID(alias)
		if !ok || back != agentID {
			t.Errorf("alias %s reversed to %s, want %s", alias, back, agentID)
		}
	}
}

func TestBlinding_AliasesSorted(t *testing.T) {
	b := NewBlinding([]string{"a", "b", "c", "d"})
	aliases := b.Aliases()
	if !sort.StringsAreSorted(aliases) {
		t.Errorf("Aliases() = %v, want lexicographic order", aliases)
	}
	if len(aliases) != 4 {
		t.Errorf("got %d aliases, want 4", len(aliases))
	}
}

func TestBlinding_SaveLoadRoundTrip(t *testing.T) {
	b := NewBlinding([]string{"claude-1", "codex-1"})
	path := filepath.Join(t.TempDir(), "aliases.json")
	if err := b.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadBlinding(path)
	if err != nil {
		t.Fatalf("LoadBlinding: %v", err)
	}
	for _, agentID := range []string{"claude-1", "codex-1"} {
		want, _ := b.Alias(agentID)
		got, ok := loaded.Alias(agentID)
		if !ok || got != want {
			t.Errorf("loaded alias for %s = %s, want %s", agentID, got, want)
		}
	}
}
