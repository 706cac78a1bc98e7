package config

import "testing"

func TestValidateAgentsRejectsUnknownProvider(t *testing.T) {
	cfg := &Config{
		Agents:        AgentsConfig{Agents: []AgentSpec{{ID: "a1", Provider: "bogus", Command: "run"}}},
		Sandbox:       SandboxConfig{Binary: "sandbox-exec"},
		Orchestration: DefaultOrchestration(),
	}

	errs := cfg.Validate()
	if !containsField(errs, "agents[0].provider") {
		t.Errorf("expected validation error on agents[0].provider, got %v", errs)
	}
}

func TestValidateAgentsRejectsDuplicateID(t *testing.T) {
	cfg := &Config{
		Agents: AgentsConfig{Agents: []AgentSpec{
			{ID: "a1", Provider: "claude", Command: "claude"},
			{ID: "a1", Provider: "codex", Command: "codex"},
		}},
		Sandbox:       SandboxConfig{Binary: "sandbox-exec"},
		Orchestration: DefaultOrchestration(),
	}

	errs := cfg.Validate()
	if !containsField(errs, "agents[1].id") {
		t.Errorf("expected duplicate id error on agents[1].id, got %v", errs)
	}
}

func TestValidateEvalsRejectsEmptySlug(t *testing.T) {
	cfg := &Config{
		Evals:         EvalsConfig{Evals: []EvalSpec{{Command: "go test ./..."}}},
		Sandbox:       SandboxConfig{Binary: "sandbox-exec"},
		Orchestration: DefaultOrchestration(),
	}

	errs := cfg.Validate()
	if !containsField(errs, "evals[0].slug") {
		t.Errorf("expected validation error on evals[0].slug, got %v", errs)
	}
}

func TestValidateSandboxRequiresBinary(t *testing.T) {
	cfg := &Config{Orchestration: DefaultOrchestration()}

	errs := cfg.Validate()
	if !containsField(errs, "sandbox.binary") {
		t.Errorf("expected validation error on sandbox.binary, got %v", errs)
	}
}

func TestValidateOrchestrationBounds(t *testing.T) {
	cfg := &Config{
		Sandbox: SandboxConfig{Binary: "sandbox-exec"},
		Orchestration: OrchestrationConfig{
			MaxParallel:      0,
			SilenceTimeoutMs: -1,
			WallClockCapMs:   0,
			LogLevel:         "verbose",
		},
	}

	errs := cfg.Validate()
	for _, field := range []string{
		"orchestration.max_parallel",
		"orchestration.silence_timeout_ms",
		"orchestration.wall_clock_cap_ms",
		"orchestration.log_level",
	} {
		if !containsField(errs, field) {
			t.Errorf("expected validation error on %s, got %v", field, errs)
		}
	}
}

func TestClampMaxParallel(t *testing.T) {
	cases := []struct {
		requested, candidates, want int
	}{
		{requested: 4, candidates: 10, want: 4},
		{requested: 10, candidates: 3, want: 3},
		{requested: 0, candidates: 3, want: 1},
		{requested: 4, candidates: 0, want: 4},
	}

	for _, c := range cases {
		if got := ClampMaxParallel(c.requested, c.candidates); got != c.want {
			t.Errorf("ClampMaxParallel(%d, %d) = %d, want %d", c.requested, c.candidates, got, c.want)
		}
	}
}

func containsField(errs []ValidationError, field string) bool {
	for _, e := range errs {
		if e.Field == field {
			return true
		}
	}
	return false
}
