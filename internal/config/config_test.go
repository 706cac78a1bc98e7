package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultOrchestration(t *testing.T) {
	cfg := DefaultOrchestration()

	if cfg.MaxParallel != 4 {
		t.Errorf("MaxParallel = %d, want 4", cfg.MaxParallel)
	}
	if cfg.SilenceTimeoutMs != 900_000 {
		t.Errorf("SilenceTimeoutMs = %d, want 900000", cfg.SilenceTimeoutMs)
	}
	if cfg.WallClockCapMs != 7_200_000 {
		t.Errorf("WallClockCapMs = %d, want 7200000", cfg.WallClockCapMs)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestLoadMissingFilesUsesDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Orchestration.MaxParallel != 4 {
		t.Errorf("MaxParallel = %d, want 4", cfg.Orchestration.MaxParallel)
	}
	if len(cfg.Agents.Agents) != 0 {
		t.Errorf("expected no agents, got %d", len(cfg.Agents.Agents))
	}
}

func TestLoadAgentsYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "agents.yaml", `
agents:
  - id: claude-main
    provider: claude
    model: sonnet
    command: claude
    args: ["--print"]
`)
	writeFile(t, dir, "sandbox.yaml", `
binary: sandbox-exec
`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.Agents.Agents) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(cfg.Agents.Agents))
	}
	agent := cfg.Agents.Agents[0]
	if agent.ID != "claude-main" || agent.Provider != "claude" || agent.Command != "claude" {
		t.Errorf("unexpected agent: %+v", agent)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "agents.yaml", `
agents:
  - id: claude-main
    provider: claude
    bogus_field: true
`)

	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
}

func TestLoadOrchestrationEnvOverride(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sandbox.yaml", "binary: sandbox-exec\n")

	t.Setenv("VORATIQ_MAX_PARALLEL", "8")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Orchestration.MaxParallel != 8 {
		t.Errorf("MaxParallel = %d, want 8 (from VORATIQ_MAX_PARALLEL)", cfg.Orchestration.MaxParallel)
	}
}

func TestConfigRoot(t *testing.T) {
	got := ConfigRoot("/repo")
	want := filepath.Join("/repo", ".voratiq")
	if got != want {
		t.Errorf("ConfigRoot() = %q, want %q", got, want)
	}
}

func writeFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}
