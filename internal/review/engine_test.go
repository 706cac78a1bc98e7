package review

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/voratiq/voratiq/internal/config"
	"github.com/voratiq/voratiq/internal/coordinator"
	"github.com/voratiq/voratiq/internal/credentials"
	"github.com/voratiq/voratiq/internal/recordstore"
	"github.com/voratiq/voratiq/internal/supervisor"
	"github.com/voratiq/voratiq/internal/watchdog"
)

func fakeStage(provider, sandboxDir string, sources []string) (*credentials.Staged, error) {
	home := filepath.Join(sandboxDir, "home")
	if err := os.MkdirAll(home, 0o700); err != nil {
		return nil, err
	}
	return &credentials.Staged{Provider: provider, SandboxDir: sandboxDir, HomeDir: home}, nil
}

func newEngineFixture(t *testing.T, reviewers []config.AgentSpec, spawn coordinator.SpawnFunc) (*Engine, *recordstore.Store[*recordstore.ReviewRecord]) {
	t.Helper()

	store, err := recordstore.NewReviewStore(t.TempDir(), recordstore.WithFlushDelay(5*time.Millisecond))
	if err != nil {
		t.Fatalf("NewReviewStore: %v", err)
	}

	record := &recordstore.ReviewRecord{
		ReviewID:  "review-1",
		RunID:     "run-1",
		Status:    recordstore.StatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	for _, reviewer := range reviewers {
		record.ReviewerAgentIDs = append(record.ReviewerAgentIDs, reviewer.ID)
		record.Reviewers = append(record.Reviewers, recordstore.ReviewerRecord{
			AgentID: reviewer.ID, Provider: reviewer.Provider, Status: recordstore.StatusQueued,
		})
	}
	if err := store.Append(record); err != nil {
		t.Fatalf("Append: %v", err)
	}

	wcfg := watchdog.DefaultConfig()
	wcfg.SilenceTimeout = time.Hour
	wcfg.WallClockCap = time.Hour

	engine := NewEngine(EngineOptions{
		Store:      store,
		Config:     &config.Config{},
		Watchdog:   wcfg,
		ReviewID:   "review-1",
		SessionDir: store.SessionDir("review-1"),
		InputsDir:  t.TempDir(),
		Eligible:   eligible,
		Spawn:      spawn,
		Stage:      fakeStage,
	})
	return engine, store
}

// verdictSpawn simulates a reviewer CLI: it writes markdown to the
// output path from its environment and exits 0.
func verdictSpawn(verdict string) coordinator.SpawnFunc {
	return func(ctx context.Context, opts supervisor.SpawnOptions) (*supervisor.Result, error) {
		var outputPath string
		for _, kv := range opts.Env {
			if strings.HasPrefix(kv, EnvOutputPath+"=") {
				outputPath = strings.TrimPrefix(kv, EnvOutputPath+"=")
			}
		}
		if err := os.WriteFile(outputPath, []byte(verdict), 0o644); err != nil {
			return nil, err
		}
		return &supervisor.Result{ExitCode: 0}, nil
	}
}

func TestEngine_ValidVerdictSucceeds(t *testing.T) {
	reviewers := []config.AgentSpec{{ID: "reviewer-1", Provider: "claude", Command: "claude"}}
	engine, store := newEngineFixture(t, reviewers, verdictSpawn(validVerdict()))

	records, err := engine.Run(context.Background(), reviewers, 1)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(records) != 1 || records[0].Status != recordstore.StatusSucceeded {
		t.Fatalf("records = %+v, want one succeeded", records)
	}
	if records[0].OutputPath == "" {
		t.Error("succeeded reviewer missing outputPath")
	}

	loaded, err := store.Load("review-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Status != recordstore.StatusSucceeded {
		t.Errorf("review status = %s, want succeeded", loaded.Status)
	}
}

func TestEngine_ContractViolationCapturedOthersComplete(t *testing.T) {
	reviewers := []config.AgentSpec{
		{ID: "bad-reviewer", Provider: "claude", Command: "claude"},
		{ID: "good-reviewer", Provider: "claude", Command: "claude"},
	}

	brokenVerdict := strings.Replace(validVerdict(), "## Ranking", "## Standing", 1)
	spawn := func(ctx context.Context, opts supervisor.SpawnOptions) (*supervisor.Result, error) {
		verdict := validVerdict()
		for _, kv := range opts.Env {
			if strings.HasPrefix(kv, EnvOutputPath+"=") && strings.Contains(kv, "bad-reviewer") {
				verdict = brokenVerdict
			}
		}
		return verdictSpawn(verdict)(ctx, opts)
	}

	engine, store := newEngineFixture(t, reviewers, spawn)
	records, err := engine.Run(context.Background(), reviewers, 2)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	byID := map[string]recordstore.ReviewerRecord{}
	for _, r := range records {
		byID[r.AgentID] = r
	}
	if byID["bad-reviewer"].Status != recordstore.StatusFailed {
		t.Errorf("bad reviewer status = %s, want failed", byID["bad-reviewer"].Status)
	}
	if !strings.Contains(byID["bad-reviewer"].ErrorMessage, "Ranking") {
		t.Errorf("bad reviewer detail = %q, want contract violation", byID["bad-reviewer"].ErrorMessage)
	}
	if byID["good-reviewer"].Status != recordstore.StatusSucceeded {
		t.Errorf("good reviewer status = %s, want succeeded (failures are isolated)", byID["good-reviewer"].Status)
	}

	loaded, _ := store.Load("review-1")
	if loaded.Status != recordstore.StatusFailed {
		t.Errorf("review status = %s, want failed", loaded.Status)
	}
}

func TestEngine_ReviewerExitFailureRecorded(t *testing.T) {
	reviewers := []config.AgentSpec{{ID: "reviewer-1", Provider: "claude", Command: "claude"}}
	spawn := func(ctx context.Context, opts supervisor.SpawnOptions) (*supervisor.Result, error) {
		return &supervisor.Result{ExitCode: 7}, nil
	}

	engine, _ := newEngineFixture(t, reviewers, spawn)
	records, err := engine.Run(context.Background(), reviewers, 1)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if records[0].Status != recordstore.StatusFailed {
		t.Errorf("status = %s, want failed", records[0].Status)
	}
	if !strings.Contains(records[0].ErrorMessage, "exited with code 7") {
		t.Errorf("detail = %q", records[0].ErrorMessage)
	}
}

func TestEngine_ReviewerEnvCarriesInputsAndOutput(t *testing.T) {
	reviewers := []config.AgentSpec{{ID: "reviewer-1", Provider: "claude", Command: "claude"}}

	var sawInputs, sawOutput bool
	spawn := func(ctx context.Context, opts supervisor.SpawnOptions) (*supervisor.Result, error) {
		for _, kv := range opts.Env {
			if strings.HasPrefix(kv, EnvInputsDir+"=") {
				sawInputs = true
			}
			if strings.HasPrefix(kv, EnvOutputPath+"=") {
				sawOutput = true
			}
		}
		return verdictSpawn(validVerdict())(ctx, opts)
	}

	engine, _ := newEngineFixture(t, reviewers, spawn)
	if _, err := engine.Run(context.Background(), reviewers, 1); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sawInputs || !sawOutput {
		t.Errorf("reviewer env inputs/output = %v/%v, want both", sawInputs, sawOutput)
	}
}
