package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/voratiq/voratiq/internal/abort"
	"github.com/voratiq/voratiq/internal/config"
	"github.com/voratiq/voratiq/internal/coordinator"
	voratiqerrors "github.com/voratiq/voratiq/internal/errors"
	"github.com/voratiq/voratiq/internal/logging"
	"github.com/voratiq/voratiq/internal/recordstore"
	"github.com/voratiq/voratiq/internal/watchdog"
	"github.com/voratiq/voratiq/internal/workspace"
)

var runCmd = &cobra.Command{
	Use:   "run <spec-path>",
	Short: "Run every configured agent against a task specification",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := workspaceRoot(cmd)
		if err != nil {
			return err
		}
		maxParallel, _ := cmd.Flags().GetInt("max-parallel")

		runID, anyFailed, err := executeRun(cmd.Context(), cmd, root, args[0], maxParallel)
		if err != nil {
			return err
		}
		if anyFailed {
			return fmt.Errorf("run %s finished with agent failures", runID)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().IntP("max-parallel", "p", 0, "maximum concurrent agents (default from orchestration.yaml, clamped to agent count)")
	rootCmd.AddCommand(runCmd)
}

// executeRun performs one full run session and reports whether any
// agent failed.
func executeRun(ctx context.Context, cmd *cobra.Command, root, specPath string, requestedParallel int) (string, bool, error) {
	cfg, err := loadConfig(root)
	if err != nil {
		return "", false, err
	}

	// Preflight: all of these fail before any record is created.
	if _, err := os.Stat(specPath); err != nil {
		return "", false, fmt.Errorf("spec file %s does not exist", specPath)
	}
	if len(cfg.Agents.Agents) == 0 {
		return "", false, fmt.Errorf("no agents configured in agents.yaml")
	}
	baseRev, err := workspace.ResolveRevision(root, "HEAD")
	if err != nil {
		return "", false, err
	}
	clean, err := workspace.IsClean(root)
	if err != nil {
		return "", false, err
	}
	if !clean {
		return "", false, fmt.Errorf("working tree has uncommitted changes; commit or stash them first")
	}

	store, err := recordstore.NewRunStore(config.ConfigRoot(root))
	if err != nil {
		return "", false, err
	}
	defer store.Close()

	runID := recordstore.NewSessionID(time.Now())
	sessionDir := store.SessionDir(runID)
	if _, err := os.Stat(sessionDir); err == nil {
		return "", false, voratiqerrors.NewStoreError(
			fmt.Sprintf("run directory %s already exists", sessionDir),
			voratiqerrors.ErrRunDirectoryExists,
		).WithSessionID(runID)
	}

	record := &recordstore.RunRecord{
		RunID:        runID,
		BaseRevision: baseRev,
		Spec:         recordstore.SpecDescriptor{Path: specPath},
		Status:       recordstore.StatusQueued,
		CreatedAt:    time.Now().UTC(),
	}
	for _, agent := range cfg.Agents.Agents {
		record.Agents = append(record.Agents, recordstore.AgentInvocation{
			AgentID:  agent.ID,
			Provider: agent.Provider,
			Model:    agent.Model,
			Status:   recordstore.StatusQueued,
		})
	}
	if err := store.Append(record); err != nil {
		return "", false, err
	}

	logger, err := logging.NewLoggerWithRotation(sessionDir, cfg.Orchestration.LogLevel, cfg.Orchestration.LogRotation())
	if err != nil {
		logger = logging.NopLogger()
	}
	defer logger.Close()
	logger = logger.WithRunID(runID)

	if _, err := store.Rewrite(runID, func(r *recordstore.RunRecord) *recordstore.RunRecord {
		r.Status = recordstore.StatusRunning
		return r
	}); err != nil {
		return runID, false, err
	}

	workspaces, err := workspace.NewManager(root, runID, baseRev)
	if err != nil {
		return runID, false, err
	}
	workspaces.SetLogger(logger)

	registry := abort.Default()
	registry.SetLogger(logger)
	registry.Register(runID, func() error { return abort.FinalizeRunAborted(store, runID) }, nil)
	stopSignals := registry.HandleSignals()
	defer stopSignals()
	defer registry.Clear()

	wcfg := watchdogConfig(cfg)
	coord := coordinator.New(coordinator.Options{
		Store:      store,
		Config:     cfg,
		Watchdog:   wcfg,
		Logger:     logger,
		RunID:      runID,
		SessionDir: sessionDir,
		Registry:   registry,
	})

	maxParallel := requestedParallel
	if maxParallel <= 0 {
		maxParallel = cfg.Orchestration.MaxParallel
	}
	maxParallel = config.ClampMaxParallel(maxParallel, len(cfg.Agents.Agents))

	fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d agents, max %d in parallel\n", runID, len(cfg.Agents.Agents), maxParallel)

	results, err := coordinator.RunCompetition(ctx, coord, workspaces, cfg.Agents.Agents, maxParallel, registry.Terminating)
	if err != nil {
		return runID, true, err
	}

	anyFailed := false
	for _, invocation := range results {
		status := invocation.Status
		if status != recordstore.StatusSucceeded {
			anyFailed = true
		}
		line := fmt.Sprintf("  %-20s %s", invocation.AgentID, status)
		if invocation.ErrorMessage != "" {
			line += "  (" + invocation.ErrorMessage + ")"
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
		for _, eval := range invocation.Evals {
			if eval.Status == recordstore.EvalFailed {
				anyFailed = true
			}
		}
	}
	return runID, anyFailed, nil
}

// watchdogConfig applies orchestration.yaml overrides to the default
// watchdog timing.
func watchdogConfig(cfg *config.Config) watchdog.Config {
	wcfg := watchdog.DefaultConfig()
	if cfg.Orchestration.SilenceTimeoutMs > 0 {
		wcfg.SilenceTimeout = cfg.Orchestration.SilenceTimeout()
	}
	if cfg.Orchestration.WallClockCapMs > 0 {
		wcfg.WallClockCap = cfg.Orchestration.WallClockCap()
	}
	return wcfg
}
