package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/voratiq/voratiq/internal/abort"
	"github.com/voratiq/voratiq/internal/config"
	"github.com/voratiq/voratiq/internal/logging"
	"github.com/voratiq/voratiq/internal/recordstore"
	"github.com/voratiq/voratiq/internal/review"
)

var reviewCmd = &cobra.Command{
	Use:   "review <run-id>",
	Short: "Have reviewer agents rank a run's candidate diffs, blinded",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := workspaceRoot(cmd)
		if err != nil {
			return err
		}
		maxParallel, _ := cmd.Flags().GetInt("max-parallel")
		reviewerIDs, _ := cmd.Flags().GetStringSlice("reviewers")

		reviewID, anyFailed, err := executeReview(cmd.Context(), cmd, root, args[0], reviewerIDs, maxParallel)
		if err != nil {
			return err
		}
		if anyFailed {
			return fmt.Errorf("review %s finished with reviewer failures", reviewID)
		}
		return nil
	},
}

func init() {
	reviewCmd.Flags().IntP("max-parallel", "p", 0, "maximum concurrent reviewers (clamped to reviewer count)")
	reviewCmd.Flags().StringSlice("reviewers", nil, "agent ids to use as reviewers (default: every configured agent)")
	rootCmd.AddCommand(reviewCmd)
}

func executeReview(ctx context.Context, cmd *cobra.Command, root, runID string, reviewerIDs []string, requestedParallel int) (string, bool, error) {
	cfg, err := loadConfig(root)
	if err != nil {
		return "", false, err
	}

	runStore, err := recordstore.NewRunStore(config.ConfigRoot(root))
	if err != nil {
		return "", false, err
	}
	runRecord, err := runStore.Load(runID)
	if err != nil {
		return "", false, err
	}

	reviewers := selectReviewers(cfg, reviewerIDs)
	if len(reviewers) == 0 {
		return "", false, fmt.Errorf("no reviewer agents available")
	}

	// Only succeeded agents with a captured diff are eligible for
	// ranking.
	var candidateIDs []string
	for _, agent := range runRecord.Agents {
		if agent.Status == recordstore.StatusSucceeded && agent.DiffCaptured {
			candidateIDs = append(candidateIDs, agent.AgentID)
		}
	}
	if len(candidateIDs) == 0 {
		return "", false, fmt.Errorf("run %s has no succeeded agents with captured diffs", runID)
	}

	store, err := recordstore.NewReviewStore(config.ConfigRoot(root))
	if err != nil {
		return "", false, err
	}
	defer store.Close()

	reviewID := recordstore.NewSessionID(time.Now())
	sessionDir := store.SessionDir(reviewID)

	blinding := review.NewBlinding(candidateIDs)
	var inputs []review.CandidateInput
	for _, agentID := range candidateIDs {
		alias, _ := blinding.Alias(agentID)
		inputs = append(inputs, review.CandidateInput{
			Alias:    alias,
			DiffPath: filepath.Join(runStore.SessionDir(runID), agentID, "artifacts", "diff.patch"),
		})
	}

	record := &recordstore.ReviewRecord{
		ReviewID:     reviewID,
		RunID:        runID,
		BaseRevision: runRecord.BaseRevision,
		Spec:         runRecord.Spec,
		Status:       recordstore.StatusQueued,
		CreatedAt:    time.Now().UTC(),
	}
	for _, reviewer := range reviewers {
		record.ReviewerAgentIDs = append(record.ReviewerAgentIDs, reviewer.ID)
		record.Reviewers = append(record.Reviewers, recordstore.ReviewerRecord{
			AgentID:  reviewer.ID,
			Provider: reviewer.Provider,
			Model:    reviewer.Model,
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
	logger = logger.WithRunID(reviewID)

	inputsDir := filepath.Join(sessionDir, "inputs")
	if err := review.StageInputs(inputsDir, runRecord.Spec.Path, runRecord.BaseRevision, inputs); err != nil {
		return reviewID, false, err
	}
	if err := blinding.Save(filepath.Join(sessionDir, "aliases.json")); err != nil {
		logger.Warn("failed to persist alias mapping", "error", err.Error())
	}

	if _, err := store.Rewrite(reviewID, func(r *recordstore.ReviewRecord) *recordstore.ReviewRecord {
		r.Status = recordstore.StatusRunning
		return r
	}); err != nil {
		return reviewID, false, err
	}

	registry := abort.Default()
	registry.SetLogger(logger)
	registry.Register(reviewID, func() error { return abort.FinalizeReviewAborted(store, reviewID) }, nil)
	stopSignals := registry.HandleSignals()
	defer stopSignals()
	defer registry.Clear()

	engine := review.NewEngine(review.EngineOptions{
		Store:      store,
		Config:     cfg,
		Watchdog:   watchdogConfig(cfg),
		Logger:     logger,
		ReviewID:   reviewID,
		SessionDir: sessionDir,
		InputsDir:  inputsDir,
		Eligible:   blinding.Aliases(),
		Registry:   registry,
	})

	maxParallel := requestedParallel
	if maxParallel <= 0 {
		maxParallel = cfg.Orchestration.MaxParallel
	}
	maxParallel = config.ClampMaxParallel(maxParallel, len(reviewers))

	fmt.Fprintf(cmd.OutOrStdout(), "review %s: %d reviewers over %d candidates\n", reviewID, len(reviewers), len(candidateIDs))

	records, err := engine.Run(ctx, reviewers, maxParallel)
	if err != nil {
		return reviewID, true, err
	}

	anyFailed := false
	for _, reviewer := range records {
		if reviewer.Status != recordstore.StatusSucceeded {
			anyFailed = true
		}
		line := fmt.Sprintf("  %-20s %s", reviewer.AgentID, reviewer.Status)
		if reviewer.ErrorMessage != "" {
			line += "  (" + reviewer.ErrorMessage + ")"
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return reviewID, anyFailed, nil
}

// selectReviewers picks the reviewer agents: the named ids, or every
// configured agent when none are named.
func selectReviewers(cfg *config.Config, reviewerIDs []string) []config.AgentSpec {
	if len(reviewerIDs) == 0 {
		return cfg.Agents.Agents
	}
	var out []config.AgentSpec
	for _, id := range reviewerIDs {
		for _, agent := range cfg.Agents.Agents {
			if agent.ID == id {
				out = append(out, agent)
			}
		}
	}
	return out
}
