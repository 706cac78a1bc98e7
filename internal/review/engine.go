package review

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/voratiq/voratiq/internal/config"
	"github.com/voratiq/voratiq/internal/coordinator"
	"github.com/voratiq/voratiq/internal/credentials"
	voratiqerrors "github.com/voratiq/voratiq/internal/errors"
	"github.com/voratiq/voratiq/internal/logging"
	"github.com/voratiq/voratiq/internal/recordstore"
	"github.com/voratiq/voratiq/internal/scheduler"
	"github.com/voratiq/voratiq/internal/supervisor"
	"github.com/voratiq/voratiq/internal/watchdog"
)

// Environment variables handed to reviewer processes.
const (
	EnvInputsDir  = "VORATIQ_REVIEW_INPUTS"
	EnvOutputPath = "VORATIQ_REVIEW_OUTPUT"
)

// EngineOptions wires a review Engine.
type EngineOptions struct {
	Store      *recordstore.Store[*recordstore.ReviewRecord]
	Config     *config.Config
	Watchdog   watchdog.Config
	Logger     *logging.Logger
	ReviewID   string
	SessionDir string
	InputsDir  string

	// Eligible is the lexicographically-ordered alias list the output
	// contract is checked against.
	Eligible []string

	// Spawn, Stage, and Registry are optional test seams, as in the
	// coordinator.
	Spawn    coordinator.SpawnFunc
	Stage    coordinator.StageFunc
	Registry coordinator.ChildRegistry
}

// Engine executes reviewer candidates through the bounded scheduler,
// one-to-many over the same machinery runs use.
type Engine struct {
	store      *recordstore.Store[*recordstore.ReviewRecord]
	cfg        *config.Config
	wcfg       watchdog.Config
	logger     *logging.Logger
	reviewID   string
	sessionDir string
	inputsDir  string
	eligible   []string
	spawn      coordinator.SpawnFunc
	stage      coordinator.StageFunc
	registry   coordinator.ChildRegistry
}

// NewEngine creates a review engine.
func NewEngine(opts EngineOptions) *Engine {
	e := &Engine{
		store:      opts.Store,
		cfg:        opts.Config,
		wcfg:       opts.Watchdog,
		logger:     opts.Logger,
		reviewID:   opts.ReviewID,
		sessionDir: opts.SessionDir,
		inputsDir:  opts.InputsDir,
		eligible:   opts.Eligible,
		spawn:      opts.Spawn,
		stage:      opts.Stage,
		registry:   opts.Registry,
	}
	if e.logger == nil {
		e.logger = logging.NopLogger()
	}
	if e.spawn == nil {
		e.spawn = supervisor.Spawn
	}
	if e.stage == nil {
		e.stage = credentials.Stage
	}
	return e
}

// Run executes every reviewer with bounded parallelism and returns one
// reviewer record per candidate in input order.
func (e *Engine) Run(ctx context.Context, reviewers []config.AgentSpec, maxParallel int) ([]recordstore.ReviewerRecord, error) {
	return scheduler.Run[config.AgentSpec, recordstore.ReviewerRecord](
		ctx, reviewers, maxParallel, scheduler.PolicyContinue, e)
}

// CandidateID implements scheduler.Adapter.
func (e *Engine) CandidateID(reviewer config.AgentSpec) string {
	return reviewer.ID
}

// QueueCandidate implements scheduler.Adapter.
func (e *Engine) QueueCandidate(ctx context.Context, reviewer config.AgentSpec) error {
	e.logger.Debug("reviewer queued", "agent_id", reviewer.ID)
	return nil
}

// PrepareCandidates implements scheduler.Adapter: each reviewer gets an
// output directory under the review session.
func (e *Engine) PrepareCandidates(ctx context.Context, reviewers []config.AgentSpec) (scheduler.Prepared[config.AgentSpec, recordstore.ReviewerRecord], error) {
	var out scheduler.Prepared[config.AgentSpec, recordstore.ReviewerRecord]
	for _, reviewer := range reviewers {
		if err := os.MkdirAll(e.reviewerDir(reviewer.ID), 0o755); err != nil {
			record, recordErr := e.recordFailure(reviewer.ID, fmt.Sprintf("reviewer setup failed: %v", err), nil)
			if recordErr != nil {
				return out, recordErr
			}
			out.Failures = append(out.Failures, scheduler.PreparationFailure[config.AgentSpec, recordstore.ReviewerRecord]{
				Candidate: reviewer,
				Result:    record,
			})
			continue
		}
		out.Ready = append(out.Ready, reviewer)
	}
	return out, nil
}

// OnPreparationFailure implements scheduler.Adapter.
func (e *Engine) OnPreparationFailure(ctx context.Context, failure scheduler.PreparationFailure[config.AgentSpec, recordstore.ReviewerRecord]) error {
	e.logger.Warn("reviewer preparation failed", "agent_id", failure.Candidate.ID)
	return nil
}

// OnCandidatePrepared implements scheduler.Adapter.
func (e *Engine) OnCandidatePrepared(ctx context.Context, reviewer config.AgentSpec) error {
	return nil
}

// OnCandidateRunning implements scheduler.Adapter.
func (e *Engine) OnCandidateRunning(ctx context.Context, reviewer config.AgentSpec) error {
	e.logger.Debug("reviewer slot started", "agent_id", reviewer.ID)
	return nil
}

// ExecuteCandidate implements scheduler.Adapter: spawn the reviewer
// against the shared inputs, then hold its markdown to the output
// contract. Contract violations return a typed error so they flow
// through the capture hook while other reviewers continue.
func (e *Engine) ExecuteCandidate(ctx context.Context, reviewer config.AgentSpec) (recordstore.ReviewerRecord, error) {
	reviewerDir := e.reviewerDir(reviewer.ID)
	outputPath := filepath.Join(reviewerDir, "output.md")

	startedAt := time.Now().UTC()
	if _, err := e.updateReviewer(reviewer.ID, func(r *recordstore.ReviewerRecord) {
		if r.Status.IsAgentTerminal() {
			return
		}
		r.Status = recordstore.StatusRunning
		r.StartedAt = &startedAt
		r.Watchdog = &recordstore.WatchdogMetadata{
			SilenceTimeoutMs: int(e.wcfg.SilenceTimeout / time.Millisecond),
			WallClockCapMs:   int(e.wcfg.WallClockCap / time.Millisecond),
		}
	}); err != nil {
		return recordstore.ReviewerRecord{}, err
	}

	staged, err := e.stage(reviewer.Provider, filepath.Join(reviewerDir, "sandbox"), credentials.DefaultSources()[reviewer.Provider])
	if err != nil {
		return e.recordFailure(reviewer.ID, fmt.Sprintf("credential staging failed: %v", err), nil)
	}
	defer staged.Release()

	stdoutFile, err := os.OpenFile(filepath.Join(reviewerDir, "stdout.log"), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return e.recordFailure(reviewer.ID, fmt.Sprintf("cannot open stdout log: %v", err), nil)
	}
	defer stdoutFile.Close()
	stderrFile, err := os.OpenFile(filepath.Join(reviewerDir, "stderr.log"), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return e.recordFailure(reviewer.ID, fmt.Sprintf("cannot open stderr log: %v", err), nil)
	}
	defer stderrFile.Close()

	wd := watchdog.New(e.wcfg, watchdog.Options{
		ProviderID: reviewer.Provider,
		StderrSink: stderrFile,
		Logger:     e.logger.WithAgentID(reviewer.ID),
	})

	env := append(os.Environ(),
		EnvInputsDir+"="+e.inputsDir,
		EnvOutputPath+"="+outputPath,
	)
	for key, value := range e.cfg.Environment.Env {
		env = append(env, key+"="+value)
	}

	var deregister func()
	result, spawnErr := e.spawn(ctx, supervisor.SpawnOptions{
		Command: reviewer.Command,
		Args:    reviewer.Args,
		Cwd:     e.inputsDir,
		Env:     staged.Env(env),
		Stdout:  stdoutFile,
		Stderr:  stderrFile,
		OnData:  wd.HandleOutput,
		OnSpawn: func(pid int) {
			wd.Start(pid)
			if e.registry != nil {
				deregister = e.registry.RegisterChild(reviewer.ID, pid, wd.Abort)
			}
		},
		AbortSignal: wd.AbortSignal(),
		Detached:    true,
	})
	wd.Stop()
	if deregister != nil {
		deregister()
	}

	if spawnErr != nil {
		return e.recordFailure(reviewer.ID, fmt.Sprintf("failed to spawn reviewer: %v", spawnErr), nil)
	}
	if trigger, fired := wd.Trigger(); fired {
		return e.recordFailure(reviewer.ID, fmt.Sprintf("watchdog %s: %s", trigger, wd.Reason()), wd)
	}
	if result.Aborted || result.ExitCode != 0 {
		return e.recordFailure(reviewer.ID, fmt.Sprintf("reviewer exited with code %d", result.ExitCode), nil)
	}

	verdict, err := os.ReadFile(outputPath)
	if err != nil {
		return recordstore.ReviewerRecord{}, voratiqerrors.NewContractError(
			"reviewer produced no output file",
			voratiqerrors.ErrMissingSection,
		).WithReviewerAlias(reviewer.ID)
	}
	if err := ValidateOutput(string(verdict), e.eligible); err != nil {
		return recordstore.ReviewerRecord{}, err
	}

	return e.recordSuccess(reviewer.ID, outputPath)
}

// OnCandidateCompleted implements scheduler.Adapter.
func (e *Engine) OnCandidateCompleted(ctx context.Context, reviewer config.AgentSpec, record recordstore.ReviewerRecord) error {
	e.logger.Info("reviewer finished", "agent_id", reviewer.ID, "status", record.Status.String())
	return nil
}

// CaptureExecutionFailure implements scheduler.FailureCapturer:
// contract violations and other execution errors become failed reviewer
// records so the remaining reviewers still complete.
func (e *Engine) CaptureExecutionFailure(ctx context.Context, reviewer config.AgentSpec, execErr error) (recordstore.ReviewerRecord, error) {
	return e.recordFailure(reviewer.ID, execErr.Error(), nil)
}

// CleanupPreparedCandidate implements scheduler.Adapter.
func (e *Engine) CleanupPreparedCandidate(ctx context.Context, reviewer config.AgentSpec) error {
	return nil
}

// FinalizeCompetition implements scheduler.Adapter: the review is
// succeeded only when every reviewer produced a contract-clean verdict.
func (e *Engine) FinalizeCompetition(ctx context.Context) error {
	_, err := e.store.Rewrite(e.reviewID, func(r *recordstore.ReviewRecord) *recordstore.ReviewRecord {
		if r.Status.IsTerminal(recordstore.DomainReviews) {
			return r
		}
		status := recordstore.StatusSucceeded
		now := time.Now().UTC()
		for i := range r.Reviewers {
			if r.Reviewers[i].Status != recordstore.StatusSucceeded {
				status = recordstore.StatusFailed
			}
			if !r.Reviewers[i].Status.IsAgentTerminal() {
				r.Reviewers[i].Status = recordstore.StatusFailed
				r.Reviewers[i].ErrorMessage = "reviewer never executed"
				r.Reviewers[i].CompletedAt = &now
				if r.Reviewers[i].StartedAt == nil {
					r.Reviewers[i].StartedAt = &now
				}
			}
		}
		r.Status = status
		return r
	})
	return err
}

func (e *Engine) reviewerDir(agentID string) string {
	return filepath.Join(e.sessionDir, agentID)
}

func (e *Engine) recordFailure(agentID, detail string, wd *watchdog.Watchdog) (recordstore.ReviewerRecord, error) {
	now := time.Now().UTC()
	return e.updateReviewer(agentID, func(r *recordstore.ReviewerRecord) {
		if r.Status.IsAgentTerminal() {
			return
		}
		r.Status = recordstore.StatusFailed
		r.ErrorMessage = detail
		r.CompletedAt = &now
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
		if wd != nil {
			if trigger, fired := wd.Trigger(); fired {
				if r.Watchdog == nil {
					r.Watchdog = &recordstore.WatchdogMetadata{
						SilenceTimeoutMs: int(e.wcfg.SilenceTimeout / time.Millisecond),
						WallClockCapMs:   int(e.wcfg.WallClockCap / time.Millisecond),
					}
				}
				r.Watchdog.Trigger = trigger.String()
			}
		}
	})
}

func (e *Engine) recordSuccess(agentID, outputPath string) (recordstore.ReviewerRecord, error) {
	now := time.Now().UTC()
	return e.updateReviewer(agentID, func(r *recordstore.ReviewerRecord) {
		if r.Status.IsAgentTerminal() {
			return
		}
		r.Status = recordstore.StatusSucceeded
		r.OutputPath = outputPath
		r.CompletedAt = &now
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
	})
}

func (e *Engine) updateReviewer(agentID string, mutate func(*recordstore.ReviewerRecord)) (recordstore.ReviewerRecord, error) {
	record, err := e.store.Rewrite(e.reviewID, func(r *recordstore.ReviewRecord) *recordstore.ReviewRecord {
		if reviewer := r.Reviewer(agentID); reviewer != nil {
			mutate(reviewer)
		}
		return r
	})
	if err != nil {
		return recordstore.ReviewerRecord{}, err
	}
	if reviewer := record.Reviewer(agentID); reviewer != nil {
		return *reviewer, nil
	}
	return recordstore.ReviewerRecord{}, voratiqerrors.NewNotFoundError("reviewer record", agentID)
}
