// Package coordinator drives one agent invocation through its full
// lifecycle: queued snapshot, credential staging, sandboxed spawn under
// a watchdog, artifact promotion, evaluation, and the terminal status
// snapshot. It owns each agent's record until publication through the
// session store.
package coordinator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/voratiq/voratiq/internal/config"
	"github.com/voratiq/voratiq/internal/credentials"
	voratiqerrors "github.com/voratiq/voratiq/internal/errors"
	"github.com/voratiq/voratiq/internal/evalrunner"
	"github.com/voratiq/voratiq/internal/logging"
	"github.com/voratiq/voratiq/internal/recordstore"
	"github.com/voratiq/voratiq/internal/supervisor"
	"github.com/voratiq/voratiq/internal/watchdog"
	"github.com/voratiq/voratiq/internal/workspace"
)

// AbortDetail is the fixed message recorded on agents torn down by a
// run abort.
const AbortDetail = "Run aborted before agent completed."

// SpawnFunc matches supervisor.Spawn, injectable for tests.
type SpawnFunc func(ctx context.Context, opts supervisor.SpawnOptions) (*supervisor.Result, error)

// StageFunc matches credentials.Stage, injectable for tests.
type StageFunc func(provider, sandboxDir string, sources []string) (*credentials.Staged, error)

// ChildRegistry tracks in-flight children so an external abort can
// terminate them. The abort callback fires the child's watchdog abort
// signal, unblocking the supervisor even for an unkillable child.
type ChildRegistry interface {
	RegisterChild(agentID string, pid int, abort func()) (deregister func())
}

// Options wires a Coordinator.
type Options struct {
	Store      *recordstore.Store[*recordstore.RunRecord]
	Config     *config.Config
	Watchdog   watchdog.Config
	Logger     *logging.Logger
	RunID      string
	SessionDir string

	// Spawn, Stage, and Registry are optional; nil selects the real
	// supervisor, the real credential stager, and no registration.
	Spawn    SpawnFunc
	Stage    StageFunc
	Registry ChildRegistry
}

// Coordinator executes prepared agents for one run session.
type Coordinator struct {
	store      *recordstore.Store[*recordstore.RunRecord]
	cfg        *config.Config
	wcfg       watchdog.Config
	logger     *logging.Logger
	runID      string
	sessionDir string
	spawn      SpawnFunc
	stage      StageFunc
	registry   ChildRegistry
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		store:      opts.Store,
		cfg:        opts.Config,
		wcfg:       opts.Watchdog,
		logger:     opts.Logger,
		runID:      opts.RunID,
		sessionDir: opts.SessionDir,
		spawn:      opts.Spawn,
		stage:      opts.Stage,
		registry:   opts.Registry,
	}
	if c.logger == nil {
		c.logger = logging.NopLogger()
	}
	if c.spawn == nil {
		c.spawn = supervisor.Spawn
	}
	if c.stage == nil {
		c.stage = credentials.Stage
	}
	return c
}

// AgentDir returns the per-agent directory under the session.
func (c *Coordinator) AgentDir(agentID string) string {
	return filepath.Join(c.sessionDir, agentID)
}

// Execute runs one prepared agent to a terminal status. Agent-level
// failures (bad exit, watchdog trigger, staging trouble) are recorded
// as a failed invocation and do not return an error; only infrastructure
// faults that prevent recording do.
func (c *Coordinator) Execute(ctx context.Context, agent config.AgentSpec, prepared *workspace.Prepared, workspaces *workspace.Manager) (recordstore.AgentInvocation, error) {
	logger := c.logger.WithAgentID(agent.ID)

	agentDir := c.AgentDir(agent.ID)
	artifactsDir := filepath.Join(agentDir, "artifacts")
	evalsDir := filepath.Join(agentDir, "evals")
	runtimeDir := filepath.Join(agentDir, "runtime")
	sandboxDir := filepath.Join(agentDir, "sandbox")
	for _, dir := range []string{artifactsDir, evalsDir, runtimeDir, sandboxDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return recordstore.AgentInvocation{}, voratiqerrors.Wrap(err, "failed to create agent directories")
		}
	}

	if _, err := c.updateAgent(agent.ID, func(inv *recordstore.AgentInvocation) {
		if !inv.Status.IsAgentTerminal() {
			inv.Status = recordstore.StatusQueued
		}
	}); err != nil {
		return recordstore.AgentInvocation{}, err
	}

	staged, err := c.stage(agent.Provider, sandboxDir, credentials.DefaultSources()[agent.Provider])
	if err != nil {
		return c.recordFailure(agent.ID, fmt.Sprintf("credential staging failed: %v", err), nil, nil)
	}
	defer staged.Release()

	command, args := resolveSandboxInvocation(c.cfg.Sandbox, agent, prepared.Dir)
	env := c.buildEnv(staged)

	if err := writeManifest(runtimeDir, agent, prepared.Dir, staged.HomeDir, command, args); err != nil {
		logger.Warn("failed to write runtime manifest", "error", err.Error())
	}

	stdoutFile, err := os.OpenFile(filepath.Join(artifactsDir, "stdout.log"), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return c.recordFailure(agent.ID, fmt.Sprintf("cannot open stdout log: %v", err), nil, nil)
	}
	defer stdoutFile.Close()
	stderrFile, err := os.OpenFile(filepath.Join(artifactsDir, "stderr.log"), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return c.recordFailure(agent.ID, fmt.Sprintf("cannot open stderr log: %v", err), nil, nil)
	}
	defer stderrFile.Close()

	// The stderr sink is shared between the child's pipe and the
	// watchdog's banner/backoff lines.
	lockedStderr := &lockedWriter{w: stderrFile}

	wd := watchdog.New(c.wcfg, watchdog.Options{
		ProviderID: agent.Provider,
		StderrSink: lockedStderr,
		Logger:     logger,
	})

	startedAt := time.Now().UTC()
	if _, err := c.updateAgent(agent.ID, func(inv *recordstore.AgentInvocation) {
		if inv.Status.IsAgentTerminal() {
			return
		}
		inv.Status = recordstore.StatusRunning
		inv.StartedAt = &startedAt
		inv.Watchdog = &recordstore.WatchdogMetadata{
			SilenceTimeoutMs: int(c.wcfg.SilenceTimeout / time.Millisecond),
			WallClockCapMs:   int(c.wcfg.WallClockCap / time.Millisecond),
		}
	}); err != nil {
		return recordstore.AgentInvocation{}, err
	}

	logger.Info("agent started", "provider", agent.Provider, "model", agent.Model, "command", command)

	var deregister func()
	result, spawnErr := c.spawn(ctx, supervisor.SpawnOptions{
		Command: command,
		Args:    args,
		Cwd:     prepared.Dir,
		Env:     env,
		Stdout:  &lockedWriter{w: stdoutFile},
		Stderr:  lockedStderr,
		OnData:  wd.HandleOutput,
		OnSpawn: func(pid int) {
			wd.Start(pid)
			if c.registry != nil {
				deregister = c.registry.RegisterChild(agent.ID, pid, wd.Abort)
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
		return c.recordFailure(agent.ID, fmt.Sprintf("failed to spawn agent: %v", spawnErr), wd, nil)
	}

	trigger, fired := wd.Trigger()
	if result.Aborted || result.ExitCode != 0 || fired {
		detail := c.failureDetail(agent.Provider, artifactsDir, result, wd, trigger, fired)
		return c.recordFailure(agent.ID, detail, wd, result)
	}

	return c.recordSuccess(ctx, agent, prepared, workspaces, artifactsDir, evalsDir)
}

// failureDetail assembles the user-visible failure message, preferring
// the watchdog's reason, then a provider-specific log hint, then the
// raw exit status.
func (c *Coordinator) failureDetail(provider, artifactsDir string, result *supervisor.Result, wd *watchdog.Watchdog, trigger watchdog.Trigger, fired bool) string {
	if fired {
		return fmt.Sprintf("watchdog %s: %s", trigger, wd.Reason())
	}
	if result.Aborted {
		return AbortDetail
	}
	if hint := ScanFailureDetail(provider,
		filepath.Join(artifactsDir, "stdout.log"),
		filepath.Join(artifactsDir, "stderr.log"),
	); hint != "" {
		return hint
	}
	if result.Signal != "" {
		return fmt.Sprintf("agent terminated by signal %s", result.Signal)
	}
	return fmt.Sprintf("agent exited with code %d", result.ExitCode)
}

// recordFailure publishes a terminal failed status carrying any
// watchdog trigger and fail-fast descriptor.
func (c *Coordinator) recordFailure(agentID, detail string, wd *watchdog.Watchdog, result *supervisor.Result) (recordstore.AgentInvocation, error) {
	now := time.Now().UTC()
	return c.updateAgent(agentID, func(inv *recordstore.AgentInvocation) {
		if inv.Status.IsAgentTerminal() {
			return
		}
		inv.Status = recordstore.StatusFailed
		if inv.StartedAt == nil {
			inv.StartedAt = &now
		}
		inv.CompletedAt = &now
		inv.ErrorMessage = detail
		inv.StdoutCaptured = fileNonEmpty(filepath.Join(c.AgentDir(agentID), "artifacts", "stdout.log"))
		inv.StderrCaptured = fileNonEmpty(filepath.Join(c.AgentDir(agentID), "artifacts", "stderr.log"))

		if wd != nil {
			if trigger, fired := wd.Trigger(); fired {
				if inv.Watchdog == nil {
					inv.Watchdog = &recordstore.WatchdogMetadata{
						SilenceTimeoutMs: int(c.wcfg.SilenceTimeout / time.Millisecond),
						WallClockCapMs:   int(c.wcfg.WallClockCap / time.Millisecond),
					}
				}
				inv.Watchdog.Trigger = trigger.String()
			}
			if ff := wd.FailFast(); ff != nil {
				inv.FailFastTriggered = true
				inv.FailFastOperation = recordstore.FailFastOperation(ff.Operation)
				inv.FailFastTarget = ff.Target
			}
		}
	})
}

// recordSuccess promotes artifacts, runs evaluations, and publishes the
// succeeded snapshot.
func (c *Coordinator) recordSuccess(ctx context.Context, agent config.AgentSpec, prepared *workspace.Prepared, workspaces *workspace.Manager, artifactsDir, evalsDir string) (recordstore.AgentInvocation, error) {
	promotion := PromoteArtifacts(workspaces, prepared, artifactsDir)

	runner := evalrunner.New(prepared.Dir, evalsDir, c.logger.WithAgentID(agent.ID))
	evals := runner.Run(ctx, c.cfg.Evals.Evals)

	now := time.Now().UTC()
	return c.updateAgent(agent.ID, func(inv *recordstore.AgentInvocation) {
		if inv.Status.IsAgentTerminal() {
			return
		}
		inv.Status = recordstore.StatusSucceeded
		inv.CompletedAt = &now
		if inv.StartedAt == nil {
			inv.StartedAt = &now
		}
		inv.CommitSha = promotion.CommitSha
		inv.DiffAttempted = true
		inv.DiffCaptured = promotion.DiffCaptured
		inv.SummaryCaptured = promotion.SummaryCaptured
		inv.ChatCaptured = promotion.ChatCaptured
		inv.ChatFormat = promotion.ChatFormat
		inv.StdoutCaptured = fileNonEmpty(filepath.Join(artifactsDir, "stdout.log"))
		inv.StderrCaptured = fileNonEmpty(filepath.Join(artifactsDir, "stderr.log"))
		inv.DiffStats = promotion.DiffStats
		inv.Warnings = append(inv.Warnings, promotion.Warnings...)
		if evals == nil {
			evals = []recordstore.EvaluationSnapshot{}
		}
		inv.Evals = evals
	})
}

// updateAgent rewrites one agent's invocation inside the run record and
// returns the mutated copy.
func (c *Coordinator) updateAgent(agentID string, mutate func(*recordstore.AgentInvocation)) (recordstore.AgentInvocation, error) {
	record, err := c.store.Rewrite(c.runID, func(r *recordstore.RunRecord) *recordstore.RunRecord {
		if inv := r.Agent(agentID); inv != nil {
			mutate(inv)
		}
		return r
	})
	if err != nil {
		return recordstore.AgentInvocation{}, err
	}
	if inv := record.Agent(agentID); inv != nil {
		return *inv, nil
	}
	return recordstore.AgentInvocation{}, voratiqerrors.NewNotFoundError("agent invocation", agentID)
}

// buildEnv merges the operator environment, environment.yaml overrides,
// and the sandbox HOME.
func (c *Coordinator) buildEnv(staged *credentials.Staged) []string {
	env := os.Environ()
	for key, value := range c.cfg.Environment.Env {
		env = append(env, key+"="+value)
	}
	return staged.Env(env)
}

// resolveSandboxInvocation wraps the agent command in the configured
// sandbox binary, expanding template placeholders. Without a sandbox
// binary the agent runs directly.
func resolveSandboxInvocation(sandbox config.SandboxConfig, agent config.AgentSpec, workspaceDir string) (string, []string) {
	if sandbox.Binary == "" {
		return agent.Command, agent.Args
	}

	args := make([]string, 0, len(sandbox.ArgsTemplate)+1+len(agent.Args))
	for _, tpl := range sandbox.ArgsTemplate {
		switch tpl {
		case "{workspace}":
			args = append(args, workspaceDir)
		default:
			args = append(args, tpl)
		}
	}
	args = append(args, agent.Command)
	args = append(args, agent.Args...)
	return sandbox.Binary, args
}

func fileNonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

// lockedWriter serializes writes from the pipe goroutines and the
// watchdog onto one underlying file.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
