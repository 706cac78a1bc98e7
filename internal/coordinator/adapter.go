package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/voratiq/voratiq/internal/config"
	"github.com/voratiq/voratiq/internal/recordstore"
	"github.com/voratiq/voratiq/internal/scheduler"
	"github.com/voratiq/voratiq/internal/workspace"
)

// AgentCandidate is one agent entering the competition; preparation
// attaches its workspace.
type AgentCandidate struct {
	Agent    config.AgentSpec
	Prepared *workspace.Prepared
}

// Competition adapts a run's agents to the bounded scheduler: prepare
// creates per-agent worktrees, execute drives the coordinator, cleanup
// removes worktrees, and finalize settles the run's terminal status.
type Competition struct {
	coordinator *Coordinator
	workspaces  *workspace.Manager
	aborted     func() bool
}

// NewCompetition creates the scheduler adapter for one run. The aborted
// probe, when non-nil, lets finalize leave an externally-aborted run's
// status alone.
func NewCompetition(coordinator *Coordinator, workspaces *workspace.Manager, aborted func() bool) *Competition {
	return &Competition{coordinator: coordinator, workspaces: workspaces, aborted: aborted}
}

// RunCompetition executes every agent with bounded parallelism and
// returns one invocation per agent in input order.
func RunCompetition(ctx context.Context, coordinator *Coordinator, workspaces *workspace.Manager, agents []config.AgentSpec, maxParallel int, aborted func() bool) ([]recordstore.AgentInvocation, error) {
	candidates := make([]*AgentCandidate, len(agents))
	for i, agent := range agents {
		candidates[i] = &AgentCandidate{Agent: agent}
	}
	adapter := NewCompetition(coordinator, workspaces, aborted)
	return scheduler.Run[*AgentCandidate, recordstore.AgentInvocation](
		ctx, candidates, maxParallel, scheduler.PolicyContinue, adapter)
}

// CandidateID implements scheduler.Adapter.
func (a *Competition) CandidateID(c *AgentCandidate) string {
	return c.Agent.ID
}

// QueueCandidate implements scheduler.Adapter.
func (a *Competition) QueueCandidate(ctx context.Context, c *AgentCandidate) error {
	a.coordinator.logger.Debug("agent queued", "agent_id", c.Agent.ID)
	return nil
}

// PrepareCandidates implements scheduler.Adapter: each agent gets a
// worktree; agents whose worktree cannot be created become fully-formed
// failed results so the rest of the run proceeds.
func (a *Competition) PrepareCandidates(ctx context.Context, candidates []*AgentCandidate) (scheduler.Prepared[*AgentCandidate, recordstore.AgentInvocation], error) {
	var out scheduler.Prepared[*AgentCandidate, recordstore.AgentInvocation]

	for _, c := range candidates {
		wsDir := filepath.Join(a.coordinator.AgentDir(c.Agent.ID), "workspace")
		prepared, err := a.workspaces.Prepare(c.Agent.ID, wsDir)
		if err != nil {
			invocation, recordErr := a.coordinator.recordFailure(
				c.Agent.ID,
				fmt.Sprintf("workspace setup failed: %v", err),
				nil, nil,
			)
			if recordErr != nil {
				return out, recordErr
			}
			out.Failures = append(out.Failures, scheduler.PreparationFailure[*AgentCandidate, recordstore.AgentInvocation]{
				Candidate: c,
				Result:    invocation,
			})
			continue
		}
		c.Prepared = prepared
		out.Ready = append(out.Ready, c)
	}
	return out, nil
}

// OnPreparationFailure implements scheduler.Adapter; the failure is
// already recorded.
func (a *Competition) OnPreparationFailure(ctx context.Context, failure scheduler.PreparationFailure[*AgentCandidate, recordstore.AgentInvocation]) error {
	a.coordinator.logger.Warn("agent preparation failed",
		"agent_id", failure.Candidate.Agent.ID,
		"error", failure.Result.ErrorMessage,
	)
	return nil
}

// OnCandidatePrepared implements scheduler.Adapter.
func (a *Competition) OnCandidatePrepared(ctx context.Context, c *AgentCandidate) error {
	a.coordinator.logger.Debug("agent prepared", "agent_id", c.Agent.ID, "workspace", c.Prepared.Dir)
	return nil
}

// OnCandidateRunning implements scheduler.Adapter.
func (a *Competition) OnCandidateRunning(ctx context.Context, c *AgentCandidate) error {
	a.coordinator.logger.Debug("agent slot started", "agent_id", c.Agent.ID)
	return nil
}

// ExecuteCandidate implements scheduler.Adapter.
func (a *Competition) ExecuteCandidate(ctx context.Context, c *AgentCandidate) (recordstore.AgentInvocation, error) {
	return a.coordinator.Execute(ctx, c.Agent, c.Prepared, a.workspaces)
}

// OnCandidateCompleted implements scheduler.Adapter.
func (a *Competition) OnCandidateCompleted(ctx context.Context, c *AgentCandidate, result recordstore.AgentInvocation) error {
	a.coordinator.logger.Info("agent finished", "agent_id", c.Agent.ID, "status", result.Status.String())
	return nil
}

// CaptureExecutionFailure implements scheduler.FailureCapturer: an
// unexpected execution error becomes a failed invocation so the other
// agents keep running.
func (a *Competition) CaptureExecutionFailure(ctx context.Context, c *AgentCandidate, execErr error) (recordstore.AgentInvocation, error) {
	return a.coordinator.recordFailure(c.Agent.ID, execErr.Error(), nil, nil)
}

// CleanupPreparedCandidate implements scheduler.Adapter.
func (a *Competition) CleanupPreparedCandidate(ctx context.Context, c *AgentCandidate) error {
	if err := a.workspaces.Cleanup(c.Prepared); err != nil {
		// Leftover worktrees are an inconvenience, not a run failure.
		a.coordinator.logger.Warn("workspace cleanup failed", "agent_id", c.Agent.ID, "error", err.Error())
	}
	return nil
}

// FinalizeCompetition implements scheduler.Adapter: the run's terminal
// status is succeeded only when every agent succeeded. An externally
// aborted run keeps its aborted status.
func (a *Competition) FinalizeCompetition(ctx context.Context) error {
	if a.aborted != nil && a.aborted() {
		return nil
	}

	now := time.Now().UTC()
	_, err := a.coordinator.store.Rewrite(a.coordinator.runID, func(r *recordstore.RunRecord) *recordstore.RunRecord {
		if r.Status.IsTerminal(recordstore.DomainRuns) {
			return r
		}
		status := recordstore.StatusSucceeded
		for i := range r.Agents {
			if r.Agents[i].Status != recordstore.StatusSucceeded {
				status = recordstore.StatusFailed
			}
			// Agents the scheduler never reached stay queued; settle them.
			if !r.Agents[i].Status.IsAgentTerminal() {
				r.Agents[i].Status = recordstore.StatusFailed
				r.Agents[i].ErrorMessage = "agent never executed"
				r.Agents[i].CompletedAt = &now
				if r.Agents[i].StartedAt == nil {
					r.Agents[i].StartedAt = &now
				}
			}
		}
		r.Status = status
		return r
	})
	return err
}
