// Package workspace prepares and tears down per-agent git worktrees.
//
// Each agent edits an isolated worktree created off the run's base
// revision on its own branch, so concurrent agents never touch the
// operator's checkout or each other. The same manager captures the
// agent's diff against the base revision for artifact promotion.
package workspace

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	voratiqerrors "github.com/voratiq/voratiq/internal/errors"
	"github.com/voratiq/voratiq/internal/logging"
)

// CommandExecutor abstracts command execution so tests can mock git.
type CommandExecutor interface {
	// Run executes a command in dir and returns combined output.
	Run(dir string, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands with os/exec.
type CLICommandExecutor struct{}

// Run executes a command and returns combined output.
func (CLICommandExecutor) Run(dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Prepared describes one agent's ready workspace.
type Prepared struct {
	AgentID string
	Dir     string
	Branch  string
}

// Manager creates and removes per-agent worktrees for one run.
type Manager struct {
	repoDir  string
	runID    string
	baseRev  string
	executor CommandExecutor
	logger   *logging.Logger
}

// NewManager creates a workspace manager for the repository at repoDir,
// cutting worktrees off baseRev for the given run.
func NewManager(repoDir, runID, baseRev string) (*Manager, error) {
	if _, err := os.Stat(filepath.Join(repoDir, ".git")); err != nil {
		return nil, voratiqerrors.NewValidationError(
			fmt.Sprintf("%s is not a git repository", repoDir),
		).WithField("repoDir")
	}
	return &Manager{
		repoDir:  repoDir,
		runID:    runID,
		baseRev:  baseRev,
		executor: CLICommandExecutor{},
		logger:   logging.NopLogger(),
	}, nil
}

// SetExecutor overrides the command executor, for tests.
func (m *Manager) SetExecutor(executor CommandExecutor) {
	m.executor = executor
}

// SetLogger attaches a logger.
func (m *Manager) SetLogger(logger *logging.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// BranchFor returns the branch name an agent's worktree is created on.
func (m *Manager) BranchFor(agentID string) string {
	return fmt.Sprintf("voratiq/%s/%s", m.runID, agentID)
}

// Prepare creates agentID's worktree at dir on a fresh branch off the
// run's base revision.
func (m *Manager) Prepare(agentID, dir string) (*Prepared, error) {
	branch := m.BranchFor(agentID)

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, voratiqerrors.Wrap(err, "failed to create workspace parent directory")
	}

	out, err := m.executor.Run(m.repoDir, "git", "worktree", "add", "-b", branch, dir, m.baseRev)
	if err != nil {
		return nil, voratiqerrors.NewValidationError(
			fmt.Sprintf("worktree creation failed for %s: %s", agentID, truncateOutput(string(out), 500)),
		).WithField("workspace").WithCause(err)
	}

	m.logger.Debug("workspace prepared", "agent_id", agentID, "branch", branch, "dir", dir)
	return &Prepared{AgentID: agentID, Dir: dir, Branch: branch}, nil
}

// Cleanup removes agentID's worktree and deletes its branch when the
// branch carries no commits beyond the base revision. A worktree that
// is already gone is a no-op.
func (m *Manager) Cleanup(prepared *Prepared) error {
	if prepared == nil {
		return nil
	}

	if _, err := os.Stat(prepared.Dir); err == nil {
		if out, err := m.executor.Run(m.repoDir, "git", "worktree", "remove", "--force", prepared.Dir); err != nil {
			return voratiqerrors.Wrap(err, fmt.Sprintf("worktree remove failed: %s", truncateOutput(string(out), 300)))
		}
	}

	// Only delete branches that never diverged from base; an agent's
	// commits stay reachable for later inspection.
	countOut, err := m.executor.Run(m.repoDir, "git", "rev-list", "--count", m.baseRev+".."+prepared.Branch)
	if err == nil {
		if n, convErr := strconv.Atoi(strings.TrimSpace(string(countOut))); convErr == nil && n == 0 {
			_, _ = m.executor.Run(m.repoDir, "git", "branch", "-D", prepared.Branch)
		}
	}

	m.logger.Debug("workspace cleaned", "agent_id", prepared.AgentID, "branch", prepared.Branch)
	return nil
}

// CaptureDiff returns the worktree's diff against the base revision,
// including uncommitted changes.
func (m *Manager) CaptureDiff(prepared *Prepared) (string, error) {
	out, err := m.executor.Run(prepared.Dir, "git", "diff", m.baseRev)
	if err != nil {
		return "", voratiqerrors.Wrap(err, fmt.Sprintf("diff capture failed: %s", truncateOutput(string(out), 300)))
	}
	return string(out), nil
}

// HeadCommit returns the worktree's current commit sha.
func (m *Manager) HeadCommit(prepared *Prepared) (string, error) {
	out, err := m.executor.Run(prepared.Dir, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", voratiqerrors.Wrap(err, "rev-parse failed")
	}
	return strings.TrimSpace(string(out)), nil
}

// ResolveRevision resolves a revision expression (HEAD, a branch, a
// sha) to a full commit sha in the repository at repoDir.
func ResolveRevision(repoDir, rev string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "--verify", rev)
	cmd.Dir = repoDir
	out, err := cmd.Output()
	if err != nil {
		return "", voratiqerrors.NewValidationError(
			fmt.Sprintf("cannot resolve revision %q", rev),
		).WithField("baseRevision").WithCause(err)
	}
	return strings.TrimSpace(string(out)), nil
}

// IsClean reports whether the repository's working tree has no
// uncommitted changes.
func IsClean(repoDir string) (bool, error) {
	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = repoDir
	out, err := cmd.Output()
	if err != nil {
		return false, voratiqerrors.Wrap(err, "git status failed")
	}
	return len(strings.TrimSpace(string(out))) == 0, nil
}

func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "... (truncated)"
}
