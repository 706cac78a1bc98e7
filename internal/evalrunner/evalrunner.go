// Package evalrunner executes a run's configured evaluation commands
// inside an agent's promoted workspace, capturing each command's
// combined output to a per-slug log file and reporting an evaluation
// snapshot per command.
//
// The runner records outcomes; it does not interpret them. A failing
// eval never stops the remaining evals from running.
package evalrunner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/voratiq/voratiq/internal/config"
	"github.com/voratiq/voratiq/internal/logging"
	"github.com/voratiq/voratiq/internal/recordstore"
)

// DefaultTimeout bounds one evaluation command when evals.yaml does not
// set a timeout.
const DefaultTimeout = 10 * time.Minute

// Runner executes evaluation commands for one agent.
type Runner struct {
	workDir string
	logDir  string
	logger  *logging.Logger
}

// New creates a Runner that executes commands in workDir and writes
// <slug>.log files into logDir.
func New(workDir, logDir string, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Runner{workDir: workDir, logDir: logDir, logger: logger}
}

// Run executes each eval in order, returning one snapshot per eval. A
// cancelled context marks the remaining evals skipped.
func (r *Runner) Run(ctx context.Context, evals []config.EvalSpec) []recordstore.EvaluationSnapshot {
	snapshots := make([]recordstore.EvaluationSnapshot, 0, len(evals))

	for _, eval := range evals {
		if ctx.Err() != nil {
			snapshots = append(snapshots, recordstore.EvaluationSnapshot{
				Slug:    eval.Slug,
				Status:  recordstore.EvalSkipped,
				Command: eval.Command,
				Error:   "run cancelled before evaluation started",
			})
			continue
		}
		snapshots = append(snapshots, r.runOne(ctx, eval))
	}
	return snapshots
}

// runOne executes a single eval command with its timeout, streaming
// combined output to the slug's log file.
func (r *Runner) runOne(ctx context.Context, eval config.EvalSpec) recordstore.EvaluationSnapshot {
	snapshot := recordstore.EvaluationSnapshot{
		Slug:    eval.Slug,
		Status:  recordstore.EvalRunning,
		Command: eval.Command,
	}

	evalCtx, cancel := context.WithTimeout(ctx, eval.Timeout(DefaultTimeout))
	defer cancel()

	logPath := filepath.Join(r.logDir, eval.Slug+".log")
	logFile, err := openLog(logPath)
	if err != nil {
		snapshot.Status = recordstore.EvalFailed
		snapshot.Error = "failed to open eval log: " + err.Error()
		return snapshot
	}
	defer logFile.Close()
	snapshot.HasLog = true

	cmd := exec.CommandContext(evalCtx, eval.Command, eval.Args...)
	cmd.Dir = r.workDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	r.logger.Info("eval started", "slug", eval.Slug, "command", eval.Command)
	runErr := cmd.Run()

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	snapshot.ExitCode = &exitCode

	switch {
	case runErr == nil:
		snapshot.Status = recordstore.EvalSucceeded
	case evalCtx.Err() == context.DeadlineExceeded:
		snapshot.Status = recordstore.EvalFailed
		snapshot.Error = "evaluation timed out after " + eval.Timeout(DefaultTimeout).String()
	default:
		snapshot.Status = recordstore.EvalFailed
		snapshot.Error = runErr.Error()
	}

	r.logger.Info("eval finished", "slug", eval.Slug, "status", string(snapshot.Status), "exit_code", exitCode)
	return snapshot
}

func openLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}
