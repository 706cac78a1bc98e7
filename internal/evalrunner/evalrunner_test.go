package evalrunner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/voratiq/voratiq/internal/config"
	"github.com/voratiq/voratiq/internal/recordstore"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found in PATH")
	}
}

func TestRun_SuccessAndFailure(t *testing.T) {
	requireShell(t)
	logDir := t.TempDir()
	runner := New(t.TempDir(), logDir, nil)

	snapshots := runner.Run(context.Background(), []config.EvalSpec{
		{Slug: "build", Command: "sh", Args: []string{"-c", "echo building; exit 0"}},
		{Slug: "test", Command: "sh", Args: []string{"-c", "echo failing 1>&2; exit 2"}},
	})

	if len(snapshots) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snapshots))
	}

	build := snapshots[0]
	if build.Status != recordstore.EvalSucceeded || *build.ExitCode != 0 || !build.HasLog {
		t.Errorf("build snapshot = %+v, want succeeded/0/log", build)
	}
	logData, err := os.ReadFile(filepath.Join(logDir, "build.log"))
	if err != nil {
		t.Fatalf("reading build.log: %v", err)
	}
	if !strings.Contains(string(logData), "building") {
		t.Errorf("build.log = %q, want command output", logData)
	}

	testSnap := snapshots[1]
	if testSnap.Status != recordstore.EvalFailed || *testSnap.ExitCode != 2 {
		t.Errorf("test snapshot = %+v, want failed/2", testSnap)
	}
	logData, _ = os.ReadFile(filepath.Join(logDir, "test.log"))
	if !strings.Contains(string(logData), "failing") {
		t.Errorf("test.log = %q, want stderr output", logData)
	}
}

func TestRun_FailureDoesNotStopLaterEvals(t *testing.T) {
	requireShell(t)
	runner := New(t.TempDir(), t.TempDir(), nil)

	snapshots := runner.Run(context.Background(), []config.EvalSpec{
		{Slug: "first", Command: "sh", Args: []string{"-c", "exit 1"}},
		{Slug: "second", Command: "sh", Args: []string{"-c", "exit 0"}},
	})

	if snapshots[0].Status != recordstore.EvalFailed {
		t.Errorf("first = %s, want failed", snapshots[0].Status)
	}
	if snapshots[1].Status != recordstore.EvalSucceeded {
		t.Errorf("second = %s, want succeeded (evals are independent)", snapshots[1].Status)
	}
}

func TestRun_Timeout(t *testing.T) {
	requireShell(t)
	runner := New(t.TempDir(), t.TempDir(), nil)

	start := time.Now()
	snapshots := runner.Run(context.Background(), []config.EvalSpec{
		{Slug: "slow", Command: "sh", Args: []string{"-c", "sleep 30"}, TimeoutMs: 100},
	})

	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timed-out eval took %s", elapsed)
	}
	if snapshots[0].Status != recordstore.EvalFailed || !strings.Contains(snapshots[0].Error, "timed out") {
		t.Errorf("snapshot = %+v, want timeout failure", snapshots[0])
	}
}

func TestRun_CancelledContextSkips(t *testing.T) {
	runner := New(t.TempDir(), t.TempDir(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snapshots := runner.Run(ctx, []config.EvalSpec{
		{Slug: "never", Command: "sh", Args: []string{"-c", "exit 0"}},
	})
	if snapshots[0].Status != recordstore.EvalSkipped {
		t.Errorf("snapshot = %+v, want skipped", snapshots[0])
	}
}
