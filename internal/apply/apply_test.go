package apply

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH")
	}
	dir := t.TempDir()
	run := func(args ...string) []byte {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
		return out
	}
	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.txt"), []byte("one\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func TestApply_Success(t *testing.T) {
	repo := initRepo(t)

	diff := `diff --git a/main.txt b/main.txt
index 43dd47e..6ff86eb 100644
--- a/main.txt
+++ b/main.txt
@@ -1 +1,2 @@
 one
+two
`
	diffPath := filepath.Join(t.TempDir(), "diff.patch")
	require.NoError(t, os.WriteFile(diffPath, []byte(diff), 0o644))

	now := time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC)
	status, err := Apply(repo, diffPath, "claude-1", now)
	require.NoError(t, err)
	require.True(t, status.Success)
	require.Equal(t, "claude-1", status.AgentID)
	require.Equal(t, "2026-08-02T10:00:00Z", status.AppliedAt)

	data, err := os.ReadFile(filepath.Join(repo, "main.txt"))
	require.NoError(t, err)
	require.Equal(t, "one\ntwo\n", string(data))
}

func TestApply_MissingDiff(t *testing.T) {
	repo := initRepo(t)

	status, err := Apply(repo, filepath.Join(t.TempDir(), "nope.patch"), "claude-1", time.Now())
	require.Error(t, err)
	require.False(t, status.Success)
	require.Contains(t, status.Error, "not captured")
}

func TestApply_EmptyDiff(t *testing.T) {
	repo := initRepo(t)
	diffPath := filepath.Join(t.TempDir(), "diff.patch")
	require.NoError(t, os.WriteFile(diffPath, nil, 0o644))

	status, err := Apply(repo, diffPath, "claude-1", time.Now())
	require.Error(t, err)
	require.False(t, status.Success)
	require.Contains(t, status.Error, "empty diff")
}

func TestApply_ConflictReportsGitError(t *testing.T) {
	repo := initRepo(t)

	diff := `diff --git a/main.txt b/main.txt
--- a/main.txt
+++ b/main.txt
@@ -1 +1 @@
-something that is not there
+replacement
`
	diffPath := filepath.Join(t.TempDir(), "diff.patch")
	require.NoError(t, os.WriteFile(diffPath, []byte(diff), 0o644))

	status, err := Apply(repo, diffPath, "claude-1", time.Now())
	require.Error(t, err)
	require.False(t, status.Success)
	require.Contains(t, status.Error, "git apply failed")
}
