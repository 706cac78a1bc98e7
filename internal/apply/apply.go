// Package apply stages one agent's captured diff onto the operator's
// working tree with git apply --index, producing the apply-status
// record the run store persists.
package apply

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	voratiqerrors "github.com/voratiq/voratiq/internal/errors"
	"github.com/voratiq/voratiq/internal/recordstore"
)

// Apply applies the diff at diffPath to the repository at repoDir. The
// returned ApplyStatus is recorded on the run whether the apply
// succeeded or not; the error mirrors the failure for the caller.
func Apply(repoDir, diffPath, agentID string, now time.Time) (*recordstore.ApplyStatus, error) {
	status := &recordstore.ApplyStatus{
		AppliedAt: now.UTC().Format(time.RFC3339),
		AgentID:   agentID,
	}

	info, err := os.Stat(diffPath)
	if err != nil {
		status.Error = fmt.Sprintf("diff not captured for agent %s", agentID)
		return status, voratiqerrors.NewNotFoundError("diff", diffPath).WithCause(err)
	}
	if info.Size() == 0 {
		status.Error = fmt.Sprintf("agent %s produced an empty diff", agentID)
		return status, voratiqerrors.NewValidationError(status.Error).WithField("diff")
	}

	cmd := exec.Command("git", "apply", "--index", diffPath)
	cmd.Dir = repoDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(out))
		status.Error = fmt.Sprintf("git apply failed: %s", detail)
		return status, voratiqerrors.Wrap(err, status.Error)
	}

	status.Success = true
	return status, nil
}
