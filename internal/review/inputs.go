package review

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	voratiqerrors "github.com/voratiq/voratiq/internal/errors"
)

// CandidateInput is one prior agent's diff entering the review, already
// blinded.
type CandidateInput struct {
	Alias    string
	DiffPath string
}

// StageInputs builds the shared, reviewer-visible inputs directory:
// the spec, a snapshot of the base revision identifier, and each
// candidate's diff under its alias. Nothing in the directory reveals
// which agent produced which diff.
func StageInputs(dir, specPath, baseRevision string, candidates []CandidateInput) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return voratiqerrors.Wrap(err, "failed to create inputs directory")
	}

	if err := copyInto(specPath, filepath.Join(dir, "spec.md")); err != nil {
		return voratiqerrors.Wrap(err, "failed to stage spec")
	}

	base := fmt.Sprintf("base revision: %s\n", baseRevision)
	if err := os.WriteFile(filepath.Join(dir, "base.txt"), []byte(base), 0o644); err != nil {
		return voratiqerrors.Wrap(err, "failed to stage base snapshot")
	}

	for _, candidate := range candidates {
		candidateDir := filepath.Join(dir, candidate.Alias)
		if err := os.MkdirAll(candidateDir, 0o755); err != nil {
			return voratiqerrors.Wrap(err, "failed to create candidate inputs directory")
		}
		if err := copyInto(candidate.DiffPath, filepath.Join(candidateDir, "diff.patch")); err != nil {
			return voratiqerrors.Wrap(err, fmt.Sprintf("failed to stage diff for %s", candidate.Alias))
		}
	}
	return nil
}

func copyInto(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
