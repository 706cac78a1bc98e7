package coordinator

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/voratiq/voratiq/internal/recordstore"
	"github.com/voratiq/voratiq/internal/workspace"
)

// stagingDir is where agents leave summary and chat artifacts inside
// their workspace for promotion.
const stagingDir = ".voratiq"

// Promotion reports which artifacts made it into the artifact
// directory.
type Promotion struct {
	CommitSha       string
	DiffCaptured    bool
	SummaryCaptured bool
	ChatCaptured    bool
	ChatFormat      recordstore.ChatFormat
	DiffStats       *recordstore.DiffStats
	Warnings        []string
}

// PromoteArtifacts moves an agent's staged workspace artifacts into
// artifactsDir: the diff against base, the summary, and the chat
// transcript. Missing artifacts become warnings, never errors; the
// agent already succeeded.
func PromoteArtifacts(workspaces *workspace.Manager, prepared *workspace.Prepared, artifactsDir string) Promotion {
	var promotion Promotion

	if sha, err := workspaces.HeadCommit(prepared); err == nil {
		promotion.CommitSha = sha
	}

	diff, err := workspaces.CaptureDiff(prepared)
	switch {
	case err != nil:
		promotion.Warnings = append(promotion.Warnings, fmt.Sprintf("diff capture failed: %v", err))
	case len(diff) == 0:
		promotion.Warnings = append(promotion.Warnings, "agent made no changes; diff is empty")
	default:
		if writeErr := os.WriteFile(filepath.Join(artifactsDir, "diff.patch"), []byte(diff), 0o644); writeErr != nil {
			promotion.Warnings = append(promotion.Warnings, fmt.Sprintf("diff write failed: %v", writeErr))
		} else {
			promotion.DiffCaptured = true
			stats := workspace.ParseDiffStats(diff)
			promotion.DiffStats = &stats
		}
	}

	summarySrc := filepath.Join(prepared.Dir, stagingDir, "summary.txt")
	if copyArtifact(summarySrc, filepath.Join(artifactsDir, "summary.txt")) {
		promotion.SummaryCaptured = true
	}

	// Chat transcripts come in either encoding; jsonl wins if an agent
	// somehow leaves both.
	for _, format := range []recordstore.ChatFormat{recordstore.ChatFormatJSONL, recordstore.ChatFormatJSON} {
		name := "chat." + string(format)
		if copyArtifact(filepath.Join(prepared.Dir, stagingDir, name), filepath.Join(artifactsDir, name)) {
			promotion.ChatCaptured = true
			promotion.ChatFormat = format
			break
		}
	}

	return promotion
}

// copyArtifact copies src to dst if src exists with content.
func copyArtifact(src, dst string) bool {
	data, err := os.ReadFile(src)
	if err != nil || len(data) == 0 {
		return false
	}
	return os.WriteFile(dst, data, 0o644) == nil
}
