package workspace

import (
	"strings"

	"github.com/voratiq/voratiq/internal/recordstore"
)

// ParseDiffStats counts files, additions, and deletions in a unified
// diff. Header lines (+++/---) are not counted as changes.
func ParseDiffStats(diff string) recordstore.DiffStats {
	var stats recordstore.DiffStats
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			stats.FilesChanged++
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			stats.Additions++
		case strings.HasPrefix(line, "-"):
			stats.Deletions++
		}
	}
	return stats
}
