package coordinator

import (
	"bufio"
	"os"
	"regexp"
	"strings"
)

// Provider log scanners turn a raw agent failure into a user-visible
// hint by recognizing well-known provider error shapes in the captured
// stdio. They only run when the watchdog did not already explain the
// failure.

var codexMessage = regexp.MustCompile(`"message"\s*:\s*"([^"]+)"`)

// ScanFailureDetail inspects an agent's captured stdout/stderr for a
// provider-specific failure hint. Returns "" when nothing recognizable
// is found.
func ScanFailureDetail(provider, stdoutPath, stderrPath string) string {
	switch provider {
	case "claude":
		if containsLine(stdoutPath, "/login") || containsLine(stderrPath, "/login") {
			return "Claude session requires reauthentication: run /login in the Claude CLI and retry."
		}
	case "gemini":
		if line := findLine(stderrPath, "You have exhausted your capacity"); line != "" {
			return line
		}
	case "codex":
		for _, path := range []string{stderrPath, stdoutPath} {
			if line := findLine(path, "invalid_request_error"); line != "" {
				if m := codexMessage.FindStringSubmatch(line); m != nil {
					return m[1]
				}
				return line
			}
		}
	}
	return ""
}

// findLine returns the last line in path containing needle.
func findLine(path, needle string) string {
	file, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer file.Close()

	var found string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), needle) {
			found = strings.TrimSpace(scanner.Text())
		}
	}
	return found
}

func containsLine(path, needle string) bool {
	return findLine(path, needle) != ""
}
