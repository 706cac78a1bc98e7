package watchdog

import (
	"regexp"
	"sync"
)

// Provider fatal patterns. A match twice within the fatal retry window
// terminates the agent: these are errors the provider CLI retries
// forever on without making progress.
var (
	patternsMu       sync.RWMutex
	providerPatterns = map[string]*regexp.Regexp{
		"gemini": regexp.MustCompile(`You have exhausted your capacity on this model\.`),
		"codex":  regexp.MustCompile(`Connection failed: error sending request for url`),
	}
)

// RegisterFatalPattern registers (or replaces) the fatal pattern for a
// provider id. Providers without a registration never fire
// fatal-pattern triggers.
func RegisterFatalPattern(providerID string, pattern *regexp.Regexp) {
	patternsMu.Lock()
	defer patternsMu.Unlock()
	providerPatterns[providerID] = pattern
}

// FatalPatternFor returns the registered fatal pattern for a provider
// id, or nil if none is registered.
func FatalPatternFor(providerID string) *regexp.Regexp {
	patternsMu.RLock()
	defer patternsMu.RUnlock()
	return providerPatterns[providerID]
}

// denialLine matches the one sandbox output format the watchdog
// understands; everything else in the stream is opaque.
var denialLine = regexp.MustCompile(`\[SandboxDebug\] Denied by config rule: (.+)`)
