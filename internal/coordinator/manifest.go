package coordinator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/voratiq/voratiq/internal/config"
)

// Manifest is the runtime record of how an agent was invoked, written
// to runtime/manifest.json for post-hoc auditing. Credential contents
// never appear here, only the sandbox home path.
type Manifest struct {
	AgentID      string    `json:"agentId"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model,omitempty"`
	WorkspaceDir string    `json:"workspaceDir"`
	SandboxHome  string    `json:"sandboxHome"`
	CreatedAt    time.Time `json:"createdAt"`
}

// sandboxInvocation is the resolved command line, written to
// runtime/sandbox.json.
type sandboxInvocation struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

func writeManifest(runtimeDir string, agent config.AgentSpec, workspaceDir, sandboxHome, command string, args []string) error {
	manifest := Manifest{
		AgentID:      agent.ID,
		Provider:     agent.Provider,
		Model:        agent.Model,
		WorkspaceDir: workspaceDir,
		SandboxHome:  sandboxHome,
		CreatedAt:    time.Now().UTC(),
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(runtimeDir, "manifest.json"), data, 0o644); err != nil {
		return err
	}

	invocation := sandboxInvocation{Command: command, Args: args}
	data, err = json.MarshalIndent(invocation, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(runtimeDir, "sandbox.json"), data, 0o644)
}
