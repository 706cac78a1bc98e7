package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/voratiq/voratiq/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the .voratiq directory with starter configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := workspaceRoot(cmd)
		if err != nil {
			return err
		}

		configRoot := config.ConfigRoot(root)
		if _, err := os.Stat(configRoot); err == nil {
			return fmt.Errorf("%s already exists", configRoot)
		}
		if err := os.MkdirAll(configRoot, 0o755); err != nil {
			return err
		}

		for name, content := range starterConfigs {
			if err := os.WriteFile(filepath.Join(configRoot, name), []byte(content), 0o644); err != nil {
				return err
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", configRoot)
		fmt.Fprintln(cmd.OutOrStdout(), "edit agents.yaml to declare your agents, then: voratiq run <spec>")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}

var starterConfigs = map[string]string{
	"agents.yaml": `# Agents compete against the same task specification.
agents:
  - id: claude-1
    provider: claude
    model: claude-sonnet-4-5
    command: claude
    args: ["--print"]
#  - id: codex-1
#    provider: codex
#    command: codex
#    args: ["exec"]
`,
	"evals.yaml": `# Evaluation commands run in each succeeded agent's workspace.
evals: []
#  - slug: build
#    command: make
#    args: ["build"]
#    timeout: 600000
`,
	"environment.yaml": `# Environment variables merged into every agent sandbox.
env: {}
`,
	"sandbox.yaml": `# Sandbox runtime wrapping each agent invocation. Leave binary empty
# to run agents directly.
binary: ""
args_template: []
`,
	"orchestration.yaml": `# Scheduler and watchdog tuning. Values may also be supplied as
# VORATIQ_* environment variables.
max_parallel: 4
silence_timeout_ms: 900000
wall_clock_cap_ms: 7200000
log_level: info
log_max_size_mb: 10
log_max_backups: 3
`,
}
