// Package cmd provides the CLI command surface for Voratiq. Commands
// are thin: they parse flags, load configuration, and hand off to the
// engine packages; no scheduling, supervision, or persistence logic
// lives here.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/voratiq/voratiq/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "voratiq",
	Short: "Run competing coding agents against one task specification",
	Long: `Voratiq orchestrates multiple third-party coding agents (Claude,
Codex, Gemini, ...) against a single task specification, runs them in
parallel inside per-agent sandboxes, evaluates their output, and keeps
an auditable history so you can pick and apply one agent's diff.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace root containing the .voratiq directory")
}

// workspaceRoot resolves the --workspace flag to an absolute path.
func workspaceRoot(cmd *cobra.Command) (string, error) {
	root, err := cmd.Flags().GetString("workspace")
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("cannot resolve workspace root: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("workspace root %s does not exist", abs)
	}
	return abs, nil
}

// loadConfig loads and validates the workspace's five config files.
func loadConfig(root string) (*config.Config, error) {
	cfg, err := config.Load(config.ConfigRoot(root))
	if err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}
	return cfg, nil
}
