package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/voratiq/voratiq/internal/config"
	"github.com/voratiq/voratiq/internal/logging"
	"github.com/voratiq/voratiq/internal/recordstore"
)

var logsCmd = &cobra.Command{
	Use:   "logs <session-id>",
	Short: "Show a run or review session's aggregated debug log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := workspaceRoot(cmd)
		if err != nil {
			return err
		}
		sessionID := args[0]

		sessionDir, err := findSessionDir(root, sessionID)
		if err != nil {
			return err
		}

		entries, err := logging.AggregateLogs(sessionDir)
		if err != nil {
			return err
		}

		level, _ := cmd.Flags().GetString("level")
		agentID, _ := cmd.Flags().GetString("agent")
		contains, _ := cmd.Flags().GetString("contains")
		entries = logging.FilterLogs(entries, logging.LogFilter{
			Level:           level,
			AgentID:         agentID,
			MessageContains: contains,
		})

		if exportPath, _ := cmd.Flags().GetString("export"); exportPath != "" {
			format, _ := cmd.Flags().GetString("format")
			if err := logging.ExportLogEntries(entries, exportPath, format); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d entries to %s\n", len(entries), exportPath)
			return nil
		}

		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no matching log entries")
			return nil
		}
		return logging.WriteText(cmd.OutOrStdout(), entries)
	},
}

func init() {
	logsCmd.Flags().String("level", "", "minimum level to show (debug, info, warn, error)")
	logsCmd.Flags().String("agent", "", "only entries from this agent id")
	logsCmd.Flags().String("contains", "", "only entries whose message contains this substring")
	logsCmd.Flags().String("export", "", "write entries to this file instead of stdout")
	logsCmd.Flags().String("format", "text", "export format: json, text, or csv")
	rootCmd.AddCommand(logsCmd)
}

// findSessionDir locates a session id's directory, checking the runs
// domain first and falling back to reviews.
func findSessionDir(root, sessionID string) (string, error) {
	runStore, err := recordstore.NewRunStore(config.ConfigRoot(root))
	if err != nil {
		return "", err
	}
	if dir := runStore.SessionDir(sessionID); dirExists(dir) {
		return dir, nil
	}

	reviewStore, err := recordstore.NewReviewStore(config.ConfigRoot(root))
	if err != nil {
		return "", err
	}
	if dir := reviewStore.SessionDir(sessionID); dirExists(dir) {
		return dir, nil
	}

	return "", fmt.Errorf("no run or review session %s", sessionID)
}

func dirExists(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}
