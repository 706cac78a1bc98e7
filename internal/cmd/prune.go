package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/voratiq/voratiq/internal/config"
	"github.com/voratiq/voratiq/internal/recordstore"
)

var pruneCmd = &cobra.Command{
	Use:   "prune <run-id>",
	Short: "Remove a run's workspaces and artifacts, keeping its record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := workspaceRoot(cmd)
		if err != nil {
			return err
		}
		runID := args[0]

		store, err := recordstore.NewRunStore(config.ConfigRoot(root))
		if err != nil {
			return err
		}
		defer store.Close()

		record, err := store.Load(runID)
		if err != nil {
			return err
		}
		if record.Status == recordstore.StatusRunning || record.Status == recordstore.StatusQueued {
			return fmt.Errorf("run %s is still active; abort it before pruning", runID)
		}

		// The record and debug log survive; everything else under the
		// session directory goes. A concurrent pruner having removed a
		// directory first is a no-op.
		sessionDir := store.SessionDir(runID)
		entries, err := os.ReadDir(sessionDir)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		for _, entry := range entries {
			if entry.Name() == "record.json" || entry.Name() == "debug.log" {
				continue
			}
			if err := os.RemoveAll(filepath.Join(sessionDir, entry.Name())); err != nil && !os.IsNotExist(err) {
				return err
			}
		}

		now := time.Now().UTC()
		if _, err := store.Rewrite(runID, func(r *recordstore.RunRecord) *recordstore.RunRecord {
			r.Status = recordstore.StatusPruned
			r.DeletedAt = &now
			return r
		}); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "pruned run %s\n", runID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pruneCmd)
}
