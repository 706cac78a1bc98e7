package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	applypkg "github.com/voratiq/voratiq/internal/apply"
	"github.com/voratiq/voratiq/internal/config"
	"github.com/voratiq/voratiq/internal/recordstore"
)

var applyCmd = &cobra.Command{
	Use:   "apply <run-id> <agent-id>",
	Short: "Apply one agent's captured diff to the working tree",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := workspaceRoot(cmd)
		if err != nil {
			return err
		}
		runID, agentID := args[0], args[1]

		store, err := recordstore.NewRunStore(config.ConfigRoot(root))
		if err != nil {
			return err
		}
		defer store.Close()

		record, err := store.Load(runID)
		if err != nil {
			return err
		}
		if record.Agent(agentID) == nil {
			return fmt.Errorf("run %s has no agent %s", runID, agentID)
		}

		diffPath := filepath.Join(store.SessionDir(runID), agentID, "artifacts", "diff.patch")
		status, applyErr := applypkg.Apply(root, diffPath, agentID, time.Now())

		// The outcome is recorded either way; the merge policy settles
		// races with other writers.
		if _, err := store.Rewrite(runID, func(r *recordstore.RunRecord) *recordstore.RunRecord {
			r.ApplyStatus = recordstore.MergeApplyStatus(status, r.ApplyStatus)
			return r
		}); err != nil {
			return err
		}
		if err := store.Flush(runID); err != nil {
			return err
		}

		if applyErr != nil {
			return applyErr
		}
		fmt.Fprintf(cmd.OutOrStdout(), "applied %s's diff from run %s\n", agentID, runID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(applyCmd)
}
