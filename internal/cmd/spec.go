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

var specCmd = &cobra.Command{
	Use:   "spec <path>",
	Short: "Register a task specification in the session history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := workspaceRoot(cmd)
		if err != nil {
			return err
		}
		title, _ := cmd.Flags().GetString("title")

		store, err := recordstore.NewSpecStore(config.ConfigRoot(root))
		if err != nil {
			return err
		}
		defer store.Close()

		specID := recordstore.NewSessionID(time.Now())
		record := &recordstore.SpecRecord{
			SpecID:    specID,
			Title:     title,
			Status:    recordstore.StatusQueued,
			CreatedAt: time.Now().UTC(),
		}

		specPath, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		record.Path = specPath

		if err := store.Append(record); err != nil {
			return err
		}

		// Saving means the spec exists and is readable; anything else is
		// a failed session.
		status := recordstore.StatusSaved
		if _, statErr := os.Stat(specPath); statErr != nil {
			status = recordstore.StatusFailed
		}
		if _, err := store.Rewrite(specID, func(r *recordstore.SpecRecord) *recordstore.SpecRecord {
			r.Status = status
			return r
		}); err != nil {
			return err
		}

		if status == recordstore.StatusFailed {
			return fmt.Errorf("spec file %s does not exist", specPath)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved spec %s (%s)\n", specID, specPath)
		return nil
	},
}

func init() {
	specCmd.Flags().String("title", "", "human-readable title for the specification")
	rootCmd.AddCommand(specCmd)
}
