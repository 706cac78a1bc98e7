package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/voratiq/voratiq/internal/config"
	"github.com/voratiq/voratiq/internal/recordstore"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List run and review sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := workspaceRoot(cmd)
		if err != nil {
			return err
		}

		runStore, err := recordstore.NewRunStore(config.ConfigRoot(root))
		if err != nil {
			return err
		}
		runs, warnings, err := runStore.LoadAll()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tCREATED\tSTATUS\tAGENTS\tAPPLIED")
		for _, run := range runs {
			applied := "-"
			if run.ApplyStatus != nil && run.ApplyStatus.Success {
				applied = run.ApplyStatus.AgentID
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				run.RunID,
				run.CreatedAt.Local().Format(time.DateTime),
				run.Status,
				agentSummary(run),
				applied,
			)
		}
		w.Flush()

		reviewStore, err := recordstore.NewReviewStore(config.ConfigRoot(root))
		if err != nil {
			return err
		}
		reviews, reviewWarnings, err := reviewStore.LoadAll()
		if err != nil {
			return err
		}
		warnings = append(warnings, reviewWarnings...)

		if len(reviews) > 0 {
			fmt.Fprintln(cmd.OutOrStdout())
			w = tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "REVIEW\tRUN\tCREATED\tSTATUS")
			for _, rev := range reviews {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					rev.ReviewID, rev.RunID,
					rev.CreatedAt.Local().Format(time.DateTime),
					rev.Status,
				)
			}
			w.Flush()
		}

		for _, warning := range warnings {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: %s\n", warning.SessionID, warning.Kind)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

// agentSummary compresses a run's agent outcomes into succeeded/total.
func agentSummary(run *recordstore.RunRecord) string {
	succeeded := 0
	for _, agent := range run.Agents {
		if agent.Status == recordstore.StatusSucceeded {
			succeeded++
		}
	}
	return fmt.Sprintf("%d/%d ok", succeeded, len(run.Agents))
}
