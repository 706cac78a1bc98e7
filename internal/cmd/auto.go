package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var autoCmd = &cobra.Command{
	Use:   "auto <spec-path>",
	Short: "Run every agent, then review the results in one step",
	Long: `Auto chains run and review: every configured agent executes against
the specification, then the reviewers rank the successful candidates.
The recommended diff can afterwards be applied with voratiq apply.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := workspaceRoot(cmd)
		if err != nil {
			return err
		}
		maxParallel, _ := cmd.Flags().GetInt("max-parallel")

		runID, anyFailed, err := executeRun(cmd.Context(), cmd, root, args[0], maxParallel)
		if err != nil {
			return err
		}

		reviewID, reviewFailed, err := executeReview(cmd.Context(), cmd, root, runID, nil, maxParallel)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s reviewed as %s\n", runID, reviewID)

		if anyFailed || reviewFailed {
			return fmt.Errorf("auto finished with failures (run %s, review %s)", runID, reviewID)
		}
		return nil
	},
}

func init() {
	autoCmd.Flags().IntP("max-parallel", "p", 0, "maximum concurrent agents and reviewers")
	rootCmd.AddCommand(autoCmd)
}
