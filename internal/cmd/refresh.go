package cmd

import (
	"github.com/spf13/cobra"
)

// refreshCmd represents the refresh command
var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Update the index for files whose content changed",
	Long: `Hash every file known to the index and re-collect coverage for exactly
the files whose content drifted since they were indexed. For each changed
file, the tests that previously covered any of its lines are re-run;
unchanged files are left untouched. With zero drift nothing is re-run and
the index is not rewritten.

An interrupted refresh keeps the records of files whose re-collection
completed cleanly and leaves all others at their prior value.

Examples:
  linetest refresh
  linetest refresh --no-run         # show what would be re-collected`,
	RunE: runRefresh,
}

var (
	refreshNoRun        bool
	refreshShowCommands bool
)

func init() {
	rootCmd.AddCommand(refreshCmd)

	refreshCmd.Flags().BoolVar(&refreshNoRun, "no-run", false, "Print the test commands without executing them")
	refreshCmd.Flags().BoolVar(&refreshShowCommands, "show-commands", false, "Echo each test command before running it")
}

func runRefresh(cmd *cobra.Command, args []string) error {
	inv, err := newInvocation()
	if err != nil {
		return err
	}
	inv.Runner.DryRun = refreshNoRun
	inv.Runner.ShowCommands = refreshShowCommands

	ctx, cancel := signalContext()
	defer cancel()

	if err := inv.Refresh(ctx); err != nil {
		return describeInterrupt(err)
	}
	return nil
}
