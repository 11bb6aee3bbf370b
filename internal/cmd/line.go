package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// lineCmd represents the line command
var lineCmd = &cobra.Command{
	Use:   "line <PATH>:<LINES>[,<LINES>]...",
	Short: "Print the tests covering the given lines",
	Long: `Query the index for the union of tests covering the given lines and
print their ids, one per line in stable sorted order. An empty result is a
success: the lines exist but no test covers them.

Each argument is a line specification: a project-relative path, a colon,
and a comma-separated list of line numbers or ranges. A single "-" reads
one specification per line from standard input.

Querying a file the index cannot answer for is an error: the file was
never indexed, its content changed since indexing (run 'linetest refresh'),
or the line is beyond its recorded length.

Examples:
  linetest line internal/engine/engine.go:42
  linetest line internal/engine/engine.go:95-97,102 internal/index/index.go:10
  echo "internal/a.go:7" | linetest line -
  linetest line internal/a.go:7 --run       # run the selected tests too`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLine,
}

var (
	lineZeroCoverage bool
	lineRun          bool
)

func init() {
	rootCmd.AddCommand(lineCmd)

	lineCmd.Flags().BoolVar(&lineZeroCoverage, "zero-coverage", false, "Also select tests with no recorded coverage at all")
	lineCmd.Flags().BoolVar(&lineRun, "run", false, "Run the selected tests after printing them")
}

func runLine(cmd *cobra.Command, args []string) error {
	inv, err := newInvocation()
	if err != nil {
		return err
	}

	tests, err := inv.QueryLines(args, os.Stdin)
	if err != nil {
		return err
	}
	if lineZeroCoverage {
		tests, err = addZeroCoverage(inv, tests)
		if err != nil {
			return err
		}
	}

	return renderSelection(inv, tests, lineRun)
}
