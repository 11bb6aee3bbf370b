package cmd

import (
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/linetest/linetest/internal/engine"
)

// diffCmd represents the diff command
var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Print the tests covering the lines touched by a diff",
	Long: `Read unified-diff text from standard input and print the union of tests
covering the touched lines, one id per line in stable sorted order.

Removed and context lines are matched by their old-side line numbers, since
the index reflects the code as it was before the change. Purely added lines
have no coverage history and contribute nothing directly; the surrounding
context lines still do. Files the index cannot answer for are skipped with
a warning rather than failing the whole query.

Examples:
  git diff | linetest diff
  git diff HEAD~1 | linetest diff --run
  git diff | linetest diff --format json`,
	Args: cobra.NoArgs,
	RunE: runDiff,
}

var (
	diffZeroCoverage bool
	diffRun          bool
)

func init() {
	rootCmd.AddCommand(diffCmd)

	diffCmd.Flags().BoolVar(&diffZeroCoverage, "zero-coverage", false, "Also select tests with no recorded coverage at all")
	diffCmd.Flags().BoolVar(&diffRun, "run", false, "Run the selected tests after printing them")
}

func runDiff(cmd *cobra.Command, args []string) error {
	inv, err := newInvocation()
	if err != nil {
		return err
	}

	tests, err := inv.QueryDiff(os.Stdin)
	if err != nil {
		return err
	}
	if diffZeroCoverage {
		tests, err = addZeroCoverage(inv, tests)
		if err != nil {
			return err
		}
	}

	return renderSelection(inv, tests, diffRun)
}

// addZeroCoverage folds the zero-coverage tests into a selection, keeping it
// sorted and free of duplicates.
func addZeroCoverage(inv *engine.Invocation, tests []string) ([]string, error) {
	zero, err := inv.ZeroCoverage()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(tests))
	for _, id := range tests {
		seen[id] = true
	}
	for _, id := range zero {
		if !seen[id] {
			tests = append(tests, id)
			seen[id] = true
		}
	}
	sort.Strings(tests)
	return tests, nil
}
