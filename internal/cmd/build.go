package cmd

import (
	"github.com/spf13/cobra"
)

// buildCmd represents the build command
var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Collect per-test coverage and write a fresh index",
	Long: `Discover every test in the module, run each one in isolation under
coverage instrumentation, and write a fresh index mapping source lines to
the tests that covered them.

The new index is staged next to the live one and renamed into place as the
final step, so an interrupted build always leaves the previous index (or its
absence) exactly as it was.

Examples:
  linetest build
  linetest build --missing-only     # only collect tests absent from the index
  linetest build --no-run           # print the commands without running them
  linetest build --parallel 8`,
	RunE: runBuild,
}

var (
	buildMissingOnly  bool
	buildNoRun        bool
	buildShowCommands bool
)

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().BoolVar(&buildMissingOnly, "missing-only", false, "Only collect coverage for tests not yet in the index")
	buildCmd.Flags().BoolVar(&buildNoRun, "no-run", false, "Print the test commands without executing them")
	buildCmd.Flags().BoolVar(&buildShowCommands, "show-commands", false, "Echo each test command before running it")
}

func runBuild(cmd *cobra.Command, args []string) error {
	inv, err := newInvocation()
	if err != nil {
		return err
	}
	inv.Runner.DryRun = buildNoRun
	inv.Runner.ShowCommands = buildShowCommands

	ctx, cancel := signalContext()
	defer cancel()

	if err := inv.Build(ctx, buildMissingOnly); err != nil {
		return describeInterrupt(err)
	}
	if !buildNoRun {
		inv.Verbosef("index written to %s", inv.IndexPath)
	}
	return nil
}
