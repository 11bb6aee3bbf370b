// Package cmd contains all CLI commands for linetest.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/linetest/linetest/internal/config"
	"github.com/linetest/linetest/internal/engine"
	"github.com/linetest/linetest/internal/harness"
	"github.com/linetest/linetest/internal/output"
)

var (
	// Version is the current version of linetest
	Version = "0.1.0"

	// Global flags
	verbose      bool
	configPath   string
	outputFormat string
	denyWarnings bool
	parallel     int
	testArgs     []string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "linetest",
	Short: "Map source lines to the tests that cover them",
	Long: `linetest keeps a coverage-backed index from source lines to tests, so that
after a code change you can run only the tests that exercise the changed
lines instead of the full suite.

The index lives in .linetest/index.db at the project root. It records, per
file, a content hash and the line count at last indexing, and per line the
set of tests whose coverage touched it. A file whose content has drifted
since indexing is never answered from stale data; refresh it first.

Typical workflow:
  linetest build                  # collect per-test coverage, write the index
  linetest line internal/a.go:42  # which tests cover line 42?
  git diff | linetest diff        # which tests cover the lines I changed?
  linetest refresh                # update only what changed

See 'linetest <command> --help' for command-specific options.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: .linetest/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "", "Output format (text|yaml|json)")
	rootCmd.PersistentFlags().BoolVar(&denyWarnings, "deny-warnings", false, "Treat warnings as errors")
	rootCmd.PersistentFlags().IntVar(&parallel, "parallel", 0, "Concurrent test runs during collection (default: from config)")
	rootCmd.PersistentFlags().StringArrayVar(&testArgs, "args", nil, "Extra arguments passed through to go test (repeatable)")
}

// newInvocation assembles the per-command context from the working directory,
// configuration and global flags.
func newInvocation() (*engine.Invocation, error) {
	workDir, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	inv, err := engine.NewInvocation(workDir)
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		cfg, err := config.LoadFromPath(configPath)
		if err != nil {
			return nil, err
		}
		inv.Config = cfg
	}
	inv.Verbose = verbose
	inv.DenyWarnings = denyWarnings

	cfg := inv.Config
	if parallel > 0 {
		cfg.Harness.Parallel = parallel
	}
	if len(testArgs) > 0 {
		cfg.Harness.TestArgs = append(cfg.Harness.TestArgs, testArgs...)
	}

	pattern, err := regexp.Compile(cfg.Harness.ListPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid list_pattern %q: %w", cfg.Harness.ListPattern, err)
	}
	inv.Runner = &harness.Runner{
		Dir:         inv.Root,
		Parallel:    cfg.Harness.Parallel,
		TestArgs:    cfg.Harness.TestArgs,
		ListPattern: pattern,
	}
	return inv, nil
}

// resolveFormat picks the output format from the flag, falling back to the
// configured default.
func resolveFormat(inv *engine.Invocation) (output.Format, error) {
	s := outputFormat
	if s == "" {
		s = inv.Config.Output.Format
	}
	return output.ParseFormat(s)
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// renderSelection prints the selected tests in the resolved format and
// optionally runs them.
func renderSelection(inv *engine.Invocation, tests []string, run bool) error {
	format, err := resolveFormat(inv)
	if err != nil {
		return err
	}
	if err := output.Render(inv.Stdout, format, output.NewSelection(tests, inv.Warnings)); err != nil {
		return err
	}
	if !run || len(tests) == 0 {
		return nil
	}

	ctx, cancel := signalContext()
	defer cancel()
	return inv.RunSelected(ctx, tests)
}

// describeInterrupt maps a context cancellation to a user-facing error.
func describeInterrupt(err error) error {
	if errors.Is(err, context.Canceled) {
		return errors.New("interrupted")
	}
	return err
}
