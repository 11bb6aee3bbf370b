// Package harness drives the go test coverage tooling: it discovers the
// test functions of a module, runs each one in isolation with coverage
// instrumentation, and parses the resulting profiles. Attribution is strictly
// per test; no profile is ever shared between two test ids.
package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/linetest/linetest/internal/covprofile"
)

// Test identifies one test function by import path and name.
type Test struct {
	Pkg  string
	Name string
}

// ID returns the stable test identifier "<import path>::<name>".
func (t Test) ID() string {
	return t.Pkg + "::" + t.Name
}

// ParseTestID splits an identifier produced by Test.ID.
func ParseTestID(id string) (Test, error) {
	i := strings.LastIndex(id, "::")
	if i <= 0 || i+2 >= len(id) {
		return Test{}, fmt.Errorf("malformed test id %q", id)
	}
	return Test{Pkg: id[:i], Name: id[i+2:]}, nil
}

// Result pairs a test with its parsed coverage profile.
type Result struct {
	Test    Test
	Profile *covprofile.Profile
}

// CoverageToolError reports a test runner invocation that exited nonzero or
// produced an unusable profile. It aborts the build or refresh that hit it.
type CoverageToolError struct {
	TestID     string
	ExitStatus int
	Output     string
}

func (e *CoverageToolError) Error() string {
	msg := fmt.Sprintf("coverage run for %s failed (exit status %d)", e.TestID, e.ExitStatus)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ":\n" + out
	}
	return msg
}

// Runner invokes the go tool for one module.
type Runner struct {
	// Dir is the module root every command runs in.
	Dir string
	// Parallel bounds concurrent coverage runs during Collect.
	Parallel int
	// TestArgs are extra arguments appended to every go test invocation.
	TestArgs []string
	// ListPattern selects which listed test functions are indexed.
	ListPattern *regexp.Regexp
	// ShowCommands echoes each command to Stderr before running it.
	ShowCommands bool
	// DryRun prints commands without executing them. Implies ShowCommands.
	DryRun bool
	// Progress receives the live progress line during Collect. Nil disables.
	Progress *Progress
	// Stderr is where commands are echoed. Defaults to os.Stderr.
	Stderr *os.File
}

func (r *Runner) stderr() *os.File {
	if r.Stderr != nil {
		return r.Stderr
	}
	return os.Stderr
}

func (r *Runner) echo(args []string) {
	if r.ShowCommands || r.DryRun {
		fmt.Fprintln(r.stderr(), strings.Join(args, " "))
	}
}

func (r *Runner) run(ctx context.Context, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = r.Dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

// ModulePath returns the module path declared by the go.mod in Dir.
func (r *Runner) ModulePath(ctx context.Context) (string, error) {
	out, err := r.run(ctx, []string{"go", "list", "-m"})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("go list -m: %w\n%s", err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// ListPackages returns the import paths of every package under the module.
func (r *Runner) ListPackages(ctx context.Context) ([]string, error) {
	args := []string{"go", "list", "./..."}
	r.echo(args)
	out, err := r.run(ctx, args)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("go list: %w\n%s", err, strings.TrimSpace(string(out)))
	}

	var pkgs []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			pkgs = append(pkgs, line)
		}
	}
	return pkgs, nil
}

// ListTests returns the tests of pkg whose names match ListPattern, by
// running the package's test binary in list mode.
func (r *Runner) ListTests(ctx context.Context, pkg string) ([]Test, error) {
	args := listCommandArgs(pkg, r.TestArgs)
	r.echo(args)
	out, err := r.run(ctx, args)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("go test -list for %s: %w\n%s", pkg, err, strings.TrimSpace(string(out)))
	}

	var tests []Test
	for _, name := range parseListOutput(string(out), r.ListPattern) {
		tests = append(tests, Test{Pkg: pkg, Name: name})
	}
	return tests, nil
}

// DiscoverTests enumerates every matching test in the module, ordered by id.
func (r *Runner) DiscoverTests(ctx context.Context) ([]Test, error) {
	pkgs, err := r.ListPackages(ctx)
	if err != nil {
		return nil, err
	}

	var tests []Test
	for _, pkg := range pkgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pkgTests, err := r.ListTests(ctx, pkg)
		if err != nil {
			return nil, err
		}
		tests = append(tests, pkgTests...)
	}

	sort.Slice(tests, func(i, j int) bool { return tests[i].ID() < tests[j].ID() })
	return tests, nil
}

// Collect runs every test in isolation with coverage instrumentation and
// returns the parsed profiles. Runs are dispatched to a pool of Parallel
// workers. On cancellation the results of cleanly completed runs are returned
// together with the context error, so the caller can decide what to keep.
func (r *Runner) Collect(ctx context.Context, tests []Test) ([]Result, error) {
	if r.DryRun {
		for _, test := range tests {
			r.echo(coverCommandArgs(test, "<profile>", r.TestArgs))
		}
		return nil, nil
	}

	parallel := r.Parallel
	if parallel <= 0 {
		parallel = 1
	}

	type outcome struct {
		result Result
		err    error
	}

	jobs := make(chan Test, len(tests))
	outcomes := make(chan outcome, len(tests))

	// First failure cancels the remaining runs.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for test := range jobs {
				if ctx.Err() != nil {
					return
				}
				profile, err := r.collectOne(ctx, test)
				if err != nil {
					outcomes <- outcome{err: err}
					cancel()
					return
				}
				outcomes <- outcome{result: Result{Test: test, Profile: profile}}
				if r.Progress != nil {
					r.Progress.Step(test.ID())
				}
			}
		}()
	}

	for _, test := range tests {
		jobs <- test
	}
	close(jobs)

	wg.Wait()
	close(outcomes)
	if r.Progress != nil {
		r.Progress.Done()
	}

	var results []Result
	var firstErr error
	for o := range outcomes {
		if o.err != nil {
			if firstErr == nil {
				firstErr = o.err
			}
			continue
		}
		results = append(results, o.result)
	}

	if firstErr != nil {
		return results, firstErr
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// collectOne runs a single test with a fresh coverage profile and parses it.
func (r *Runner) collectOne(ctx context.Context, test Test) (*covprofile.Profile, error) {
	tmp, err := os.CreateTemp("", "linetest-*.profile")
	if err != nil {
		return nil, fmt.Errorf("create profile file: %w", err)
	}
	profilePath := tmp.Name()
	tmp.Close()
	defer os.Remove(profilePath)

	args := coverCommandArgs(test, profilePath, r.TestArgs)
	r.echo(args)
	out, err := r.run(ctx, args)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &CoverageToolError{
			TestID:     test.ID(),
			ExitStatus: exitStatus(err),
			Output:     string(out),
		}
	}

	return parseProfile(test, profilePath)
}

// parseProfile parses the profile a test run wrote. Parse failures keep the
// covprofile error in the chain, distinct from a runner exiting nonzero.
func parseProfile(test Test, path string) (*covprofile.Profile, error) {
	profile, err := covprofile.ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("coverage profile for %s: %w", test.ID(), err)
	}
	return profile, nil
}

// RunTests executes the given tests without instrumentation, one go test
// invocation per package. Used by the --run flag after a query.
func (r *Runner) RunTests(ctx context.Context, tests []Test) error {
	for _, group := range groupByPackage(tests) {
		args := runCommandArgs(group, r.TestArgs)
		r.echo(args)
		if r.DryRun {
			continue
		}
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Dir = r.Dir
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("go test for %s: %w", group[0].Pkg, err)
		}
	}
	return nil
}

// listCommandArgs builds the go test list-mode invocation for pkg.
func listCommandArgs(pkg string, extra []string) []string {
	args := []string{"go", "test", "-list", ".*"}
	args = append(args, extra...)
	args = append(args, pkg)
	return args
}

// coverCommandArgs builds the instrumented single-test invocation.
func coverCommandArgs(test Test, profilePath string, extra []string) []string {
	args := []string{
		"go", "test",
		"-run", "^" + regexp.QuoteMeta(test.Name) + "$",
		"-covermode=atomic",
		"-coverprofile=" + profilePath,
	}
	args = append(args, extra...)
	args = append(args, test.Pkg)
	return args
}

// runCommandArgs builds the plain invocation for a package's selected tests.
func runCommandArgs(tests []Test, extra []string) []string {
	names := make([]string, len(tests))
	for i, test := range tests {
		names[i] = regexp.QuoteMeta(test.Name)
	}
	args := []string{"go", "test", "-run", "^(" + strings.Join(names, "|") + ")$"}
	args = append(args, extra...)
	args = append(args, tests[0].Pkg)
	return args
}

// parseListOutput extracts matching test names from go test -list output,
// which prints one name per line followed by an "ok" summary line.
func parseListOutput(out string, pattern *regexp.Regexp) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "ok ") || strings.HasPrefix(line, "? ") {
			continue
		}
		if strings.HasPrefix(line, "---") || strings.Contains(line, " ") {
			continue
		}
		if pattern == nil || pattern.MatchString(line) {
			names = append(names, line)
		}
	}
	sort.Strings(names)
	return names
}

// groupByPackage partitions tests by import path, sorting each group by name.
// Groups come out in sorted package order.
func groupByPackage(tests []Test) [][]Test {
	byPkg := make(map[string][]Test)
	for _, test := range tests {
		byPkg[test.Pkg] = append(byPkg[test.Pkg], test)
	}

	pkgs := make([]string, 0, len(byPkg))
	for pkg := range byPkg {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)

	groups := make([][]Test, 0, len(pkgs))
	for _, pkg := range pkgs {
		group := byPkg[pkg]
		sort.Slice(group, func(i, j int) bool { return group[i].Name < group[j].Name })
		groups = append(groups, group)
	}
	return groups
}

// exitStatus extracts the process exit code from a go test error, or -1 when
// the process did not run to completion.
func exitStatus(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
