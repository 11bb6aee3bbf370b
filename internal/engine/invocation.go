// Package engine coordinates the parsers, the coverage harness and the line
// index into the four caller-facing operations: build, refresh, line query
// and diff query. All state for one command lives in an Invocation; nothing
// here is process-global.
package engine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/linetest/linetest/internal/config"
	"github.com/linetest/linetest/internal/harness"
	"github.com/linetest/linetest/internal/index"
)

// Invocation carries the context of one command: configuration, resolved
// paths, the test runner, output streams and the warning policy.
type Invocation struct {
	Config    *config.Config
	Root      string
	IndexPath string
	Runner    *harness.Runner

	Stdout io.Writer
	Stderr io.Writer

	Verbose      bool
	DenyWarnings bool

	// Warnings accumulates every warning emitted during the invocation, in
	// order, for inclusion in structured output.
	Warnings []string
}

// NewInvocation resolves the project root (the directory holding .linetest,
// or workDir if none exists yet), loads configuration and prepares a runner.
func NewInvocation(workDir string) (*Invocation, error) {
	root := workDir
	if configDir, err := config.FindConfigDir(workDir); err == nil {
		root = filepath.Dir(configDir)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}
	root = abs

	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}

	return &Invocation{
		Config:    cfg,
		Root:      root,
		IndexPath: index.DefaultPath(root),
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
	}, nil
}

// Warnf prints a warning and records it. Under --deny-warnings the warning
// is returned as an error instead and the operation should stop.
func (inv *Invocation) Warnf(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	inv.Warnings = append(inv.Warnings, msg)
	if inv.DenyWarnings {
		return &DeniedWarningError{Message: msg}
	}
	fmt.Fprintf(inv.Stderr, "warning: %s\n", msg)
	return nil
}

// Verbosef prints progress detail when --verbose is set.
func (inv *Invocation) Verbosef(format string, args ...any) {
	if inv.Verbose {
		fmt.Fprintf(inv.Stderr, format+"\n", args...)
	}
}

// warnIfIndexNotIgnored warns when the state directory would be committed.
// Best effort: silently skipped outside a git work tree or without git.
func (inv *Invocation) warnIfIndexNotIgnored() error {
	gitDir := filepath.Join(inv.Root, ".git")
	if _, err := os.Stat(gitDir); err != nil {
		return nil
	}
	cmd := exec.Command("git", "check-ignore", "-q", index.DirName)
	cmd.Dir = inv.Root
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return inv.Warnf("%s is not ignored by git; add it to .gitignore", index.DirName)
		}
	}
	return nil
}
