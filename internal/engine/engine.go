package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/linetest/linetest/internal/digest"
	"github.com/linetest/linetest/internal/exclude"
	"github.com/linetest/linetest/internal/harness"
	"github.com/linetest/linetest/internal/index"
)

// fileCoverage is the in-memory merge of per-test profiles: for each
// project-relative path, line number to the ids of tests that covered it.
type fileCoverage map[string]map[int][]string

// Build runs the whole suite under instrumentation and writes a fresh index,
// replacing any existing one atomically. With missingOnly, tests already
// present in the index keep their records and only absent ones are collected.
func (inv *Invocation) Build(ctx context.Context, missingOnly bool) error {
	if err := inv.warnIfIndexNotIgnored(); err != nil {
		return err
	}

	modulePath, err := inv.Runner.ModulePath(ctx)
	if err != nil {
		return err
	}

	tests, err := inv.Runner.DiscoverTests(ctx)
	if err != nil {
		return err
	}
	inv.Verbosef("discovered %d tests", len(tests))

	stagingPath := inv.IndexPath + ".staging"
	var staging *index.Store
	toCollect := tests
	if missingOnly {
		staging, err = index.CopyToStaging(inv.IndexPath, stagingPath)
		switch {
		case errors.Is(err, index.ErrMissing):
			// Nothing to extend; fall through to a full build.
			staging = nil
		case err != nil:
			return err
		default:
			known, err := staging.Tests()
			if err != nil {
				staging.Discard()
				return err
			}
			toCollect = missingTests(tests, known)
			inv.Verbosef("%d tests missing from the index", len(toCollect))
		}
	}
	if staging == nil {
		staging, err = index.CreateStaging(stagingPath)
		if err != nil {
			return err
		}
	}

	records := make([]index.TestRecord, len(tests))
	for i, test := range tests {
		records[i] = index.TestRecord{ID: test.ID(), Pkg: test.Pkg, Name: test.Name}
	}
	if err := staging.InsertTests(records); err != nil {
		staging.Discard()
		return err
	}

	inv.Runner.Progress = harness.NewProgress(os.Stderr, len(toCollect))
	results, err := inv.Runner.Collect(ctx, toCollect)
	if err != nil {
		// An interrupted or failed build keeps the prior index untouched.
		staging.Discard()
		return err
	}
	if inv.Runner.DryRun {
		return staging.Discard()
	}

	coverage := mergeProfiles(results, modulePath)
	matcher, err := exclude.NewMatcher(inv.Config.Scan.Exclude)
	if err != nil {
		staging.Discard()
		return err
	}

	write := staging.ReplaceFile
	if missingOnly {
		write = staging.MergeFile
	}
	for _, path := range sortedPaths(coverage) {
		if matcher.Match(path) {
			continue
		}
		rec, err := inv.snapshotFile(path)
		if err != nil {
			staging.Discard()
			return err
		}
		if err := write(rec, coverage[path]); err != nil {
			staging.Discard()
			return err
		}
	}

	if err := staging.SetBuiltAt(time.Now()); err != nil {
		staging.Discard()
		return err
	}
	return staging.Promote(inv.IndexPath)
}

// Refresh re-collects coverage for exactly the files whose content drifted
// since they were indexed. Unchanged files are left untouched; with zero
// drift the index is not rewritten at all.
func (inv *Invocation) Refresh(ctx context.Context) error {
	if err := inv.warnIfIndexNotIgnored(); err != nil {
		return err
	}

	live, err := index.Open(inv.IndexPath)
	if err != nil {
		return err
	}
	files, err := live.Files()
	if err != nil {
		live.Close()
		return err
	}
	live.Close()

	var changed []index.FileRecord
	var removed []string
	current := make(map[string]index.FileRecord)
	for _, rec := range files {
		hash, lineCount, err := digest.HashFile(filepath.Join(inv.Root, filepath.FromSlash(rec.Path)))
		if err != nil {
			if os.IsNotExist(err) {
				removed = append(removed, rec.Path)
				continue
			}
			return fmt.Errorf("hashing %s: %w", rec.Path, err)
		}
		if hash == rec.Hash {
			continue
		}
		changed = append(changed, rec)
		current[rec.Path] = index.FileRecord{Path: rec.Path, Hash: hash, LineCount: lineCount}
	}

	if len(changed) == 0 && len(removed) == 0 {
		inv.Verbosef("index is up to date")
		return nil
	}
	inv.Verbosef("%d files changed, %d removed", len(changed), len(removed))

	modulePath, err := inv.Runner.ModulePath(ctx)
	if err != nil {
		return err
	}

	staging, err := index.CopyToStaging(inv.IndexPath, inv.IndexPath+".staging")
	if err != nil {
		return err
	}

	for _, path := range removed {
		if err := staging.DeleteFile(path); err != nil {
			staging.Discard()
			return err
		}
	}

	// The re-collection set per changed file is the tests that previously
	// covered any of its lines. Collect their union once.
	perFile := make(map[string][]string, len(changed))
	var toCollect []harness.Test
	seen := make(map[string]bool)
	for _, rec := range changed {
		ids, err := staging.TestsForFile(rec.Path)
		if err != nil {
			staging.Discard()
			return err
		}
		perFile[rec.Path] = ids
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			test, err := harness.ParseTestID(id)
			if err != nil {
				staging.Discard()
				return err
			}
			toCollect = append(toCollect, test)
		}
	}
	sort.Slice(toCollect, func(i, j int) bool { return toCollect[i].ID() < toCollect[j].ID() })

	inv.Runner.Progress = harness.NewProgress(os.Stderr, len(toCollect))
	results, collectErr := inv.Runner.Collect(ctx, toCollect)
	if inv.Runner.DryRun {
		return staging.Discard()
	}
	if collectErr != nil && !errors.Is(collectErr, context.Canceled) {
		staging.Discard()
		return collectErr
	}

	// On cancellation, only files whose whole re-collection set completed
	// cleanly are replaced; the rest keep their prior records. The staging
	// copy with the completed units is still promoted.
	completed := make(map[string]bool, len(results))
	for _, res := range results {
		completed[res.Test.ID()] = true
	}
	coverage := mergeProfiles(results, modulePath)

	for _, rec := range changed {
		if !allCompleted(perFile[rec.Path], completed) {
			continue
		}
		unit := index.FileRecord{
			Path:      rec.Path,
			Hash:      current[rec.Path].Hash,
			LineCount: current[rec.Path].LineCount,
		}
		if err := staging.ReplaceFile(unit, coverage[rec.Path]); err != nil {
			staging.Discard()
			return err
		}
	}

	// Fresh coverage can name files with no prior record, typically after a
	// refactor moves code into a new file. Record them so queries over the new
	// file work without a full rebuild. Skipped on cancellation, where their
	// covering set may be incomplete.
	if collectErr == nil {
		known := make(map[string]bool, len(files))
		for _, rec := range files {
			known[rec.Path] = true
		}
		matcher, err := exclude.NewMatcher(inv.Config.Scan.Exclude)
		if err != nil {
			staging.Discard()
			return err
		}
		for _, path := range sortedPaths(coverage) {
			if known[path] || matcher.Match(path) {
				continue
			}
			rec, err := inv.snapshotFile(path)
			if err != nil {
				staging.Discard()
				return err
			}
			if err := staging.ReplaceFile(rec, coverage[path]); err != nil {
				staging.Discard()
				return err
			}
		}
	}

	if err := staging.Promote(inv.IndexPath); err != nil {
		return err
	}
	return collectErr
}

// snapshotFile hashes one project file for its index record.
func (inv *Invocation) snapshotFile(relPath string) (index.FileRecord, error) {
	hash, lineCount, err := digest.HashFile(filepath.Join(inv.Root, filepath.FromSlash(relPath)))
	if err != nil {
		return index.FileRecord{}, fmt.Errorf("hashing %s: %w", relPath, err)
	}
	return index.FileRecord{Path: relPath, Hash: hash, LineCount: lineCount}, nil
}

// mergeProfiles flattens per-test profiles into per-file line coverage.
// Only lines a test actually hit contribute; zero-hit lines stay absent,
// which is how the index represents known-but-uncovered.
func mergeProfiles(results []harness.Result, modulePath string) fileCoverage {
	coverage := make(fileCoverage)
	for _, res := range results {
		res.Profile.Normalize(modulePath)
		for path, hits := range res.Profile.LineHits() {
			lines := coverage[path]
			if lines == nil {
				lines = make(map[int][]string)
				coverage[path] = lines
			}
			for line, covered := range hits {
				if covered {
					lines[line] = append(lines[line], res.Test.ID())
				}
			}
		}
	}
	return coverage
}

func sortedPaths(coverage fileCoverage) []string {
	paths := make([]string, 0, len(coverage))
	for path := range coverage {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func missingTests(all []harness.Test, known []index.TestRecord) []harness.Test {
	have := make(map[string]bool, len(known))
	for _, rec := range known {
		have[rec.ID] = true
	}
	var missing []harness.Test
	for _, test := range all {
		if !have[test.ID()] {
			missing = append(missing, test)
		}
	}
	return missing
}

func allCompleted(ids []string, completed map[string]bool) bool {
	for _, id := range ids {
		if !completed[id] {
			return false
		}
	}
	return true
}
