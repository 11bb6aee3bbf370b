package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/linetest/linetest/internal/diffparse"
	"github.com/linetest/linetest/internal/digest"
	"github.com/linetest/linetest/internal/harness"
	"github.com/linetest/linetest/internal/index"
	"github.com/linetest/linetest/internal/linespec"
)

// QueryLines resolves line specifications against the index and returns the
// union of covering test ids, sorted. The single spec "-" reads one spec per
// line from stdin. Nonexistent paths are an error; a spec against a file the
// index cannot answer for fails with LineOutOfRangeError.
func (inv *Invocation) QueryLines(specs []string, stdin io.Reader) ([]string, error) {
	var queries linespec.PathLines
	var err error
	if len(specs) == 1 && specs[0] == "-" {
		queries, err = linespec.Read(stdin)
	} else {
		queries, err = linespec.ParseAll(specs)
	}
	if err != nil {
		return nil, err
	}

	if err := inv.validatePaths(queries.Paths()); err != nil {
		return nil, err
	}

	store, err := index.Open(inv.IndexPath)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	union := make(map[string]bool)
	var uncovered []string
	for _, path := range queries.Paths() {
		rec, err := inv.usableRecord(store, path)
		if err != nil {
			return nil, err
		}
		for _, line := range queries[path].Lines() {
			if line > rec.LineCount {
				return nil, &LineOutOfRangeError{Path: path, Line: line, LineCount: rec.LineCount}
			}
			ids, err := store.QueryLine(path, line)
			if err != nil {
				return nil, err
			}
			if len(ids) == 0 {
				uncovered = append(uncovered, fmt.Sprintf("%s:%d", path, line))
			}
			for _, id := range ids {
				union[id] = true
			}
		}
	}

	if len(uncovered) > 0 {
		if err := inv.Warnf("no test covers %s", strings.Join(uncovered, ", ")); err != nil {
			return nil, err
		}
	}

	return sortedIDs(union), nil
}

// QueryDiff reads a unified diff and returns the union of tests covering the
// old-side line numbers of its removed and context lines. Files the index
// cannot answer for are skipped with a warning, so a diff touching generated
// or untracked files still yields a useful selection.
func (inv *Invocation) QueryDiff(r io.Reader) ([]string, error) {
	patches, err := diffparse.Parse(r)
	if err != nil {
		return nil, err
	}
	queries := diffparse.OldSideLines(patches)

	store, err := index.Open(inv.IndexPath)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	union := make(map[string]bool)
	for _, path := range queries.Paths() {
		rec, err := inv.usableRecord(store, path)
		if err != nil {
			var oor *LineOutOfRangeError
			if errors.As(err, &oor) {
				if werr := inv.Warnf("skipping %s: %v", path, err); werr != nil {
					return nil, werr
				}
				continue
			}
			return nil, err
		}
		for _, line := range queries[path].Lines() {
			if line > rec.LineCount {
				return nil, &LineOutOfRangeError{Path: path, Line: line, LineCount: rec.LineCount}
			}
			ids, err := store.QueryLine(path, line)
			if err != nil {
				return nil, err
			}
			for _, id := range ids {
				union[id] = true
			}
		}
	}

	return sortedIDs(union), nil
}

// ZeroCoverage returns the tests with no recorded line entries at all.
func (inv *Invocation) ZeroCoverage() ([]string, error) {
	store, err := index.Open(inv.IndexPath)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.TestsWithoutCoverage()
}

// RunSelected executes the selected tests without instrumentation.
func (inv *Invocation) RunSelected(ctx context.Context, ids []string) error {
	tests := make([]harness.Test, 0, len(ids))
	for _, id := range ids {
		test, err := harness.ParseTestID(id)
		if err != nil {
			return err
		}
		tests = append(tests, test)
	}
	return inv.Runner.RunTests(ctx, tests)
}

// usableRecord returns path's record if it is present and fresh. A missing
// record or drifted hash means the index cannot answer for this file.
func (inv *Invocation) usableRecord(store *index.Store, path string) (*index.FileRecord, error) {
	rec, err := store.File(path)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &LineOutOfRangeError{Path: path}
	}
	hash, _, err := digest.HashFile(filepath.Join(inv.Root, filepath.FromSlash(path)))
	if err != nil {
		// A file gone from disk, as after a deletion in the working tree, is
		// the same situation as drifted content: the index cannot answer.
		if errors.Is(err, os.ErrNotExist) {
			return nil, &LineOutOfRangeError{Path: path, LineCount: rec.LineCount, Stale: true}
		}
		return nil, fmt.Errorf("hashing %s: %w", path, err)
	}
	if hash != rec.Hash {
		return nil, &LineOutOfRangeError{Path: path, LineCount: rec.LineCount, Stale: true}
	}
	return rec, nil
}

// validatePaths rejects specs naming files that do not exist on disk.
func (inv *Invocation) validatePaths(paths []string) error {
	for _, path := range paths {
		info, err := os.Stat(filepath.Join(inv.Root, filepath.FromSlash(path)))
		if err != nil || info.IsDir() {
			return &PathError{Path: path}
		}
	}
	return nil
}

func sortedIDs(set map[string]bool) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
