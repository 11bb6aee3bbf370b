// Package linespec parses line specifications of the form
//
//	<SPEC>:  <PATH> ':' <GROUP>
//	<GROUP>: <LINES> (',' <LINES>)*
//	<LINES>: <N> ('-' <N>)?
//
// for example "internal/engine/engine.go:95-97,102". Specs for the same
// path accumulate into one RangeSet per path.
package linespec

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// PathLines maps a project-relative path to the set of queried lines.
type PathLines map[string]*RangeSet

// Merge folds other into m.
func (m PathLines) Merge(other PathLines) {
	for path, set := range other {
		dst, ok := m[path]
		if !ok {
			m[path] = set
			continue
		}
		for _, r := range set.Ranges() {
			dst.Insert(r.Start, r.End)
		}
	}
}

// Paths returns the paths in sorted order.
func (m PathLines) Paths() []string {
	paths := make([]string, 0, len(m))
	for path := range m {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Parse parses a single line specification.
func Parse(spec string) (path string, set *RangeSet, err error) {
	idx := strings.LastIndex(spec, ":")
	if idx == -1 {
		return "", nil, fmt.Errorf("line specification does not contain `:`: %s", spec)
	}
	path = spec[:idx]
	group := spec[idx+1:]
	if path == "" {
		return "", nil, fmt.Errorf("line specification has empty path: %s", spec)
	}

	set = &RangeSet{}
	for _, lines := range strings.Split(group, ",") {
		start, end, err := parseLines(lines)
		if err != nil {
			return "", nil, fmt.Errorf("line specification %q: %w", spec, err)
		}
		set.Insert(start, end)
	}
	return path, set, nil
}

// ParseAll parses several specs into a PathLines map.
func ParseAll(specs []string) (PathLines, error) {
	result := make(PathLines)
	for _, spec := range specs {
		path, set, err := Parse(spec)
		if err != nil {
			return nil, err
		}
		one := PathLines{path: set}
		result.Merge(one)
	}
	return result, nil
}

// Read parses one spec per line from r, as used by `linetest line -`.
func Read(r io.Reader) (PathLines, error) {
	result := make(PathLines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		path, set, err := Parse(line)
		if err != nil {
			return nil, err
		}
		result.Merge(PathLines{path: set})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read line specifications: %w", err)
	}
	return result, nil
}

// parseLines parses "<N>" or "<N>-<M>" into a half-open range.
func parseLines(lines string) (start, end int, err error) {
	if first, second, found := strings.Cut(lines, "-"); found {
		start, err = parseLineNumber(first)
		if err != nil {
			return 0, 0, err
		}
		last, err := parseLineNumber(second)
		if err != nil {
			return 0, 0, err
		}
		if last < start {
			return 0, 0, fmt.Errorf("range end %d before start %d", last, start)
		}
		return start, last + 1, nil
	}
	start, err = parseLineNumber(lines)
	if err != nil {
		return 0, 0, err
	}
	return start, start + 1, nil
}

func parseLineNumber(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid line number %q", s)
	}
	if n < 1 {
		return 0, fmt.Errorf("line number must be positive: %d", n)
	}
	return n, nil
}
