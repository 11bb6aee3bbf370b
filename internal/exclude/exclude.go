// Package exclude decides which source files are left out of the index.
package exclude

import (
	"fmt"
	"regexp"
	"strings"
)

// Matcher matches project-relative paths against exclude glob patterns.
// Patterns use forward slashes; `*` and `?` match within one path segment,
// `**` matches across segments.
type Matcher struct {
	patterns []*regexp.Regexp
}

// NewMatcher compiles the given patterns. An invalid pattern is an error.
func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, pattern := range patterns {
		re, err := compilePattern(pattern)
		if err != nil {
			return nil, fmt.Errorf("exclude pattern %q: %w", pattern, err)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// Match reports whether relPath is excluded. Paths are matched with forward
// slashes regardless of the host separator.
func (m *Matcher) Match(relPath string) bool {
	relPath = strings.ReplaceAll(relPath, "\\", "/")
	for _, re := range m.patterns {
		if re.MatchString(relPath) {
			return true
		}
	}
	return false
}

// compilePattern translates one glob pattern into an anchored regexp.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")

	i := 0
	for i < len(pattern) {
		switch {
		case strings.HasPrefix(pattern[i:], "**/"):
			// Zero or more whole segments.
			b.WriteString("([^/]+/)*")
			i += 3
		case strings.HasPrefix(pattern[i:], "**"):
			b.WriteString(".*")
			i += 2
		case pattern[i] == '*':
			b.WriteString("[^/]*")
			i++
		case pattern[i] == '?':
			b.WriteString("[^/]")
			i++
		default:
			b.WriteString(regexp.QuoteMeta(string(pattern[i])))
			i++
		}
	}

	b.WriteString("$")
	return regexp.Compile(b.String())
}
