// Package covprofile parses Go cover profiles into per-file line hit sets.
// The profile format is:
//
//	mode: set|count|atomic
//	path/to/file.go:startLine.startCol,endLine.endCol numStmt count
//	...
//
// Parsing is strict: any deviation from this grammar fails with a
// ParseError rather than being skipped, so a malformed report can never be
// partially merged into the index.
package covprofile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// ParseError describes a malformed cover profile.
type ParseError struct {
	File    string // profile file, if known
	Line    int    // 1-based line within the profile
	Message string
}

func (e *ParseError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("malformed cover profile %s:%d: %s", e.File, e.Line, e.Message)
	}
	return fmt.Sprintf("malformed cover profile line %d: %s", e.Line, e.Message)
}

// Block is a single coverage block from a profile.
type Block struct {
	FilePath  string
	StartLine int
	StartCol  int
	EndLine   int
	EndCol    int
	NumStmt   int
	Count     int
}

// Covered reports whether the block was executed at least once.
func (b *Block) Covered() bool {
	return b.Count > 0
}

// Profile is a parsed cover profile.
type Profile struct {
	Mode   string
	Blocks []Block
}

// ParseFile parses a cover profile from disk.
func ParseFile(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cover profile: %w", err)
	}
	defer f.Close()

	profile, err := Parse(f)
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			perr.File = path
		}
		return nil, err
	}
	return profile, nil
}

// Parse parses a cover profile from r.
func Parse(r io.Reader) (*Profile, error) {
	profile := &Profile{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNum := 0
	sawMode := false
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if !sawMode {
			mode, ok := strings.CutPrefix(line, "mode: ")
			if !ok {
				return nil, &ParseError{Line: lineNum, Message: "first line should be 'mode: <mode>'"}
			}
			switch mode {
			case "set", "count", "atomic":
			default:
				return nil, &ParseError{Line: lineNum, Message: fmt.Sprintf("unknown mode %q", mode)}
			}
			profile.Mode = mode
			sawMode = true
			continue
		}

		block, err := parseBlock(line)
		if err != nil {
			return nil, &ParseError{Line: lineNum, Message: err.Error()}
		}
		profile.Blocks = append(profile.Blocks, block)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read cover profile: %w", err)
	}
	if !sawMode {
		return nil, &ParseError{Line: lineNum, Message: "empty profile: missing mode line"}
	}
	return profile, nil
}

// parseBlock parses one "file:sl.sc,el.ec numStmt count" line.
func parseBlock(line string) (Block, error) {
	block := Block{}

	colonIdx := strings.LastIndex(line, ":")
	if colonIdx == -1 {
		return block, fmt.Errorf("missing colon separator")
	}
	block.FilePath = line[:colonIdx]
	if block.FilePath == "" {
		return block, fmt.Errorf("empty file path")
	}

	parts := strings.Fields(line[colonIdx+1:])
	if len(parts) != 3 {
		return block, fmt.Errorf("expected 3 fields after colon, got %d", len(parts))
	}

	startPos, endPos, found := strings.Cut(parts[0], ",")
	if !found {
		return block, fmt.Errorf("invalid position format: missing comma")
	}

	var err error
	if block.StartLine, block.StartCol, err = parsePosition(startPos); err != nil {
		return block, fmt.Errorf("invalid start position: %w", err)
	}
	if block.EndLine, block.EndCol, err = parsePosition(endPos); err != nil {
		return block, fmt.Errorf("invalid end position: %w", err)
	}
	if block.EndLine < block.StartLine {
		return block, fmt.Errorf("end line %d before start line %d", block.EndLine, block.StartLine)
	}

	if block.NumStmt, err = strconv.Atoi(parts[1]); err != nil {
		return block, fmt.Errorf("invalid statement count: %w", err)
	}
	if block.Count, err = strconv.Atoi(parts[2]); err != nil {
		return block, fmt.Errorf("invalid execution count: %w", err)
	}
	if block.NumStmt < 0 || block.Count < 0 {
		return block, fmt.Errorf("negative count")
	}
	return block, nil
}

func parsePosition(pos string) (line, col int, err error) {
	lineStr, colStr, found := strings.Cut(pos, ".")
	if !found {
		return 0, 0, fmt.Errorf("missing dot in %q", pos)
	}
	if line, err = strconv.Atoi(lineStr); err != nil {
		return 0, 0, err
	}
	if col, err = strconv.Atoi(colStr); err != nil {
		return 0, 0, err
	}
	if line < 1 {
		return 0, 0, fmt.Errorf("line number out of range: %d", line)
	}
	return line, col, nil
}

// LineHits flattens the profile into per-file line coverage. The result maps
// file path to line number to covered. A line inside any block with a
// positive count is covered; a line present only in zero-count blocks is
// known-but-uncovered and appears with value false.
func (p *Profile) LineHits() map[string]map[int]bool {
	hits := make(map[string]map[int]bool)
	for _, block := range p.Blocks {
		fileHits, ok := hits[block.FilePath]
		if !ok {
			fileHits = make(map[int]bool)
			hits[block.FilePath] = fileHits
		}
		for line := block.StartLine; line <= block.EndLine; line++ {
			fileHits[line] = fileHits[line] || block.Covered()
		}
	}
	return hits
}

// CoveredLines returns the sorted covered line numbers per file.
func (p *Profile) CoveredLines() map[string][]int {
	result := make(map[string][]int)
	for path, fileHits := range p.LineHits() {
		var lines []int
		for line, covered := range fileHits {
			if covered {
				lines = append(lines, line)
			}
		}
		sort.Ints(lines)
		if lines != nil {
			result[path] = lines
		}
	}
	return result
}

// Normalize rewrites module-qualified file paths ("example.com/mod/pkg/f.go")
// to project-relative ones ("pkg/f.go") in place. Paths outside modulePath
// are left untouched.
func (p *Profile) Normalize(modulePath string) {
	if modulePath == "" {
		return
	}
	prefix := modulePath + "/"
	for i := range p.Blocks {
		if rel, ok := strings.CutPrefix(p.Blocks[i].FilePath, prefix); ok {
			p.Blocks[i].FilePath = rel
		}
	}
}
