// Package diffparse parses unified-diff text into per-file hunks with
// per-line classification. The parser follows a strict grammar: hunk bodies
// must account for exactly the line counts declared in their headers, and
// unrecognized text inside a file section is an error. Binary-file diffs and
// rename-only sections produce a FilePatch with zero hunks.
package diffparse

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/linetest/linetest/internal/linespec"
)

// LineKind classifies one line of a hunk body.
type LineKind int

const (
	// Context lines exist on both sides of the diff.
	Context LineKind = iota
	// Added lines exist only on the new side.
	Added
	// Removed lines exist only on the old side.
	Removed
)

// Line is one classified line of a hunk body. OldNum and NewNum are 1-based
// line numbers on their respective sides; an Added line has OldNum 0 and a
// Removed line has NewNum 0.
type Line struct {
	Kind   LineKind
	OldNum int
	NewNum int
	Text   string
}

// Hunk is one contiguous changed region.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []Line
}

// FilePatch holds the hunks for one file in the diff. Paths are recorded
// with their "a/"/"b/" prefixes stripped; a pure addition has OldPath
// "/dev/null" and a pure deletion has NewPath "/dev/null".
type FilePatch struct {
	OldPath string
	NewPath string
	Binary  bool
	Hunks   []Hunk
}

// ParseError describes malformed diff text.
type ParseError struct {
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed diff at line %d: %s", e.Line, e.Message)
}

// parser walks the diff text line by line with a one-line pushback buffer.
type parser struct {
	scanner    *bufio.Scanner
	lineNum    int
	line       string
	eof        bool
	pushedBack bool
}

func (p *parser) next() bool {
	if p.pushedBack {
		p.pushedBack = false
		return true
	}
	if p.eof {
		return false
	}
	if !p.scanner.Scan() {
		p.eof = true
		return false
	}
	p.lineNum++
	p.line = p.scanner.Text()
	return true
}

// pushBack arranges for the current line to be re-delivered by next.
func (p *parser) pushBack() {
	p.pushedBack = true
}

func (p *parser) errorf(format string, args ...any) error {
	return &ParseError{Line: p.lineNum, Message: fmt.Sprintf(format, args...)}
}

// Parse parses unified-diff text into an ordered sequence of file patches.
func Parse(r io.Reader) ([]FilePatch, error) {
	p := &parser{scanner: bufio.NewScanner(r)}
	p.scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var patches []FilePatch
	inPreamble := true
	for p.next() {
		switch {
		case strings.HasPrefix(p.line, "diff "):
			patch, err := p.parseFileSection()
			if err != nil {
				return nil, err
			}
			patches = append(patches, patch)
			inPreamble = false
		case strings.HasPrefix(p.line, "--- "):
			patch, err := p.parseFileBody(strings.TrimPrefix(p.line, "--- "))
			if err != nil {
				return nil, err
			}
			patches = append(patches, patch)
			inPreamble = false
		case inPreamble:
			// Text before the first file section (commit message, diffstat)
			// is not part of the diff grammar and is skipped.
		default:
			return nil, p.errorf("unexpected text between file sections: %q", p.line)
		}
	}
	if err := p.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read diff: %w", err)
	}
	return patches, nil
}

// parseFileSection parses from a "diff ..." header through the end of the
// file's hunks. The current line is the diff header.
func (p *parser) parseFileSection() (FilePatch, error) {
	patch := FilePatch{}
	oldPath, newPath := parseDiffGitPaths(p.line)

	for p.next() {
		switch {
		case strings.HasPrefix(p.line, "--- "):
			return p.parseFileBody(strings.TrimPrefix(p.line, "--- "))
		case strings.HasPrefix(p.line, "Binary files ") && strings.HasSuffix(p.line, " differ"),
			strings.HasPrefix(p.line, "GIT binary patch"):
			patch.OldPath = oldPath
			patch.NewPath = newPath
			patch.Binary = true
			p.skipBinaryBody()
			return patch, nil
		case isExtendedHeader(p.line):
			// index, mode, similarity, rename and copy lines carry no hunks.
		case strings.HasPrefix(p.line, "diff "):
			// Next file began without hunks: rename- or mode-only section.
			patch.OldPath = oldPath
			patch.NewPath = newPath
			p.pushBack()
			return patch, nil
		default:
			return FilePatch{}, p.errorf("unexpected text in file header: %q", p.line)
		}
	}

	// EOF directly after the headers: a section with no line changes.
	patch.OldPath = oldPath
	patch.NewPath = newPath
	return patch, nil
}

// parseFileBody parses the "---"/"+++" pair and following hunks. oldRaw is
// the text after "--- ".
func (p *parser) parseFileBody(oldRaw string) (FilePatch, error) {
	patch := FilePatch{OldPath: stripPathPrefix(oldRaw, "a/")}

	if !p.next() || !strings.HasPrefix(p.line, "+++ ") {
		return FilePatch{}, p.errorf("expected '+++' after '---'")
	}
	patch.NewPath = stripPathPrefix(strings.TrimPrefix(p.line, "+++ "), "b/")

	for p.next() {
		switch {
		case strings.HasPrefix(p.line, "@@"):
			hunk, err := p.parseHunk()
			if err != nil {
				return FilePatch{}, err
			}
			patch.Hunks = append(patch.Hunks, hunk)
		case strings.HasPrefix(p.line, "diff "), strings.HasPrefix(p.line, "--- "):
			p.pushBack()
			return patch, nil
		default:
			return FilePatch{}, p.errorf("expected hunk header, got %q", p.line)
		}
	}
	return patch, nil
}

// parseHunk parses one hunk. The current line is the "@@" header.
func (p *parser) parseHunk() (Hunk, error) {
	hunk, err := parseHunkHeader(p.line)
	if err != nil {
		return Hunk{}, p.errorf("%v", err)
	}

	oldRemaining := hunk.OldCount
	newRemaining := hunk.NewCount
	oldNum := hunk.OldStart
	newNum := hunk.NewStart

	for oldRemaining > 0 || newRemaining > 0 {
		if !p.next() {
			return Hunk{}, p.errorf("truncated hunk: %d old and %d new lines missing", oldRemaining, newRemaining)
		}
		if strings.HasPrefix(p.line, `\`) {
			// "\ No newline at end of file" does not count toward either side.
			continue
		}
		if p.line == "" {
			// Some tools emit context lines with the leading space trimmed.
			p.line = " "
		}
		marker, text := p.line[0], p.line[1:]
		switch marker {
		case ' ':
			if oldRemaining <= 0 || newRemaining <= 0 {
				return Hunk{}, p.errorf("context line overflows hunk counts")
			}
			hunk.Lines = append(hunk.Lines, Line{Kind: Context, OldNum: oldNum, NewNum: newNum, Text: text})
			oldNum++
			newNum++
			oldRemaining--
			newRemaining--
		case '-':
			if oldRemaining <= 0 {
				return Hunk{}, p.errorf("removed line overflows old-side count")
			}
			hunk.Lines = append(hunk.Lines, Line{Kind: Removed, OldNum: oldNum, Text: text})
			oldNum++
			oldRemaining--
		case '+':
			if newRemaining <= 0 {
				return Hunk{}, p.errorf("added line overflows new-side count")
			}
			hunk.Lines = append(hunk.Lines, Line{Kind: Added, NewNum: newNum, Text: text})
			newNum++
			newRemaining--
		default:
			return Hunk{}, p.errorf("unexpected line in hunk body: %q", p.line)
		}
	}
	return hunk, nil
}

// skipBinaryBody consumes the delta lines of a GIT binary patch, which end
// at the next blank line or file section.
func (p *parser) skipBinaryBody() {
	for p.next() {
		if p.line == "" {
			return
		}
		if strings.HasPrefix(p.line, "diff ") || strings.HasPrefix(p.line, "--- ") {
			p.pushBack()
			return
		}
	}
}

// parseHunkHeader parses "@@ -oldStart[,oldCount] +newStart[,newCount] @@".
func parseHunkHeader(line string) (Hunk, error) {
	rest, ok := strings.CutPrefix(line, "@@ ")
	if !ok {
		return Hunk{}, fmt.Errorf("invalid hunk header: %q", line)
	}
	ranges, _, ok := strings.Cut(rest, " @@")
	if !ok {
		return Hunk{}, fmt.Errorf("invalid hunk header: missing closing '@@': %q", line)
	}
	oldPart, newPart, ok := strings.Cut(ranges, " ")
	if !ok || !strings.HasPrefix(oldPart, "-") || !strings.HasPrefix(newPart, "+") {
		return Hunk{}, fmt.Errorf("invalid hunk ranges: %q", ranges)
	}

	hunk := Hunk{}
	var err error
	if hunk.OldStart, hunk.OldCount, err = parseRange(oldPart[1:]); err != nil {
		return Hunk{}, fmt.Errorf("invalid old range %q: %w", oldPart, err)
	}
	if hunk.NewStart, hunk.NewCount, err = parseRange(newPart[1:]); err != nil {
		return Hunk{}, fmt.Errorf("invalid new range %q: %w", newPart, err)
	}
	return hunk, nil
}

// parseRange parses "start[,count]"; a missing count means 1.
func parseRange(s string) (start, count int, err error) {
	startStr, countStr, found := strings.Cut(s, ",")
	if start, err = strconv.Atoi(startStr); err != nil {
		return 0, 0, err
	}
	count = 1
	if found {
		if count, err = strconv.Atoi(countStr); err != nil {
			return 0, 0, err
		}
	}
	if start < 0 || count < 0 {
		return 0, 0, fmt.Errorf("negative range")
	}
	return start, count, nil
}

// isExtendedHeader reports whether line is a git extended header that may
// appear between "diff --git" and the "---" marker.
func isExtendedHeader(line string) bool {
	for _, prefix := range []string{
		"index ",
		"mode ",
		"old mode ",
		"new mode ",
		"new file mode ",
		"deleted file mode ",
		"similarity index ",
		"dissimilarity index ",
		"rename from ",
		"rename to ",
		"copy from ",
		"copy to ",
	} {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

// parseDiffGitPaths extracts best-effort old/new paths from a
// "diff --git a/x b/x" header. Sections that reach a "---" marker get their
// authoritative paths from there instead.
func parseDiffGitPaths(header string) (oldPath, newPath string) {
	fields := strings.Fields(header)
	if len(fields) >= 4 && fields[0] == "diff" && fields[1] == "--git" {
		return stripPathPrefix(fields[2], "a/"), stripPathPrefix(fields[3], "b/")
	}
	return "", ""
}

// stripPathPrefix drops the diff path prefix and any trailing metadata
// (git appends a tab plus timestamp in some diff flavors).
func stripPathPrefix(raw, prefix string) string {
	if tab := strings.IndexByte(raw, '\t'); tab != -1 {
		raw = raw[:tab]
	}
	raw = strings.TrimSpace(raw)
	if raw == "/dev/null" {
		return raw
	}
	return strings.TrimPrefix(raw, prefix)
}

// OldSideLines applies the old-side line selection policy: for every hunk
// with a nonempty old range, the removed and context lines contribute their
// old-side numbers under the file's old path. Added lines have no old-side
// number and contribute nothing; hunks in files whose old side is /dev/null
// are pure additions and are skipped entirely.
func OldSideLines(patches []FilePatch) linespec.PathLines {
	result := make(linespec.PathLines)
	for _, patch := range patches {
		if patch.Binary || patch.OldPath == "/dev/null" {
			continue
		}
		for _, hunk := range patch.Hunks {
			if hunk.OldCount == 0 {
				continue
			}
			set, ok := result[patch.OldPath]
			if !ok {
				set = &linespec.RangeSet{}
				result[patch.OldPath] = set
			}
			for _, line := range hunk.Lines {
				if line.Kind == Added {
					continue
				}
				set.InsertLine(line.OldNum)
			}
		}
	}
	return result
}
