package engine

import "fmt"

// LineOutOfRangeError reports a line query that cannot be answered from the
// index: the line exceeds the file's recorded length, or the file has no
// usable record at all (never indexed, or stale because its content drifted
// since indexing).
type LineOutOfRangeError struct {
	Path string
	// Line is the queried line, or 0 when the whole file is unusable.
	Line int
	// LineCount is the recorded length, or 0 when the file has no record.
	LineCount int
	// Stale is set when a record exists but no longer matches the file.
	Stale bool
}

func (e *LineOutOfRangeError) Error() string {
	switch {
	case e.Stale:
		return fmt.Sprintf("%s has changed since it was indexed: run 'linetest refresh'", e.Path)
	case e.LineCount == 0:
		return fmt.Sprintf("%s is not in the index", e.Path)
	default:
		return fmt.Sprintf("%s:%d is out of range (file had %d lines when indexed)",
			e.Path, e.Line, e.LineCount)
	}
}

// PathError reports a queried path that does not exist on disk.
type PathError struct {
	Path string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("no such file: %s", e.Path)
}

// DeniedWarningError is what a warning becomes under --deny-warnings.
type DeniedWarningError struct {
	Message string
}

func (e *DeniedWarningError) Error() string {
	return "warning denied: " + e.Message
}
