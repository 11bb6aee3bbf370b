package linespec

import "sort"

// Range is a half-open line number interval [Start, End).
type Range struct {
	Start int
	End   int
}

// RangeSet holds a set of line numbers as disjoint half-open ranges.
// Inserting a range that overlaps or abuts an existing one merges them,
// so the ranges remain disjoint and ordered.
type RangeSet struct {
	ranges []Range
}

// Insert adds the half-open range [start, end) to the set.
func (s *RangeSet) Insert(start, end int) {
	if start >= end {
		return
	}
	merged := Range{Start: start, End: end}
	var kept []Range
	for _, r := range s.ranges {
		if unionable(merged, r) {
			if r.Start < merged.Start {
				merged.Start = r.Start
			}
			if r.End > merged.End {
				merged.End = r.End
			}
		} else {
			kept = append(kept, r)
		}
	}
	kept = append(kept, merged)
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	s.ranges = kept
}

// InsertLine adds a single line number to the set.
func (s *RangeSet) InsertLine(line int) {
	s.Insert(line, line+1)
}

// Contains reports whether line is in the set.
func (s *RangeSet) Contains(line int) bool {
	for _, r := range s.ranges {
		if line >= r.Start && line < r.End {
			return true
		}
	}
	return false
}

// Remove deletes a single line from the set, splitting the range that held
// it if necessary. It reports whether the line was present.
func (s *RangeSet) Remove(line int) bool {
	for i, r := range s.ranges {
		if line < r.Start || line >= r.End {
			continue
		}
		rest := append([]Range{}, s.ranges[:i]...)
		rest = append(rest, s.ranges[i+1:]...)
		if r.Start < line {
			rest = append(rest, Range{Start: r.Start, End: line})
		}
		if line+1 < r.End {
			rest = append(rest, Range{Start: line + 1, End: r.End})
		}
		sort.Slice(rest, func(i, j int) bool { return rest[i].Start < rest[j].Start })
		s.ranges = rest
		return true
	}
	return false
}

// Empty reports whether the set contains no lines.
func (s *RangeSet) Empty() bool {
	return len(s.ranges) == 0
}

// Ranges returns the disjoint ranges in ascending order.
func (s *RangeSet) Ranges() []Range {
	out := make([]Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// Lines returns every line in the set in ascending order.
func (s *RangeSet) Lines() []int {
	var lines []int
	for _, r := range s.ranges {
		for line := r.Start; line < r.End; line++ {
			lines = append(lines, line)
		}
	}
	return lines
}

// unionable reports whether two half-open ranges overlap or abut.
func unionable(x, y Range) bool {
	if x.Start <= y.Start {
		return x.End >= y.Start
	}
	return y.End >= x.Start
}
