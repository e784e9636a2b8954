package cte

import (
	"sort"
	"unicode/utf16"
)

// Position is a zero-based line and character pair. Character counts UTF-16
// code units, the unit editors use for columns.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a start/end pair of positions.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// LineIndex converts byte offsets of one text into positions.
type LineIndex struct {
	text       string
	lineStarts []int
}

// NewLineIndex builds the line table for text.
func NewLineIndex(text string) *LineIndex {
	starts := []int{0}
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return &LineIndex{text: text, lineStarts: starts}
}

// Position returns the position of offset. Offsets outside the text are
// clamped to its bounds.
func (li *LineIndex) Position(offset int) Position {
	if offset < 0 {
		offset = 0
	}
	if offset > len(li.text) {
		offset = len(li.text)
	}
	line := sort.Search(len(li.lineStarts), func(i int) bool {
		return li.lineStarts[i] > offset
	}) - 1

	char := 0
	for _, r := range li.text[li.lineStarts[line]:offset] {
		char += utf16.RuneLen(r)
	}
	return Position{Line: line, Character: char}
}

// Range converts a span into a range.
func (li *LineIndex) Range(s Span) Range {
	return Range{Start: li.Position(s.Start), End: li.Position(s.End)}
}

// Located is a descriptor with its spans converted to ranges.
type Located struct {
	Descriptor
	NameRange Range `json:"name_range"`
	BodyRange Range `json:"body_range"`
}

// Locate converts the spans of d into ranges.
func (li *LineIndex) Locate(d Descriptor) Located {
	return Located{
		Descriptor: d,
		NameRange:  li.Range(d.NameSpan),
		BodyRange:  li.Range(d.BodySpan),
	}
}

// LocateAll converts every descriptor in ds.
func (li *LineIndex) LocateAll(ds []Descriptor) []Located {
	out := make([]Located, 0, len(ds))
	for _, d := range ds {
		out = append(out, li.Locate(d))
	}
	return out
}
