package cte

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineIndex_Position(t *testing.T) {
	li := NewLineIndex("ab\ncd")

	tests := []struct {
		offset int
		want   Position
	}{
		{0, Position{0, 0}},
		{2, Position{0, 2}},
		{3, Position{1, 0}},
		{4, Position{1, 1}},
		{5, Position{1, 2}},
		{-1, Position{0, 0}},
		{99, Position{1, 2}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, li.Position(tt.offset), "offset %d", tt.offset)
	}
}

func TestLineIndex_UTF16Columns(t *testing.T) {
	// é is one UTF-16 unit, the emoji is a surrogate pair.
	text := "é😀x"
	li := NewLineIndex(text)
	assert.Equal(t, Position{0, 1}, li.Position(len("é")))
	assert.Equal(t, Position{0, 3}, li.Position(len("é😀")))
	assert.Equal(t, Position{0, 4}, li.Position(len(text)))
}

func TestLineIndex_EmptyAndTrailingNewline(t *testing.T) {
	assert.Equal(t, Position{0, 0}, NewLineIndex("").Position(0))
	assert.Equal(t, Position{1, 0}, NewLineIndex("a\n").Position(2))
}

func TestLineIndex_Locate(t *testing.T) {
	text := "WITH a AS (\n  SELECT 1\n)\nSELECT * FROM a"
	ds := Scan(text)
	require.Len(t, ds, 1)

	loc := NewLineIndex(text).Locate(ds[0])
	assert.Equal(t, Range{Start: Position{0, 5}, End: Position{0, 6}}, loc.NameRange)
	assert.Equal(t, Range{Start: Position{0, 11}, End: Position{2, 0}}, loc.BodyRange)
	assert.Equal(t, "a", loc.Name)
}

func TestLineIndex_LocateAllJSON(t *testing.T) {
	text := "WITH a AS (SELECT 1),\nb AS (SELECT 2) SELECT 1"
	locs := NewLineIndex(text).LocateAll(Scan(text))
	require.Len(t, locs, 2)
	assert.Equal(t, 1, locs[1].NameRange.Start.Line)

	raw, err := json.Marshal(locs[1])
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "b", got["name"])
	assert.Contains(t, got, "name_range")
	assert.Contains(t, got, "body_span")
	assert.NotContains(t, got, "columns")
}
