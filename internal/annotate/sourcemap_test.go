package annotate

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeMap(t *testing.T, raw []byte) sourceMap {
	t.Helper()
	var m sourceMap
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestInsertionSourceMapShape(t *testing.T) {
	a := newTestAnnotator(true)
	src := `export default function Show() {
  return <div className="page" />;
}
`
	res := a.Annotate("pages/Show.tsx", src)
	require.True(t, res.Changed)
	require.NotNil(t, res.Map)

	m := decodeMap(t, res.Map)
	assert.Equal(t, 3, m.Version)
	assert.Equal(t, "pages/Show.tsx", m.File)
	assert.Equal(t, []string{"pages/Show.tsx"}, m.Sources)
	require.Len(t, m.SourcesContent, 1)
	assert.Equal(t, src, m.SourcesContent[0])
	assert.NotEmpty(t, m.Mappings)

	// One mappings group per output line
	outputLines := strings.Count(res.Code, "\n") + 1
	assert.Len(t, strings.Split(m.Mappings, ";"), outputLines)
}

func TestInsertionSourceMapSegments(t *testing.T) {
	original := "line one\nline <div>\nline three"
	offset := strings.Index(original, "<div") + len("<div")
	raw := insertionSourceMap("a.tsx", original, offset, len(` data-nb-component="a.tsx"`))
	m := decodeMap(t, raw)

	groups := strings.Split(m.Mappings, ";")
	require.Len(t, groups, 3)
	// Only the insertion line carries the extra segment
	assert.NotContains(t, groups[0], ",")
	assert.Contains(t, groups[1], ",")
	assert.NotContains(t, groups[2], ",")
}

func TestWriteVLQ(t *testing.T) {
	tests := []struct {
		value    int
		expected string
	}{
		{0, "A"},
		{1, "C"},
		{-1, "D"},
		{16, "gB"},
		{123, "2H"},
	}

	for _, tt := range tests {
		var b strings.Builder
		writeVLQ(&b, tt.value)
		assert.Equal(t, tt.expected, b.String(), "value %d", tt.value)
	}
}

func TestUTF16Len(t *testing.T) {
	assert.Equal(t, 5, utf16Len("hello"))
	// Astral plane characters count as two code units
	assert.Equal(t, 2, utf16Len("😀"))
	assert.Equal(t, 1, utf16Len("é"))
}
