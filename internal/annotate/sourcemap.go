package annotate

import (
	"encoding/json"
	"strings"
)

// sourceMap is a Source Map v3 document.
type sourceMap struct {
	Version        int      `json:"version"`
	File           string   `json:"file"`
	Sources        []string `json:"sources"`
	SourcesContent []string `json:"sourcesContent"`
	Names          []string `json:"names"`
	Mappings       string   `json:"mappings"`
}

// insertionSourceMap builds the map for a single insertion of length bytes at
// offset into original: identity mappings everywhere, plus one extra segment
// on the insertion line shifting the remainder back to its original column.
func insertionSourceMap(filePath, original string, offset, length int) []byte {
	insLine := strings.Count(original[:offset], "\n")
	lineStart := strings.LastIndexByte(original[:offset], '\n') + 1
	// Source map columns count UTF-16 code units
	insCol := utf16Len(original[lineStart:offset])

	lineCount := strings.Count(original, "\n") + 1

	var b strings.Builder
	prevSrcLine, prevSrcCol := 0, 0
	for line := 0; line < lineCount; line++ {
		if line > 0 {
			b.WriteByte(';')
		}

		// [generated column, source index, source line, source column]
		writeVLQ(&b, 0)
		writeVLQ(&b, 0)
		writeVLQ(&b, line-prevSrcLine)
		writeVLQ(&b, 0-prevSrcCol)
		prevSrcLine, prevSrcCol = line, 0

		if line == insLine {
			b.WriteByte(',')
			writeVLQ(&b, insCol+length)
			writeVLQ(&b, 0)
			writeVLQ(&b, 0)
			writeVLQ(&b, insCol-prevSrcCol)
			prevSrcCol = insCol
		}
	}

	m := sourceMap{
		Version:        3,
		File:           filePath,
		Sources:        []string{filePath},
		SourcesContent: []string{original},
		Names:          []string{},
		Mappings:       b.String(),
	}
	out, _ := json.Marshal(m)
	return out
}

const vlqChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

// writeVLQ appends one base64 VLQ value: sign bit in the lowest position,
// five payload bits per character, continuation in the sixth.
func writeVLQ(b *strings.Builder, value int) {
	v := value << 1
	if value < 0 {
		v = (-value << 1) | 1
	}
	for {
		digit := v & 0x1f
		v >>= 5
		if v != 0 {
			digit |= 0x20
		}
		b.WriteByte(vlqChars[digit])
		if v == 0 {
			return
		}
	}
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n++
		if r > 0xFFFF {
			n++
		}
	}
	return n
}
