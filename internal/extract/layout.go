package extract

import (
	"math"
	"sort"
	"strings"
)

const (
	// Fragments whose baselines differ by less than this belong to one line.
	lineTolerance = 3.0
	// Horizontal gap, as a multiple of the font size, that separates words.
	wordGapRatio = 0.3
	// Vertical gap, as a multiple of the line height, that separates paragraphs.
	paragraphGapRatio = 1.8
	// Assumed line height when a fragment carries no font size.
	fallbackLineHeight = 12.0
)

// fragment is one positioned text run from the content stream.
type fragment struct {
	text  string
	x, y  float64
	width float64
	size  float64
}

// textLine is an assembled visual line, ordered left to right.
type textLine struct {
	y     float64
	frags []fragment
}

// assemblePage turns raw fragments into reading-order text plus positioned
// words. Lines are ordered top to bottom, fragments within a line left to
// right, and a blank line marks a vertical gap large enough to be a
// paragraph break.
func assemblePage(frags []fragment) (string, []Word) {
	lines := groupLines(frags)
	if len(lines) == 0 {
		return "", nil
	}

	var (
		sb    strings.Builder
		words []Word
	)
	for i, ln := range lines {
		if i > 0 {
			sb.WriteByte('\n')
			if gap := lines[i-1].y - ln.y; gap > paragraphGapRatio*lineHeight(lines[i-1]) {
				sb.WriteByte('\n')
			}
		}
		sb.WriteString(joinLine(ln))
		words = append(words, lineWords(ln)...)
	}
	return NormalizeWhitespace(sb.String()), words
}

// groupLines buckets fragments by baseline and sorts the result into
// reading order.
func groupLines(frags []fragment) []textLine {
	sorted := make([]fragment, 0, len(frags))
	for _, f := range frags {
		if strings.TrimSpace(f.text) == "" {
			continue
		}
		sorted = append(sorted, f)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].y > sorted[j].y })

	var lines []textLine
	for _, f := range sorted {
		if n := len(lines); n > 0 && math.Abs(lines[n-1].y-f.y) < lineTolerance {
			lines[n-1].frags = append(lines[n-1].frags, f)
			continue
		}
		lines = append(lines, textLine{y: f.y, frags: []fragment{f}})
	}
	for i := range lines {
		sort.SliceStable(lines[i].frags, func(a, b int) bool {
			return lines[i].frags[a].x < lines[i].frags[b].x
		})
	}
	return lines
}

// joinLine concatenates a line's fragments, inserting a space where the
// horizontal gap between runs is wide enough to separate words.
func joinLine(ln textLine) string {
	var sb strings.Builder
	for i, f := range ln.frags {
		if i > 0 {
			prev := ln.frags[i-1]
			if f.x-(prev.x+prev.width) > wordGapRatio*fontSize(prev) {
				sb.WriteByte(' ')
			}
		}
		sb.WriteString(f.text)
	}
	return sb.String()
}

// lineWords splits a line into words, approximating each word's X position
// by distributing the owning fragment's width over its runes.
func lineWords(ln textLine) []Word {
	var words []Word
	for _, f := range ln.frags {
		runes := []rune(f.text)
		perRune := 0.0
		if len(runes) > 0 {
			perRune = f.width / float64(len(runes))
		}

		start := -1
		for i, r := range runes {
			if r == ' ' || r == '\t' {
				if start >= 0 {
					words = append(words, Word{
						Text: string(runes[start:i]),
						X:    f.x + float64(start)*perRune,
						Y:    f.y,
						Size: f.size,
					})
					start = -1
				}
				continue
			}
			if start < 0 {
				start = i
			}
		}
		if start >= 0 {
			words = append(words, Word{
				Text: string(runes[start:]),
				X:    f.x + float64(start)*perRune,
				Y:    f.y,
				Size: f.size,
			})
		}
	}
	return words
}

func lineHeight(ln textLine) float64 {
	h := 0.0
	for _, f := range ln.frags {
		if f.size > h {
			h = f.size
		}
	}
	if h == 0 {
		return fallbackLineHeight
	}
	return h
}

func fontSize(f fragment) float64 {
	if f.size == 0 {
		return fallbackLineHeight
	}
	return f.size
}
