package extract

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultSection labels passages from pages before the first detected heading.
const DefaultSection = "General"

// Heuristics controls section-title detection. The zero value is not useful;
// start from DefaultHeuristics.
type Heuristics struct {
	// FontDelta is added to the page's median font size to qualify heading
	// candidates.
	FontDelta float64
	// MaxTitleLen caps detected titles, in runes.
	MaxTitleLen int
	// FallbackLines is how many leading text lines to scan when font
	// metadata yields nothing.
	FallbackLines int
}

func DefaultHeuristics() Heuristics {
	return Heuristics{FontDelta: 1.2, MaxTitleLen: 255, FallbackLines: 12}
}

var titleCleaner = regexp.MustCompile(`[^A-Za-z0-9 /:&-]`)

// DetectTitle returns the section heading for one page, or "" when the page
// has none. Headings are lines set notably larger than the page's body text;
// when font metadata is missing, the first lines of plain text are scanned
// for short upper-case or colon-terminated lines.
func (h Heuristics) DetectTitle(p Page) string {
	if title := h.titleFromFonts(p); title != "" {
		return title
	}
	return h.titleFromText(p)
}

// AssignSections resolves a section per page. Pages without a heading
// inherit the most recent earlier one; pages before any heading get
// DefaultSection.
func AssignSections(pages []Page, h Heuristics) []string {
	sections := make([]string, len(pages))
	current := DefaultSection
	for i, p := range pages {
		if title := h.DetectTitle(p); title != "" {
			current = title
		}
		sections[i] = current
	}
	return sections
}

func (h Heuristics) titleFromFonts(p Page) string {
	if len(p.Words) == 0 {
		return ""
	}

	sizes := make([]float64, len(p.Words))
	for i, w := range p.Words {
		sizes[i] = w.Size
	}
	threshold := median(sizes) + h.FontDelta

	byLine := make(map[int][]Word)
	for _, w := range p.Words {
		if w.Size >= threshold {
			key := int(math.Round(w.Y))
			byLine[key] = append(byLine[key], w)
		}
	}
	if len(byLine) == 0 {
		return ""
	}

	keys := make([]int, 0, len(byLine))
	for k := range byLine {
		keys = append(keys, k)
	}
	// Larger baseline Y is higher on the page; scan top down.
	sort.Sort(sort.Reverse(sort.IntSlice(keys)))

	for _, k := range keys {
		ws := byLine[k]
		sort.Slice(ws, func(i, j int) bool { return ws[i].X < ws[j].X })
		parts := make([]string, len(ws))
		for i, w := range ws {
			parts[i] = w.Text
		}
		cleaned := strings.TrimSpace(titleCleaner.ReplaceAllString(strings.Join(parts, " "), ""))
		if utf8.RuneCountInString(cleaned) >= 4 && (isUpperLine(cleaned) || strings.HasSuffix(cleaned, ":")) {
			return truncateRunes(cleaned, h.MaxTitleLen)
		}
	}
	return ""
}

func (h Heuristics) titleFromText(p Page) string {
	lines := strings.Split(p.Text, "\n")
	if len(lines) > h.FallbackLines {
		lines = lines[:h.FallbackLines]
	}
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		n := utf8.RuneCountInString(line)
		if n >= 4 && n <= 90 && (isUpperLine(line) || strings.HasSuffix(line, ":")) {
			return truncateRunes(line, h.MaxTitleLen)
		}
	}
	return ""
}

// isUpperLine reports whether s contains at least one cased rune and no
// lower-case ones, so digit-only strings do not qualify.
func isUpperLine(s string) bool {
	hasCased := false
	for _, r := range s {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsUpper(r) {
			hasCased = true
		}
	}
	return hasCased
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
