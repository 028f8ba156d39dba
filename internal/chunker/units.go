package chunker

import (
	"regexp"
	"strings"
)

var (
	paragraphSplit = regexp.MustCompile(`\n\s*\n`)
	codeRowPattern = regexp.MustCompile(`^[A-Z0-9\-_/]{2,20}\s+.+`)
	faultRowPattern = regexp.MustCompile(`(?i)^(E|F|AL|ERR)[0-9-]+\s+.+`)
)

// splitUnits breaks one page's text into packable units: paragraphs that
// look like tables stay whole, everything else splits into sentences.
func splitUnits(text string) []string {
	var units []string
	for _, para := range paragraphSplit.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if tableLike(para) {
			units = append(units, para)
			continue
		}
		sentences := splitSentences(para)
		if len(sentences) <= 1 {
			units = append(units, para)
			continue
		}
		units = append(units, sentences...)
	}
	return units
}

// tableLike reports whether a paragraph reads as an error-code or parts
// table: at least four non-empty lines with a short code prefix on 40% or
// more of them. Splitting such rows apart would orphan codes from their
// descriptions.
func tableLike(para string) bool {
	var lines []string
	for _, l := range strings.Split(para, "\n") {
		if t := strings.TrimSpace(l); t != "" {
			lines = append(lines, t)
		}
	}
	if len(lines) < 4 {
		return false
	}
	matches := 0
	for _, l := range lines {
		if codeRowPattern.MatchString(l) || faultRowPattern.MatchString(l) {
			matches++
		}
	}
	return float64(matches)/float64(len(lines)) >= 0.4
}

// splitSentences splits on sentence punctuation followed by whitespace and
// an upper-case letter or digit. Regexp lookarounds are unavailable, so the
// boundary scan is explicit.
func splitSentences(para string) []string {
	runes := []rune(para)
	var out []string
	start := 0
	i := 0
	for i < len(runes) {
		r := runes[i]
		if r == '.' || r == '!' || r == '?' {
			j := i + 1
			for j < len(runes) && isSpaceRune(runes[j]) {
				j++
			}
			if j > i+1 && j < len(runes) && isSentenceStart(runes[j]) {
				if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
					out = append(out, s)
				}
				start = j
				i = j
				continue
			}
		}
		i++
	}
	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isSpaceRune(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\f' || r == '\v'
}

func isSentenceStart(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
