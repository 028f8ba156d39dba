package chunker

import (
	"math"
	"strings"
)

const (
	defaultTargetTokens  = 800
	defaultOverlapTokens = 100
	defaultSection       = "General"
)

// Page is one page of extracted manual text with its resolved section.
type Page struct {
	Number  int
	Section string
	Text    string
}

// Chunk is a packed span of manual text ready for embedding. Page is the
// lowest page number that contributed text.
type Chunk struct {
	Page    int
	Section string
	Text    string
}

// Chunker packs per-page text into token-budgeted chunks. Chunks never span
// section boundaries; consecutive chunks within a section share an overlap
// so answers near a cut keep their surrounding steps.
type Chunker struct {
	TargetTokens  int
	OverlapTokens int
	// Estimate overrides the default token estimator.
	Estimate func(string) int
}

// New creates a Chunker. Non-positive arguments fall back to the defaults
// (800 target, 100 overlap).
func New(targetTokens, overlapTokens int) *Chunker {
	if targetTokens <= 0 {
		targetTokens = defaultTargetTokens
	}
	if overlapTokens <= 0 {
		overlapTokens = defaultOverlapTokens
	}
	return &Chunker{TargetTokens: targetTokens, OverlapTokens: overlapTokens}
}

// EstimateTokens approximates the token count of s as words times 1.3,
// rounded up. It is a fast proxy for budget packing, not a tokenizer.
func EstimateTokens(s string) int {
	n := int(math.Ceil(float64(len(strings.Fields(s))) * 1.3))
	if n < 1 {
		return 1
	}
	return n
}

type unit struct {
	page    int
	section string
	text    string
	tokens  int
}

// ChunkPages walks pages in document order and packs their units into
// chunks. A section change flushes without seeding overlap; exceeding the
// token target flushes and seeds the next chunk with the flushed tail.
func (c *Chunker) ChunkPages(pages []Page) []Chunk {
	estimate := c.Estimate
	if estimate == nil {
		estimate = EstimateTokens
	}

	var (
		chunks     []Chunk
		buffer     []unit
		bufTokens  int
		bufSection string
	)

	flush := func(seedOverlap bool) {
		if len(buffer) == 0 {
			return
		}
		parts := make([]string, len(buffer))
		minPage := buffer[0].page
		for i, u := range buffer {
			parts[i] = u.text
			if u.page < minPage {
				minPage = u.page
			}
		}
		if text := strings.TrimSpace(strings.Join(parts, "\n\n")); text != "" {
			section := bufSection
			if section == "" {
				section = defaultSection
			}
			chunks = append(chunks, Chunk{Page: minPage, Section: section, Text: text})
		}
		if seedOverlap {
			buffer, bufTokens = overlapSeed(buffer, c.OverlapTokens)
		} else {
			buffer, bufTokens = nil, 0
		}
	}

	for _, p := range pages {
		for _, text := range splitUnits(p.Text) {
			u := unit{page: p.Number, section: p.Section, text: text, tokens: estimate(text)}
			if len(buffer) > 0 && u.section != bufSection {
				flush(false)
			}
			if len(buffer) > 0 && bufTokens+u.tokens > c.TargetTokens {
				flush(true)
			}
			if len(buffer) == 0 {
				bufSection = u.section
			}
			buffer = append(buffer, u)
			bufTokens += u.tokens
		}
	}
	flush(false)
	return chunks
}

// overlapSeed returns the smallest tail of flushed units whose token sum
// reaches overlapTokens, with its token total.
func overlapSeed(flushed []unit, overlapTokens int) ([]unit, int) {
	if overlapTokens <= 0 {
		return nil, 0
	}
	total := 0
	i := len(flushed)
	for i > 0 && total < overlapTokens {
		i--
		total += flushed[i].tokens
	}
	seed := make([]unit, len(flushed)-i)
	copy(seed, flushed[i:])
	return seed, total
}
