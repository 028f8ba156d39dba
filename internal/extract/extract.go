package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

const (
	// A page whose normalized text is shorter than this counts as near-empty.
	nearEmptyChars = 40
	// Share of near-empty pages at which a document is treated as scanned.
	nearEmptyRatio = 0.6
	// Minimum total characters across all pages for a usable text layer.
	minTotalChars = 250
)

// Word is a single positioned word with font metadata. Y is the baseline
// coordinate in PDF points; larger values are higher on the page.
type Word struct {
	Text string
	X    float64
	Y    float64
	Size float64
}

// Page is the extraction result for one PDF page, 1-indexed.
type Page struct {
	Number int
	Text   string
	Words  []Word
}

// ScannedDocumentError reports a document whose pages carry no usable text
// layer, which usually means the PDF is a scan of paper pages.
type ScannedDocumentError struct {
	NearEmptyPages int
	TotalPages     int
}

func (e *ScannedDocumentError) Error() string {
	return fmt.Sprintf("PDF appears to be scanned or image-based (%d of %d pages have no usable text); OCR is required before indexing",
		e.NearEmptyPages, e.TotalPages)
}

// ExtractPages reads the text layer of the PDF at path and returns ordered
// per-page records. It fails with *ScannedDocumentError when the document
// looks image-based, and with a plain error when the file cannot be parsed
// or contains no pages.
func ExtractPages(path string) ([]Page, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	total := r.NumPage()
	if total == 0 {
		return nil, errors.New("no pages found in PDF")
	}

	pages := make([]Page, 0, total)
	for i := 1; i <= total; i++ {
		frags := pageFragments(r.Page(i), i)
		text, words := assemblePage(frags)
		pages = append(pages, Page{Number: i, Text: text, Words: words})
	}

	if err := checkScanned(pages); err != nil {
		return nil, err
	}
	return pages, nil
}

// pageFragments collects positioned text runs from one page. The underlying
// content-stream parser panics on malformed streams; such pages are treated
// as empty and left to the scanned-document check.
func pageFragments(p pdf.Page, num int) (frags []fragment) {
	defer func() {
		if r := recover(); r != nil {
			frags = nil
		}
	}()
	if p.V.IsNull() {
		return nil
	}
	for _, t := range p.Content().Text {
		if t.S == "" {
			continue
		}
		frags = append(frags, fragment{
			text:  t.S,
			x:     t.X,
			y:     t.Y,
			width: t.W,
			size:  t.FontSize,
		})
	}
	return frags
}

func checkScanned(pages []Page) error {
	nearEmpty := 0
	totalChars := 0
	for _, p := range pages {
		n := utf8.RuneCountInString(p.Text)
		totalChars += n
		if n < nearEmptyChars {
			nearEmpty++
		}
	}
	if float64(nearEmpty)/float64(len(pages)) >= nearEmptyRatio || totalChars < minTotalChars {
		return &ScannedDocumentError{NearEmptyPages: nearEmpty, TotalPages: len(pages)}
	}
	return nil
}

var (
	spaceRuns    = regexp.MustCompile(`[ \t]+`)
	newlineEdges = regexp.MustCompile(` ?\n ?`)
	blankRuns    = regexp.MustCompile(`\n{3,}`)
)

// NormalizeWhitespace collapses runs of spaces and tabs, trims spaces around
// line breaks, caps blank-line runs at one, and trims the result. NUL bytes
// from broken encodings become spaces.
func NormalizeWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\x00", " ")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = spaceRuns.ReplaceAllString(s, " ")
	s = newlineEdges.ReplaceAllString(s, "\n")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
