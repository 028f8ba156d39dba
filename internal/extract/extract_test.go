package extract

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizeWhitespace(t *testing.T) {
	in := "Heat \t exchanger\x00coil  \n\n\n\n  Drain   the tank \n"
	got := NormalizeWhitespace(in)
	want := "Heat exchanger coil\n\nDrain the tank"
	if got != want {
		t.Errorf("NormalizeWhitespace() = %q, want %q", got, want)
	}
}

func TestNormalizeWhitespaceCarriageReturns(t *testing.T) {
	got := NormalizeWhitespace("line one\r\nline two\rline three")
	want := "line one\nline two\nline three"
	if got != want {
		t.Errorf("NormalizeWhitespace() = %q, want %q", got, want)
	}
}

func TestAssemblePageReadingOrder(t *testing.T) {
	// Fragments arrive in content-stream order, not reading order.
	frags := []fragment{
		{text: "second line", x: 10, y: 680, width: 60, size: 10},
		{text: "first", x: 10, y: 700, width: 25, size: 10},
		{text: "line", x: 40, y: 700, width: 20, size: 10},
	}
	text, _ := assemblePage(frags)
	want := "first line\nsecond line"
	if text != want {
		t.Errorf("text = %q, want %q", text, want)
	}
}

func TestAssemblePageWordGap(t *testing.T) {
	frags := []fragment{
		{text: "Mod", x: 10, y: 700, width: 15, size: 10},
		{text: "el", x: 25.5, y: 700, width: 10, size: 10},
		{text: "XL-90", x: 60, y: 700, width: 25, size: 10},
	}
	text, _ := assemblePage(frags)
	want := "Model XL-90"
	if text != want {
		t.Errorf("text = %q, want %q", text, want)
	}
}

func TestAssemblePageParagraphBreak(t *testing.T) {
	frags := []fragment{
		{text: "Safety notes", x: 10, y: 700, width: 60, size: 10},
		// Gap of 40 points against a 10 point line height.
		{text: "Unplug the unit.", x: 10, y: 660, width: 80, size: 10},
		{text: "Wear gloves.", x: 10, y: 648, width: 60, size: 10},
	}
	text, _ := assemblePage(frags)
	want := "Safety notes\n\nUnplug the unit.\nWear gloves."
	if text != want {
		t.Errorf("text = %q, want %q", text, want)
	}
}

func TestAssemblePageSplitsWords(t *testing.T) {
	frags := []fragment{
		{text: "DRAIN VALVE", x: 10, y: 700, width: 66, size: 14},
	}
	_, words := assemblePage(frags)
	if len(words) != 2 {
		t.Fatalf("got %d words, want 2", len(words))
	}
	if words[0].Text != "DRAIN" || words[1].Text != "VALVE" {
		t.Errorf("words = %q, %q", words[0].Text, words[1].Text)
	}
	if words[1].X <= words[0].X {
		t.Errorf("word X positions not increasing: %f, %f", words[0].X, words[1].X)
	}
	if words[0].Size != 14 {
		t.Errorf("word size = %f, want 14", words[0].Size)
	}
}

func TestCheckScannedMinorityNearEmptyOK(t *testing.T) {
	long := strings.Repeat("burner assembly ", 10)
	pages := []Page{
		{Number: 1, Text: long},
		{Number: 2, Text: long},
		{Number: 3, Text: "p3"},
	}
	if err := checkScanned(pages); err != nil {
		t.Errorf("checkScanned() = %v, want nil for 1 of 3 near-empty", err)
	}
}

func TestCheckScannedMajorityNearEmpty(t *testing.T) {
	long := strings.Repeat("thermostat calibration ", 10)
	pages := make([]Page, 0, 10)
	for i := 1; i <= 3; i++ {
		pages = append(pages, Page{Number: i, Text: long})
	}
	for i := 4; i <= 10; i++ {
		pages = append(pages, Page{Number: i, Text: ""})
	}

	err := checkScanned(pages)
	var scanned *ScannedDocumentError
	if !errors.As(err, &scanned) {
		t.Fatalf("checkScanned() = %v, want ScannedDocumentError for 7 of 10 near-empty", err)
	}
	if scanned.NearEmptyPages != 7 || scanned.TotalPages != 10 {
		t.Errorf("counts = %d/%d, want 7/10", scanned.NearEmptyPages, scanned.TotalPages)
	}
}

func TestCheckScannedTooFewTotalChars(t *testing.T) {
	// Every page clears the per-page bar but the document total is tiny.
	pages := []Page{
		{Number: 1, Text: strings.Repeat("a", 45)},
		{Number: 2, Text: strings.Repeat("b", 45)},
	}
	err := checkScanned(pages)
	var scanned *ScannedDocumentError
	if !errors.As(err, &scanned) {
		t.Errorf("checkScanned() = %v, want ScannedDocumentError under total floor", err)
	}
}
