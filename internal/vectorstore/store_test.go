package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kalambet/manuald/internal/storage"
)

func openTestStores(t *testing.T) (*storage.Store, *Store) {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, New(st.DB(), Options{})
}

func seedManual(t *testing.T, st *storage.Store, id, brand, model string, created time.Time, embeddings map[string][]float32) {
	t.Helper()
	err := st.CreateManual(storage.Manual{
		ID:        id,
		Filename:  id + ".pdf",
		Brand:     brand,
		Model:     model,
		FilePath:  "/data/" + id + ".pdf",
		CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("CreateManual %s: %v", id, err)
	}

	var passages []storage.Passage
	page := 1
	for pid, vec := range embeddings {
		passages = append(passages, storage.Passage{
			ID:         pid,
			ManualID:   id,
			PageNumber: page,
			Section:    "General",
			Content:    "content of " + pid,
			Embedding:  vec,
		})
		page++
	}
	if err := st.CompleteIndexing(id, passages); err != nil {
		t.Fatalf("CompleteIndexing %s: %v", id, err)
	}
}

func TestSearchOrdersByDistance(t *testing.T) {
	st, vs := openTestStores(t)
	seedManual(t, st, "m-1", "AcmeCo", "Combi-500", time.Now().UTC(), map[string][]float32{
		"p-opposite":   {-1, 0, 0},
		"p-exact":      {1, 0, 0},
		"p-orthogonal": {0, 1, 0},
		"p-close":      {0.9, 0.1, 0},
	})

	results, err := vs.Search(context.Background(), []float32{1, 0, 0}, "Combi-500", "", 4)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}

	wantOrder := []string{"p-exact", "p-close", "p-orthogonal", "p-opposite"}
	for i, r := range results {
		if r.Passage.ID != wantOrder[i] {
			t.Errorf("result %d = %q, want %q", i, r.Passage.ID, wantOrder[i])
		}
	}
	for i := 1; i < len(results); i++ {
		if results[i].Distance < results[i-1].Distance {
			t.Errorf("distances not ascending at %d", i)
		}
	}
	if results[0].Passage.Content != "content of p-exact" {
		t.Errorf("content = %q, want the full passage row", results[0].Passage.Content)
	}
}

func TestSearchFiltersByModel(t *testing.T) {
	st, vs := openTestStores(t)
	seedManual(t, st, "m-oven", "AcmeCo", "Combi-500", time.Now().UTC(), map[string][]float32{
		"p-oven": {1, 0, 0},
	})
	seedManual(t, st, "m-fryer", "FryKing", "FK-200", time.Now().UTC(), map[string][]float32{
		"p-fryer": {1, 0, 0},
	})

	results, err := vs.Search(context.Background(), []float32{1, 0, 0}, "FK-200", "", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Passage.ID != "p-fryer" {
		t.Errorf("results = %+v, want only the FK-200 passage", results)
	}
}

func TestSearchModelMatchIsCaseInsensitiveExact(t *testing.T) {
	st, vs := openTestStores(t)
	seedManual(t, st, "m-1", "AcmeCo", "Combi-500", time.Now().UTC(), map[string][]float32{
		"p-1": {1, 0, 0},
	})

	results, err := vs.Search(context.Background(), []float32{1, 0, 0}, "combi-500", "", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("case-insensitive match returned %d results, want 1", len(results))
	}

	results, err = vs.Search(context.Background(), []float32{1, 0, 0}, "Combi", "", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("prefix match returned %d results, want 0 (match must be exact)", len(results))
	}
}

func TestSearchBrandFilter(t *testing.T) {
	st, vs := openTestStores(t)
	seedManual(t, st, "m-acme", "AcmeCo", "X-1", time.Now().UTC(), map[string][]float32{
		"p-acme": {1, 0, 0},
	})
	seedManual(t, st, "m-generic", "Generic", "X-1", time.Now().UTC(), map[string][]float32{
		"p-generic": {1, 0, 0},
	})

	withBrand, err := vs.Search(context.Background(), []float32{1, 0, 0}, "X-1", "acmeco", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(withBrand) != 1 || withBrand[0].Passage.ID != "p-acme" {
		t.Errorf("brand-filtered results = %+v, want only p-acme", withBrand)
	}

	withoutBrand, err := vs.Search(context.Background(), []float32{1, 0, 0}, "X-1", "", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(withoutBrand) != 2 {
		t.Errorf("unfiltered results = %d, want both brands", len(withoutBrand))
	}
}

func TestSearchSkipsUnindexedManuals(t *testing.T) {
	st, vs := openTestStores(t)
	if err := st.CreateManual(storage.Manual{
		ID: "m-pending", Filename: "p.pdf", Brand: "AcmeCo", Model: "Combi-500", FilePath: "/p",
	}); err != nil {
		t.Fatalf("CreateManual: %v", err)
	}
	if err := st.CreateManual(storage.Manual{
		ID: "m-failed", Filename: "f.pdf", Brand: "AcmeCo", Model: "Combi-500", FilePath: "/f",
	}); err != nil {
		t.Fatalf("CreateManual: %v", err)
	}
	if err := st.MarkIndexingFailed("m-failed", "scanned"); err != nil {
		t.Fatalf("MarkIndexingFailed: %v", err)
	}

	results, err := vs.Search(context.Background(), []float32{1, 0, 0}, "Combi-500", "", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results from unindexed manuals, want 0", len(results))
	}
}

func TestSearchCapsTopK(t *testing.T) {
	st, vs := openTestStores(t)
	embeddings := make(map[string][]float32)
	for i := 0; i < 15; i++ {
		embeddings[fmt.Sprintf("p-%02d", i)] = []float32{1, float32(i) * 0.01, 0}
	}
	seedManual(t, st, "m-1", "AcmeCo", "Combi-500", time.Now().UTC(), embeddings)

	results, err := vs.Search(context.Background(), []float32{1, 0, 0}, "Combi-500", "", 50)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 10 {
		t.Errorf("got %d results, want the 10-result ceiling", len(results))
	}
}

func TestSearchNoMatchesIsNotError(t *testing.T) {
	_, vs := openTestStores(t)
	results, err := vs.Search(context.Background(), []float32{1, 0, 0}, "Unknown-1", "", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results for unknown model", len(results))
	}
}

func TestSearchAfterInvalidateSeesNewPassages(t *testing.T) {
	st, vs := openTestStores(t)
	seedManual(t, st, "m-1", "AcmeCo", "Combi-500", time.Now().UTC(), map[string][]float32{
		"p-old": {1, 0, 0},
	})

	if _, err := vs.Search(context.Background(), []float32{1, 0, 0}, "Combi-500", "", 5); err != nil {
		t.Fatalf("warmup Search: %v", err)
	}

	if err := st.CompleteIndexing("m-1", []storage.Passage{{
		ID: "p-new", ManualID: "m-1", PageNumber: 1, Section: "General",
		Content: "replacement", Embedding: []float32{1, 0, 0},
	}}); err != nil {
		t.Fatalf("CompleteIndexing: %v", err)
	}
	vs.Invalidate("m-1")

	results, err := vs.Search(context.Background(), []float32{1, 0, 0}, "Combi-500", "", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Passage.ID != "p-new" {
		t.Errorf("results = %+v, want only the replacement passage", results)
	}
}

func TestFindIndexedManualPrefersNewest(t *testing.T) {
	st, vs := openTestStores(t)
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	seedManual(t, st, "m-old", "AcmeCo", "Combi-500", base, map[string][]float32{
		"p-a": {1, 0, 0},
	})
	seedManual(t, st, "m-new", "AcmeCo", "Combi-500", base.Add(time.Hour), map[string][]float32{
		"p-b": {1, 0, 0},
	})

	m, err := vs.FindIndexedManual(context.Background(), "combi-500", "")
	if err != nil {
		t.Fatalf("FindIndexedManual: %v", err)
	}
	if m.ID != "m-new" {
		t.Errorf("manual = %q, want the most recently created m-new", m.ID)
	}
	if m.IndexedAt == nil {
		t.Error("IndexedAt = nil on an indexed manual")
	}
}

func TestFindIndexedManualBrandFilter(t *testing.T) {
	st, vs := openTestStores(t)
	seedManual(t, st, "m-acme", "AcmeCo", "X-1", time.Now().UTC(), map[string][]float32{
		"p-1": {1, 0, 0},
	})

	if _, err := vs.FindIndexedManual(context.Background(), "X-1", "OtherBrand"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound for a different brand", err)
	}
	m, err := vs.FindIndexedManual(context.Background(), "X-1", "ACMECO")
	if err != nil {
		t.Fatalf("FindIndexedManual: %v", err)
	}
	if m.ID != "m-acme" {
		t.Errorf("manual = %q", m.ID)
	}
}

func TestFindIndexedManualIgnoresUnindexed(t *testing.T) {
	st, vs := openTestStores(t)
	if err := st.CreateManual(storage.Manual{
		ID: "m-pending", Filename: "p.pdf", Brand: "AcmeCo", Model: "Combi-500", FilePath: "/p",
	}); err != nil {
		t.Fatalf("CreateManual: %v", err)
	}

	_, err := vs.FindIndexedManual(context.Background(), "Combi-500", "")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound when only a pending manual exists", err)
	}
}
