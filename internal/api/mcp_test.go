package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/manuald/internal/answer"
	"github.com/kalambet/manuald/internal/storage"
	"github.com/kalambet/manuald/internal/vectorstore"
)

// --- mocks ---

type mockSearcher struct {
	manual    storage.Manual
	findErr   error
	results   []vectorstore.Result
	searchErr error
	lastTopK  int
}

func (m *mockSearcher) FindIndexedManual(_ context.Context, _, _ string) (storage.Manual, error) {
	if m.findErr != nil {
		return storage.Manual{}, m.findErr
	}
	return m.manual, nil
}

func (m *mockSearcher) Search(_ context.Context, _ []float32, _, _ string, topK int) ([]vectorstore.Result, error) {
	m.lastTopK = topK
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	return m.results, nil
}

type mockQueryEmbedder struct {
	vec []float32
	err error
}

func (m *mockQueryEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.vec, nil
}

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return MCPDeps{
		Store:    store,
		Answers:  &mockAnswerer{},
		Searcher: &mockSearcher{},
		Embedder: &mockQueryEmbedder{vec: []float32{0.1, 0.2}},
	}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

func seedCatalogManual(t *testing.T, store *storage.Store, id, brand, model, status string) {
	t.Helper()
	err := store.CreateManual(storage.Manual{
		ID:             id,
		Filename:       "manual.pdf",
		Brand:          brand,
		Model:          model,
		FilePath:       "/tmp/" + id + ".pdf",
		IndexingStatus: status,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateManual: %v", err)
	}
}

// --- tests ---

func TestMCPTool_AskManual(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	answers := &mockAnswerer{
		ans: answer.Answer{
			Type:            answer.ResultGrounded,
			Answer:          "Descale the boiler monthly.",
			Sources:         []answer.Source{{Page: 12, Section: "Maintenance", Excerpt: "Descale monthly."}},
			ManualAvailable: true,
		},
	}
	deps.Answers = answers
	handler := mcpAskManual(deps)

	req := makeCallToolRequest("ask_manual", map[string]interface{}{
		"question": "How often should I descale?",
		"model":    "Combi-500",
		"brand":    "Acme",
		"top_k":    4,
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	text := toolText(t, result)
	if !strings.Contains(text, "Descale the boiler monthly.") {
		t.Errorf("missing answer text: %s", text)
	}
	if !strings.Contains(text, "Sources:") {
		t.Errorf("missing sources block: %s", text)
	}
	if !strings.Contains(text, "Page 12, Section: Maintenance") {
		t.Errorf("missing source line: %s", text)
	}

	if answers.lastReq.Question != "How often should I descale?" {
		t.Errorf("question = %q", answers.lastReq.Question)
	}
	if answers.lastReq.Model != "Combi-500" || answers.lastReq.Brand != "Acme" {
		t.Errorf("model/brand = %q/%q", answers.lastReq.Model, answers.lastReq.Brand)
	}
	if answers.lastReq.TopK != 4 {
		t.Errorf("top_k = %d, want 4", answers.lastReq.TopK)
	}
}

func TestMCPTool_AskManual_MissingModel(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpAskManual(deps)

	req := makeCallToolRequest("ask_manual", map[string]interface{}{
		"question": "How often should I descale?",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for missing model")
	}
}

func TestMCPTool_AskManual_NoSources(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Answers = &mockAnswerer{
		ans: answer.Answer{
			Type:   answer.ResultFallbackNoManual,
			Answer: "General advice.\n\nNote: No indexed manual was found for this model.",
		},
	}
	handler := mcpAskManual(deps)

	req := makeCallToolRequest("ask_manual", map[string]interface{}{
		"question": "How often should I descale?",
		"model":    "Combi-500",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	text := toolText(t, result)
	if strings.Contains(text, "Sources:") {
		t.Errorf("unexpected sources block: %s", text)
	}
	if !strings.Contains(text, "No indexed manual was found") {
		t.Errorf("missing fallback note: %s", text)
	}
}

func TestMCPTool_SearchPassages(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	searcher := &mockSearcher{
		manual: storage.Manual{ID: "m-1", Filename: "combi.pdf", Brand: "Acme", Model: "Combi-500"},
		results: []vectorstore.Result{
			{Passage: storage.Passage{ID: "p-1", PageNumber: 3, Section: "Maintenance", Content: "Descale the boiler monthly."}, Distance: 0.1},
			{Passage: storage.Passage{ID: "p-2", PageNumber: 7, Section: "Troubleshooting", Content: "Check the door gasket."}, Distance: 0.2},
		},
	}
	deps.Searcher = searcher
	handler := mcpSearchPassages(deps)

	req := makeCallToolRequest("search_passages", map[string]interface{}{
		"question": "descaling",
		"model":    "Combi-500",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	text := toolText(t, result)
	if !strings.Contains(text, "Manual: combi.pdf (Acme Combi-500)") {
		t.Errorf("missing manual header: %s", text)
	}
	if !strings.Contains(text, "[1] Page 3, Section: Maintenance") {
		t.Errorf("missing first match header: %s", text)
	}
	if !strings.Contains(text, "Descale the boiler monthly.") {
		t.Errorf("missing passage content: %s", text)
	}
	if !strings.Contains(text, "[2] Page 7") {
		t.Errorf("missing second match: %s", text)
	}
	if searcher.lastTopK != 5 {
		t.Errorf("top_k = %d, want default 5", searcher.lastTopK)
	}
}

func TestMCPTool_SearchPassages_ClampsTopK(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	searcher := &mockSearcher{
		manual:  storage.Manual{ID: "m-1", Filename: "combi.pdf", Brand: "Acme", Model: "Combi-500"},
		results: []vectorstore.Result{{Passage: storage.Passage{PageNumber: 1, Content: "x"}}},
	}
	deps.Searcher = searcher
	handler := mcpSearchPassages(deps)

	req := makeCallToolRequest("search_passages", map[string]interface{}{
		"question": "descaling",
		"model":    "Combi-500",
		"top_k":    50,
	})

	if _, err := handler(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if searcher.lastTopK != 10 {
		t.Errorf("top_k = %d, want clamped 10", searcher.lastTopK)
	}
}

func TestMCPTool_SearchPassages_NoManual(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Searcher = &mockSearcher{findErr: storage.ErrNotFound}
	handler := mcpSearchPassages(deps)

	req := makeCallToolRequest("search_passages", map[string]interface{}{
		"question": "descaling",
		"model":    "Combi-500",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("no-manual case should not be a tool error: %s", toolText(t, result))
	}
	if text := toolText(t, result); !strings.Contains(text, "No indexed manual") {
		t.Errorf("text = %s", text)
	}
}

func TestMCPTool_SearchPassages_NoMatches(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Searcher = &mockSearcher{
		manual: storage.Manual{ID: "m-1", Filename: "combi.pdf", Brand: "Acme", Model: "Combi-500"},
	}
	handler := mcpSearchPassages(deps)

	req := makeCallToolRequest("search_passages", map[string]interface{}{
		"question": "descaling",
		"model":    "Combi-500",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text := toolText(t, result); text != "No matching passages found." {
		t.Errorf("text = %q", text)
	}
}

func TestMCPTool_SearchPassages_EmbedError(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Searcher = &mockSearcher{
		manual: storage.Manual{ID: "m-1", Filename: "combi.pdf", Brand: "Acme", Model: "Combi-500"},
	}
	deps.Embedder = &mockQueryEmbedder{err: errors.New("embedding api down")}
	handler := mcpSearchPassages(deps)

	req := makeCallToolRequest("search_passages", map[string]interface{}{
		"question": "descaling",
		"model":    "Combi-500",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}
}

func TestMCPTool_ListManuals(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedCatalogManual(t, store, "m-1", "Hobart", "AM15", storage.StatusComplete)
	seedCatalogManual(t, store, "m-2", "Vulcan", "VC4GD", storage.StatusPending)
	handler := mcpListManuals(deps)

	req := makeCallToolRequest("list_manuals", map[string]interface{}{})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	text := toolText(t, result)
	if !strings.Contains(text, "[complete] Hobart AM15") {
		t.Errorf("missing complete manual line: %s", text)
	}
	if !strings.Contains(text, "[pending] Vulcan VC4GD") {
		t.Errorf("missing pending manual line: %s", text)
	}
}

func TestMCPTool_ListManuals_BrandFilter(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedCatalogManual(t, store, "m-1", "Hobart", "AM15", storage.StatusComplete)
	seedCatalogManual(t, store, "m-2", "Vulcan", "VC4GD", storage.StatusPending)
	handler := mcpListManuals(deps)

	req := makeCallToolRequest("list_manuals", map[string]interface{}{
		"brand": "vulcan",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	text := toolText(t, result)
	if strings.Contains(text, "Hobart") {
		t.Errorf("filter leaked other brand: %s", text)
	}
	if !strings.Contains(text, "Vulcan VC4GD") {
		t.Errorf("missing filtered manual: %s", text)
	}
}

func TestMCPTool_ListManuals_Empty(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpListManuals(deps)

	req := makeCallToolRequest("list_manuals", map[string]interface{}{})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text := toolText(t, result); text != "No manuals found." {
		t.Errorf("text = %q", text)
	}
}

func TestMCPResource_Catalog(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedCatalogManual(t, store, "m-1", "Hobart", "AM15", storage.StatusComplete)

	handler := mcpResourceCatalog(deps)
	req := makeReadResourceRequest("manuals://catalog")

	contents, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}

	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if tc.MIMEType != "application/json" {
		t.Errorf("MIMEType = %q, want application/json", tc.MIMEType)
	}

	var catalog []manualPayload
	if err := json.Unmarshal([]byte(tc.Text), &catalog); err != nil {
		t.Fatalf("failed to parse catalog JSON: %v", err)
	}
	if len(catalog) != 1 {
		t.Fatalf("expected 1 manual, got %d", len(catalog))
	}
	if catalog[0].ID != "m-1" || catalog[0].IndexingStatus != storage.StatusComplete {
		t.Errorf("unexpected catalog entry: %+v", catalog[0])
	}
}
