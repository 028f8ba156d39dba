package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/manuald/internal/config"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestQueryRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/query": `{"tier":"grounded","answer":"Drain the pump.","sources":[{"page":12,"section":"TROUBLESHOOTING","excerpt":"E24 drain fault"}],"manual_available":true}`,
	})

	client := ts.client()

	body := map[string]any{
		"question": "How do I clear error E24?",
		"model":    "Combi-500",
		"brand":    "AcmeCo",
	}
	resp, err := client.post(ctx, "/v1/query", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result queryResult
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if result.Tier != "grounded" {
		t.Errorf("tier = %q, want grounded", result.Tier)
	}
	if !result.ManualAvailable {
		t.Error("manual_available = false, want true")
	}
	if len(result.Sources) != 1 || result.Sources[0].Page != 12 {
		t.Errorf("sources = %+v, want one source for page 12", result.Sources)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var sent map[string]any
	if err := json.Unmarshal([]byte(r.Body), &sent); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if sent["model"] != "Combi-500" {
		t.Errorf("body.model = %v, want Combi-500", sent["model"])
	}
}

func TestUploadMultipart(t *testing.T) {
	dir := t.TempDir()
	pdfPath := filepath.Join(dir, "combi-500.pdf")
	if err := os.WriteFile(pdfPath, []byte("%PDF-1.4 fake"), 0o644); err != nil {
		t.Fatal(err)
	}

	ts := newTestServer(t, map[string]string{
		"POST /v1/manuals": `{"id":"m-123","filename":"combi-500.pdf","brand":"AcmeCo","model":"Combi-500","indexing_status":"pending","created_at":"2025-01-01T00:00:00Z"}`,
	})

	client := ts.client()
	resp, err := client.postFile(ctx, "/v1/manuals", pdfPath, map[string]string{
		"brand": "AcmeCo",
		"model": "Combi-500",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var manual manualResult
	if err := decodeJSON(resp, &manual); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if manual.ID != "m-123" {
		t.Errorf("id = %q, want m-123", manual.ID)
	}
	if manual.IndexingStatus != "pending" {
		t.Errorf("status = %q, want pending", manual.IndexingStatus)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if !strings.HasPrefix(r.ContentType, "multipart/form-data") {
		t.Errorf("content type = %q, want multipart/form-data", r.ContentType)
	}
	for _, want := range []string{"AcmeCo", "Combi-500", "combi-500.pdf", "%PDF-1.4 fake"} {
		if !strings.Contains(r.Body, want) {
			t.Errorf("multipart body missing %q", want)
		}
	}
}

func TestUploadCommand_MissingFlags(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"upload", "manual.pdf"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing --brand/--model")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestAskCommand_MissingModel(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ask", "how do I fix this"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing --model")
	}
	if !strings.Contains(err.Error(), "--model") {
		t.Errorf("error = %q, want it to mention '--model'", err.Error())
	}
}

func TestManualsListFilters(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/manuals": `[{"id":"aaaa1111-0000-0000-0000-000000000000","filename":"combi.pdf","brand":"AcmeCo","model":"Combi-500","indexing_status":"complete","created_at":"2025-01-01T00:00:00Z"}]`,
	})

	client := ts.client()
	params := url.Values{}
	params.Set("brand", "Acme & Co")
	params.Set("status", "complete")

	resp, err := client.get(ctx, "/v1/manuals?"+params.Encode())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var manuals []manualResult
	if err := decodeJSON(resp, &manuals); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(manuals) != 1 {
		t.Fatalf("expected 1 manual, got %d", len(manuals))
	}
	if manuals[0].Model != "Combi-500" {
		t.Errorf("model = %q, want Combi-500", manuals[0].Model)
	}

	reqPath := ts.requests[0].Path
	if strings.Contains(reqPath, "Acme & Co") {
		t.Errorf("query not URL-encoded: %q", reqPath)
	}
	if !strings.Contains(reqPath, "brand=Acme+%26+Co") {
		t.Errorf("unexpected encoded path: %q", reqPath)
	}
}

func TestManualsDelete(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"DELETE /v1/manuals/m-123": `{}`,
	})

	client := ts.client()
	resp, err := client.delete(ctx, "/v1/manuals/m-123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if ts.requests[0].Method != "DELETE" {
		t.Errorf("method = %q, want DELETE", ts.requests[0].Method)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/v1/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestAPIClientNoTokenOmitsAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/health": `{"status":"ok","manuals":0,"passages":0}`,
	})

	client := ts.client()
	client.token = ""

	resp, err := client.get(ctx, "/v1/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if ts.requests[0].Auth != "" {
		t.Errorf("auth = %q, want empty when no token is configured", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"unauthorized","type":"auth_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/v1/manuals")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %q, want it to contain '401'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Addr = "127.0.0.1:9999"
	cfg.Embedding.Model = "text-embedding-3-small"

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := false
	for _, k := range keys {
		if k.Key == "server.addr" && k.Value == "127.0.0.1:9999" {
			found = true
		}
	}
	if !found {
		t.Error("expected to find server.addr=127.0.0.1:9999 in ShowAll output")
	}
}

func TestPassagesPath(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/manuals/m-1/passages": `[{"id":"p-1","page_number":3,"section":"MAINTENANCE","content":"Descale monthly."}]`,
	})

	client := ts.client()
	path := fmt.Sprintf("/v1/manuals/%s/passages?limit=%d&offset=%d", "m-1", 20, 0)
	resp, err := client.get(ctx, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var passages []struct {
		PageNumber int    `json:"page_number"`
		Section    string `json:"section"`
	}
	if err := decodeJSON(resp, &passages); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(passages) != 1 || passages[0].PageNumber != 3 {
		t.Fatalf("passages = %+v, want one passage on page 3", passages)
	}
	if !strings.Contains(ts.requests[0].Path, "limit=20") {
		t.Errorf("path = %q, want limit=20", ts.requests[0].Path)
	}
}
