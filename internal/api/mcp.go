package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/manuald/internal/answer"
	"github.com/kalambet/manuald/internal/storage"
	"github.com/kalambet/manuald/internal/vectorstore"
)

// MCPAnswerer abstracts composed answer generation for the MCP layer.
type MCPAnswerer interface {
	Ask(ctx context.Context, req answer.Request) (answer.Answer, error)
}

// MCPSearcher abstracts manual lookup and passage search for the MCP layer.
type MCPSearcher interface {
	FindIndexedManual(ctx context.Context, model, brand string) (storage.Manual, error)
	Search(ctx context.Context, queryVector []float32, model, brand string, topK int) ([]vectorstore.Result, error)
}

// MCPEmbedder turns a question into a query vector.
type MCPEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Answers  MCPAnswerer
	Searcher MCPSearcher
	Embedder MCPEmbedder
}

// NewMCPServer creates an MCP server with all manuald tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"manuald",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("manuald answers equipment repair questions from indexed service manuals. Pass the equipment model (and brand when known) with every question."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("ask_manual",
			mcp.WithDescription("Answer an equipment repair question using indexed service manual passages. Falls back to general knowledge when no manual is indexed."),
			mcp.WithString("question", mcp.Description("The repair or maintenance question"), mcp.Required()),
			mcp.WithString("model", mcp.Description("Equipment model, e.g. Combi-500"), mcp.Required()),
			mcp.WithString("brand", mcp.Description("Equipment brand, e.g. Hobart")),
			mcp.WithNumber("top_k", mcp.Description("Number of passages to ground the answer on (1-10, default 5)")),
		),
		mcpAskManual(deps),
	)

	s.AddTool(
		mcp.NewTool("search_passages",
			mcp.WithDescription("Semantically search indexed manual passages and return the raw matches without composing an answer."),
			mcp.WithString("question", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("model", mcp.Description("Equipment model"), mcp.Required()),
			mcp.WithString("brand", mcp.Description("Equipment brand")),
			mcp.WithNumber("top_k", mcp.Description("Maximum number of passages (1-10, default 5)")),
		),
		mcpSearchPassages(deps),
	)

	s.AddTool(
		mcp.NewTool("list_manuals",
			mcp.WithDescription("List service manuals in the catalog with their indexing status."),
			mcp.WithString("model", mcp.Description("Filter by equipment model substring")),
			mcp.WithString("brand", mcp.Description("Filter by brand substring")),
		),
		mcpListManuals(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"manuals://catalog",
			"Manual Catalog",
			mcp.WithResourceDescription("All manuals and their indexing state as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCatalog(deps),
	)

	return s
}

func mcpAskManual(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		model, err := req.RequireString("model")
		if err != nil {
			return mcpError("model is required"), nil
		}

		ans, err := deps.Answers.Ask(ctx, answer.Request{
			Question: question,
			Model:    model,
			Brand:    req.GetString("brand", ""),
			TopK:     req.GetInt("top_k", 0),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("answering failed: %v", err)), nil
		}

		text := ans.Answer
		if len(ans.Sources) > 0 {
			var b strings.Builder
			b.WriteString(text)
			b.WriteString("\n\nSources:\n")
			for _, src := range ans.Sources {
				if src.Section != "" {
					fmt.Fprintf(&b, "- Page %d, Section: %s\n", src.Page, src.Section)
				} else {
					fmt.Fprintf(&b, "- Page %d\n", src.Page)
				}
			}
			text = strings.TrimRight(b.String(), "\n")
		}

		return mcpText(text), nil
	}
}

func mcpSearchPassages(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		model, err := req.RequireString("model")
		if err != nil {
			return mcpError("model is required"), nil
		}
		brand := req.GetString("brand", "")

		topK := req.GetInt("top_k", 5)
		if topK <= 0 {
			topK = 5
		}
		if topK > 10 {
			topK = 10
		}

		manual, err := deps.Searcher.FindIndexedManual(ctx, model, brand)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpText("No indexed manual found for this equipment."), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("manual lookup failed: %v", err)), nil
		}

		vector, err := deps.Embedder.EmbedQuery(ctx, question)
		if err != nil {
			return mcpError(fmt.Sprintf("embedding query failed: %v", err)), nil
		}

		results, err := deps.Searcher.Search(ctx, vector, model, brand, topK)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(results) == 0 {
			return mcpText("No matching passages found."), nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Manual: %s (%s %s)\n", manual.Filename, manual.Brand, manual.Model)
		for i, res := range results {
			p := res.Passage
			fmt.Fprintf(&b, "\n[%d] Page %d", i+1, p.PageNumber)
			if p.Section != "" {
				fmt.Fprintf(&b, ", Section: %s", p.Section)
			}
			b.WriteString("\n")
			b.WriteString(strings.TrimSpace(p.Content))
			b.WriteString("\n")
		}

		return mcpText(strings.TrimRight(b.String(), "\n")), nil
	}
}

func mcpListManuals(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filter := storage.ManualFilter{
			Brand: req.GetString("brand", ""),
			Model: req.GetString("model", ""),
		}

		manuals, err := deps.Store.ListManuals(filter)
		if err != nil {
			return mcpError(fmt.Sprintf("listing manuals failed: %v", err)), nil
		}
		if len(manuals) == 0 {
			return mcpText("No manuals found."), nil
		}

		var b strings.Builder
		for _, m := range manuals {
			fmt.Fprintf(&b, "- [%s] %s %s", m.IndexingStatus, m.Brand, m.Model)
			if m.EquipmentType != "" {
				fmt.Fprintf(&b, " (%s)", m.EquipmentType)
			}
			fmt.Fprintf(&b, ": %s, id %s\n", m.Filename, m.ID)
		}

		return mcpText(strings.TrimRight(b.String(), "\n")), nil
	}
}

func mcpResourceCatalog(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		manuals, err := deps.Store.ListManuals(storage.ManualFilter{})
		if err != nil {
			return nil, fmt.Errorf("failed to list manuals: %w", err)
		}

		catalog := make([]manualPayload, len(manuals))
		for i, m := range manuals {
			catalog[i] = toManualPayload(m)
		}

		b, err := json.Marshal(catalog)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal catalog: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
