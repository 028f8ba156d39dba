package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/manuald/internal/config"
)

// Wire shapes mirrored from the server's JSON payloads.

type manualResult struct {
	ID             string `json:"id"`
	Filename       string `json:"filename"`
	Brand          string `json:"brand"`
	Model          string `json:"model"`
	EquipmentType  string `json:"equipment_type,omitempty"`
	IndexingStatus string `json:"indexing_status"`
	IndexingError  string `json:"indexing_error,omitempty"`
	IndexedAt      string `json:"indexed_at,omitempty"`
	CreatedAt      string `json:"created_at"`
}

type sourceResult struct {
	Page    int    `json:"page"`
	Section string `json:"section"`
	Excerpt string `json:"excerpt"`
}

type queryResult struct {
	Tier            string         `json:"tier"`
	Answer          string         `json:"answer"`
	Sources         []sourceResult `json:"sources"`
	ManualUsed      *manualResult  `json:"manual_used,omitempty"`
	ManualAvailable bool           `json:"manual_available"`
	Cached          bool           `json:"cached,omitempty"`
}

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file.pdf>",
	Short: "Upload a service manual PDF for indexing",
	Long: `Upload a service manual PDF for indexing.

The server stores the file, creates a manual record, and indexes it in
the background. Check progress with "manuald manuals show <id>".

Example:
  manuald upload combi-500-service.pdf --brand AcmeCo --model Combi-500`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		brand, _ := cmd.Flags().GetString("brand")
		model, _ := cmd.Flags().GetString("model")
		equipmentType, _ := cmd.Flags().GetString("type")

		if brand == "" {
			return fmt.Errorf("--brand is required")
		}
		if model == "" {
			return fmt.Errorf("--model is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.postFile(cmd.Context(), "/v1/manuals", args[0], map[string]string{
			"brand":          brand,
			"model":          model,
			"equipment_type": equipmentType,
		})
		if err != nil {
			return err
		}

		var manual manualResult
		if err := decodeJSON(resp, &manual); err != nil {
			return err
		}

		printSuccess("Uploaded %s (manual %s)", manual.Filename, manual.ID)
		printStatus("Status", "%s — indexing runs in the background", manual.IndexingStatus)
		return nil
	},
}

func init() {
	uploadCmd.Flags().String("brand", "", "equipment brand (required)")
	uploadCmd.Flags().String("model", "", "equipment model (required)")
	uploadCmd.Flags().String("type", "", "equipment type, e.g. combi-oven")
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a repair question against the indexed manuals",
	Long: `Ask a repair question against the indexed manuals.

Example:
  manuald ask "How do I clear error E24?" --brand AcmeCo --model Combi-500`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		model, _ := cmd.Flags().GetString("model")
		brand, _ := cmd.Flags().GetString("brand")
		topK, _ := cmd.Flags().GetInt("top-k")
		asJSON, _ := cmd.Flags().GetBool("json")

		if model == "" {
			return fmt.Errorf("--model is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{
			"question": question,
			"model":    model,
		}
		if brand != "" {
			body["brand"] = brand
		}
		if topK > 0 {
			body["top_k"] = topK
		}

		resp, err := client.post(cmd.Context(), "/v1/query", body)
		if err != nil {
			return err
		}

		var result queryResult
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		}

		fmt.Println(result.Answer)

		if !result.ManualAvailable {
			printWarning("No indexed manual matched — answer is best-effort only")
		} else if result.ManualUsed != nil {
			printStatus("Manual", "%s %s (%s)", result.ManualUsed.Brand, result.ManualUsed.Model, result.ManualUsed.Filename)
		}
		if result.Cached {
			printStatus("Cached", "served from the answer cache")
		}
		for i, s := range result.Sources {
			fmt.Printf("\n%s Page %d", colorize(colorBold, fmt.Sprintf("[Source %d]", i+1)), s.Page)
			if s.Section != "" {
				fmt.Printf(", Section: %s", s.Section)
			}
			fmt.Printf("\n  %s\n", s.Excerpt)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().String("model", "", "equipment model (required)")
	askCmd.Flags().String("brand", "", "equipment brand")
	askCmd.Flags().Int("top-k", 0, "number of passages to ground the answer on (1-10)")
	askCmd.Flags().Bool("json", false, "print the raw JSON response")
}

// --- manuals ---

var manualsCmd = &cobra.Command{
	Use:   "manuals",
	Short: "Manage uploaded manuals",
}

var manualsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List manuals",
	RunE: func(cmd *cobra.Command, args []string) error {
		brand, _ := cmd.Flags().GetString("brand")
		model, _ := cmd.Flags().GetString("model")
		status, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		params := url.Values{}
		if brand != "" {
			params.Set("brand", brand)
		}
		if model != "" {
			params.Set("model", model)
		}
		if status != "" {
			params.Set("status", status)
		}
		path := "/v1/manuals"
		if len(params) > 0 {
			path += "?" + params.Encode()
		}

		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var manuals []manualResult
		if err := decodeJSON(resp, &manuals); err != nil {
			return err
		}

		if len(manuals) == 0 {
			fmt.Println("No manuals found.")
			return nil
		}

		for _, m := range manuals {
			status := m.IndexingStatus
			switch status {
			case "complete":
				status = colorize(colorGreen, status)
			case "failed":
				status = colorize(colorRed, status)
			default:
				status = colorize(colorYellow, status)
			}
			fmt.Printf("%s  %-10s  %s %s  %s\n",
				colorize(colorCyan, m.ID[:8]), status, m.Brand, m.Model, m.Filename)
		}
		return nil
	},
}

var manualsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one manual as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/manuals/"+args[0])
		if err != nil {
			return err
		}

		var manual any
		if err := decodeJSON(resp, &manual); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(manual)
	},
}

var manualsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a manual and its passages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/v1/manuals/"+args[0])
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return fmt.Errorf("server returned %d", resp.StatusCode)
		}

		printSuccess("Deleted manual %s", args[0])
		return nil
	},
}

var manualsReindexCmd = &cobra.Command{
	Use:   "reindex <id>",
	Short: "Re-run indexing for a manual",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("manual id is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/manuals/"+args[0]+"/reindex", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Reindexing manual %s (status: %s)", args[0], result["status"])
		return nil
	},
}

var manualsPassagesCmd = &cobra.Command{
	Use:   "passages <id>",
	Short: "List a manual's indexed passages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/v1/manuals/%s/passages?limit=%d&offset=%d", args[0], limit, offset)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var passages []struct {
			ID         string `json:"id"`
			PageNumber int    `json:"page_number"`
			Section    string `json:"section"`
			Content    string `json:"content"`
		}
		if err := decodeJSON(resp, &passages); err != nil {
			return err
		}

		if len(passages) == 0 {
			fmt.Println("No passages found.")
			return nil
		}

		for _, p := range passages {
			header := fmt.Sprintf("Page %d", p.PageNumber)
			if p.Section != "" {
				header += " — " + p.Section
			}
			fmt.Printf("\n%s\n", colorize(colorBold, header))
			content := p.Content
			if len(content) > 300 {
				content = content[:300] + "..."
			}
			fmt.Printf("  %s\n", content)
		}
		return nil
	},
}

func init() {
	manualsListCmd.Flags().String("brand", "", "filter by brand (substring)")
	manualsListCmd.Flags().String("model", "", "filter by model (substring)")
	manualsListCmd.Flags().String("status", "", "filter by indexing status (pending, complete, failed)")
	manualsPassagesCmd.Flags().Int("limit", 20, "maximum number of passages to list")
	manualsPassagesCmd.Flags().Int("offset", 0, "number of passages to skip")

	manualsCmd.AddCommand(manualsListCmd)
	manualsCmd.AddCommand(manualsShowCmd)
	manualsCmd.AddCommand(manualsDeleteCmd)
	manualsCmd.AddCommand(manualsReindexCmd)
	manualsCmd.AddCommand(manualsPassagesCmd)
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show manuald server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			printError("config error: %v", err)
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/health")
		if err != nil {
			printStatus("Server", "stopped")
			printStatus("Data dir", "%s", cfg.Storage.DataDir)
			return nil
		}

		var health struct {
			Status   string `json:"status"`
			Manuals  int    `json:"manuals"`
			Passages int    `json:"passages"`
		}
		if err := decodeJSON(resp, &health); err != nil {
			printStatus("Server", "error (%v)", err)
			return nil
		}

		printStatus("Server", "running on %s", cfg.Server.Addr)
		printStatus("Manuals", "%d", health.Manuals)
		printStatus("Passages", "%d", health.Passages)
		printStatus("Embedding model", "%s", cfg.Embedding.Model)
		printStatus("Answer model", "%s", cfg.Answer.Model)
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
