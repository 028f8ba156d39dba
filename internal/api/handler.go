package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/manuald/internal/answer"
	"github.com/kalambet/manuald/internal/storage"
)

const defaultMaxUploadBytes = 50 << 20 // 50MB
const maxQueryBodySize = 1 << 20       // 1MB
const maxMultipartMemory = 8 << 20     // form parts kept in memory before spilling to disk

// ManualAnswerer abstracts answer generation for the API layer.
type ManualAnswerer interface {
	Ask(ctx context.Context, req answer.Request) (answer.Answer, error)
}

// IndexScheduler abstracts indexing job submission for the API layer.
type IndexScheduler interface {
	StartIndexing(manualID, filePath string) error
}

// VectorInvalidator abstracts vector index cleanup for the API layer.
type VectorInvalidator interface {
	Invalidate(manualID string)
}

type AppDeps struct {
	Store          *storage.Store
	Answers        ManualAnswerer
	Scheduler      IndexScheduler
	Vectors        VectorInvalidator // optional; if nil, index cleanup is skipped on delete
	ManualsDir     string
	MaxUploadBytes int64  // defaults to 50MB when zero
	Token          string // empty disables authentication
}

func NewAppHandler(deps AppDeps) http.Handler {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = defaultMaxUploadBytes
	}

	r := chi.NewRouter()

	// Health stays reachable without a token so probes keep working.
	r.Get("/v1/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}

		r.Post("/v1/manuals", handleUploadManual(deps))
		r.Get("/v1/manuals", handleListManuals(deps))
		r.Get("/v1/manuals/{id}", handleGetManual(deps))
		r.Delete("/v1/manuals/{id}", handleDeleteManual(deps))
		r.Get("/v1/manuals/{id}/file", handleManualFile(deps))
		r.Get("/v1/manuals/{id}/passages", handleListPassages(deps))
		r.Post("/v1/manuals/{id}/reindex", handleReindexManual(deps))
		r.Post("/v1/query", handleQuery(deps))
	})

	return r
}

// manualPayload is the wire form of a manual. FilePath stays server-side.
type manualPayload struct {
	ID             string     `json:"id"`
	Filename       string     `json:"filename"`
	Brand          string     `json:"brand"`
	Model          string     `json:"model"`
	EquipmentType  string     `json:"equipment_type,omitempty"`
	IndexingStatus string     `json:"indexing_status"`
	IndexingError  string     `json:"indexing_error,omitempty"`
	IndexedAt      *time.Time `json:"indexed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func toManualPayload(m storage.Manual) manualPayload {
	return manualPayload{
		ID:             m.ID,
		Filename:       m.Filename,
		Brand:          m.Brand,
		Model:          m.Model,
		EquipmentType:  m.EquipmentType,
		IndexingStatus: m.IndexingStatus,
		IndexingError:  m.IndexingError,
		IndexedAt:      m.IndexedAt,
		CreatedAt:      m.CreatedAt,
	}
}

// passagePayload is the wire form of a passage. Embeddings stay server-side.
type passagePayload struct {
	ID         string    `json:"id"`
	ManualID   string    `json:"manual_id"`
	PageNumber int       `json:"page_number"`
	Section    string    `json:"section,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// sanitizeFilename reduces a client-supplied filename to a conservative
// character set. Empty input falls back to manual.pdf.
func sanitizeFilename(name string) string {
	safe := unsafeFilenameChars.ReplaceAllString(strings.TrimSpace(name), "_")
	if safe == "" {
		return "manual.pdf"
	}
	return safe
}

func handleUploadManual(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxUploadBytes)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "upload exceeds the %d byte limit", maxErr.Limit)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form: %v", err)
			return
		}

		brand := strings.TrimSpace(r.FormValue("brand"))
		model := strings.TrimSpace(r.FormValue("model"))
		if brand == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "brand is required")
			return
		}
		if model == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file is required")
			return
		}
		defer file.Close()

		if !strings.HasSuffix(strings.ToLower(header.Filename), ".pdf") {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "only PDF files are allowed")
			return
		}

		if err := os.MkdirAll(deps.ManualsDir, 0o755); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "preparing manuals directory: %v", err)
			return
		}

		id := uuid.New().String()
		safeName := sanitizeFilename(header.Filename)
		destPath := filepath.Join(deps.ManualsDir, id+"_"+safeName)

		if err := writeUpload(destPath, file); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving manual file: %v", err)
			return
		}

		manual := storage.Manual{
			ID:             id,
			Filename:       safeName,
			Brand:          brand,
			Model:          model,
			EquipmentType:  strings.TrimSpace(r.FormValue("equipment_type")),
			FilePath:       destPath,
			IndexingStatus: storage.StatusPending,
			CreatedAt:      time.Now().UTC(),
		}
		if err := deps.Store.CreateManual(manual); err != nil {
			_ = os.Remove(destPath)
			httpError(w, http.StatusInternalServerError, "api_error", "saving manual: %v", err)
			return
		}

		if err := deps.Scheduler.StartIndexing(id, destPath); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "queueing indexing: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(toManualPayload(manual))
	}
}

func writeUpload(path string, src io.Reader) error {
	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(path)
		return err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(path)
		return err
	}
	return nil
}

func handleListManuals(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := storage.ManualFilter{
			Brand:         q.Get("brand"),
			Model:         q.Get("model"),
			EquipmentType: q.Get("equipment_type"),
			Status:        q.Get("status"),
		}

		manuals, err := deps.Store.ListManuals(filter)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing manuals: %v", err)
			return
		}

		payload := make([]manualPayload, len(manuals))
		for i, m := range manuals {
			payload[i] = toManualPayload(m)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(payload)
	}
}

func handleGetManual(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		manual, err := deps.Store.GetManual(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "manual not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading manual: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toManualPayload(manual))
	}
}

func handleDeleteManual(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		manual, err := deps.Store.GetManual(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "manual not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading manual: %v", err)
			return
		}

		// File removal is best-effort; the database row is the source of truth.
		if manual.FilePath != "" {
			_ = os.Remove(manual.FilePath)
		}

		if err := deps.Store.DeleteManual(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting manual: %v", err)
			return
		}

		if deps.Vectors != nil {
			deps.Vectors.Invalidate(id)
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func handleManualFile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		manual, err := deps.Store.GetManual(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "manual not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading manual: %v", err)
			return
		}

		f, err := os.Open(manual.FilePath)
		if errors.Is(err, os.ErrNotExist) {
			httpError(w, http.StatusNotFound, "not_found", "PDF file not found on server")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "opening file: %v", err)
			return
		}
		defer f.Close()

		fi, err := f.Stat()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading file: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", manual.Filename))
		http.ServeContent(w, r, manual.Filename, fi.ModTime(), f)
	}
}

func handleListPassages(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, err := deps.Store.GetManual(id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "manual not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "loading manual: %v", err)
			return
		}

		limit := parseIntParam(r, "limit", 100, 500)
		offset := parseIntParam(r, "offset", 0, 0)

		passages, err := deps.Store.ListPassages(id, limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing passages: %v", err)
			return
		}

		payload := make([]passagePayload, len(passages))
		for i, p := range passages {
			payload[i] = passagePayload{
				ID:         p.ID,
				ManualID:   p.ManualID,
				PageNumber: p.PageNumber,
				Section:    p.Section,
				Content:    p.Content,
				CreatedAt:  p.CreatedAt,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(payload)
	}
}

func handleReindexManual(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		manual, err := deps.Store.GetManual(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "manual not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading manual: %v", err)
			return
		}

		if err := deps.Store.ResetManualForIndexing(id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "resetting manual: %v", err)
			return
		}

		if err := deps.Scheduler.StartIndexing(id, manual.FilePath); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "queueing indexing: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"id":     id,
			"status": storage.StatusPending,
		})
	}
}

func handleQuery(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxQueryBodySize)
		defer r.Body.Close()

		var req answer.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		req.Question = strings.TrimSpace(req.Question)
		req.Model = strings.TrimSpace(req.Model)
		req.Brand = strings.TrimSpace(req.Brand)

		if utf8.RuneCountInString(req.Question) < 3 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question must be at least 3 characters")
			return
		}
		if req.Model == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
			return
		}
		if req.TopK < 0 || req.TopK > 10 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "top_k must be between 1 and 10")
			return
		}

		ans, err := deps.Answers.Ask(r.Context(), req)
		if err != nil {
			var genErr *answer.GenerationError
			if errors.As(err, &genErr) {
				httpError(w, http.StatusBadGateway, "api_error", "answer generation failed: %v", err)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "answering query: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ans)
	}
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		manuals, err := deps.Store.CountManuals()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting manuals: %v", err)
			return
		}
		passages, err := deps.Store.CountPassages()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting passages: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"manuals":  manuals,
			"passages": passages,
		})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
