package indexing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/manuald/internal/chunker"
	"github.com/kalambet/manuald/internal/extract"
	"github.com/kalambet/manuald/internal/storage"
)

// JobTypeIndexManual is the queue kind for manual indexing runs.
const JobTypeIndexManual = "index_manual"

// ErrNoPassages is returned when a readable PDF yields no chunkable text.
var ErrNoPassages = errors.New("no text chunks were generated from this PDF")

// ManualStore covers the storage operations indexing needs.
type ManualStore interface {
	GetManual(id string) (storage.Manual, error)
	CompleteIndexing(manualID string, passages []storage.Passage) error
	MarkIndexingFailed(id string, errMsg string) error
	EnqueueJob(job storage.Job) error
}

// TextEmbedder embeds passage texts, one vector per input, order preserved.
type TextEmbedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// IndexInvalidator drops cached vector indexes after passages change.
type IndexInvalidator interface {
	Invalidate(manualID string)
}

// PageExtractor turns a PDF file into ordered page records.
type PageExtractor interface {
	ExtractPages(path string) ([]extract.Page, error)
}

type pdfExtractor struct{}

func (pdfExtractor) ExtractPages(path string) ([]extract.Page, error) {
	return extract.ExtractPages(path)
}

// IndexerConfig bundles the dependencies and tuning for an Indexer. Extractor,
// Chunker, Heuristics and Logger are optional and default sensibly.
type IndexerConfig struct {
	Store      ManualStore
	Embedder   TextEmbedder
	Vectors    IndexInvalidator
	Extractor  PageExtractor
	Chunker    *chunker.Chunker
	Heuristics extract.Heuristics
	Logger     *slog.Logger
}

// Indexer runs the extract, section, chunk, embed, store pipeline for one
// manual at a time per manual id.
type Indexer struct {
	store     ManualStore
	embedder  TextEmbedder
	vectors   IndexInvalidator
	extractor PageExtractor
	chunker   *chunker.Chunker
	heur      extract.Heuristics
	locks     *keyedMutex
	logger    *slog.Logger
}

// NewIndexer creates an Indexer from cfg.
func NewIndexer(cfg IndexerConfig) *Indexer {
	extractor := cfg.Extractor
	if extractor == nil {
		extractor = pdfExtractor{}
	}
	ch := cfg.Chunker
	if ch == nil {
		ch = chunker.New(0, 0)
	}
	heur := cfg.Heuristics
	if heur == (extract.Heuristics{}) {
		heur = extract.DefaultHeuristics()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		store:     cfg.Store,
		embedder:  cfg.Embedder,
		vectors:   cfg.Vectors,
		extractor: extractor,
		chunker:   ch,
		heur:      heur,
		locks:     newKeyedMutex(),
		logger:    logger,
	}
}

// Index runs one full indexing attempt for the manual and blocks until it
// finishes. The outcome lands on the manual row: complete with replaced
// passages, or failed with the error message. The error is also returned.
// Runs for the same manual are serialized; an empty filePath falls back to
// the stored one.
func (ix *Indexer) Index(ctx context.Context, manualID, filePath string) error {
	unlock := ix.locks.lock(manualID)
	defer unlock()

	if err := ix.index(ctx, manualID, filePath); err != nil {
		ix.logger.Warn("manual indexing failed", "manual_id", manualID, "error", err)
		if markErr := ix.store.MarkIndexingFailed(manualID, err.Error()); markErr != nil {
			ix.logger.Error("recording indexing failure failed", "manual_id", manualID, "error", markErr)
		}
		return err
	}
	return nil
}

func (ix *Indexer) index(ctx context.Context, manualID, filePath string) error {
	manual, err := ix.store.GetManual(manualID)
	if err != nil {
		return fmt.Errorf("loading manual %s: %w", manualID, err)
	}
	if filePath == "" {
		filePath = manual.FilePath
	}
	if _, err := os.Stat(filePath); err != nil {
		return fmt.Errorf("manual file does not exist: %s", filePath)
	}

	pages, err := ix.extractor.ExtractPages(filePath)
	if err != nil {
		return err
	}

	sections := extract.AssignSections(pages, ix.heur)
	chunkPages := make([]chunker.Page, len(pages))
	for i, p := range pages {
		chunkPages[i] = chunker.Page{Number: p.Number, Section: sections[i], Text: p.Text}
	}

	chunks := ix.chunker.ChunkPages(chunkPages)
	if len(chunks) == 0 {
		return ErrNoPassages
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	vectors, err := ix.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding passages: %w", err)
	}

	now := time.Now().UTC()
	passages := make([]storage.Passage, len(chunks))
	for i, ch := range chunks {
		passages[i] = storage.Passage{
			ID:         uuid.NewString(),
			ManualID:   manualID,
			PageNumber: ch.Page,
			Section:    ch.Section,
			Content:    ch.Text,
			Embedding:  vectors[i],
			CreatedAt:  now,
		}
	}

	if err := ix.store.CompleteIndexing(manualID, passages); err != nil {
		return fmt.Errorf("storing passages: %w", err)
	}
	ix.vectors.Invalidate(manualID)

	ix.logger.Info("manual indexed",
		"manual_id", manualID, "pages", len(pages), "passages", len(passages))
	return nil
}

type indexPayload struct {
	ManualID string `json:"manual_id"`
	FilePath string `json:"file_path"`
}

// StartIndexing enqueues a background indexing job for the manual and returns
// immediately. Failures of the indexing run itself never reach the caller;
// they are recorded on the manual row and the job. Jobs get a single attempt,
// retries happen inside the embedding client only.
func (ix *Indexer) StartIndexing(manualID, filePath string) error {
	payload, err := json.Marshal(indexPayload{ManualID: manualID, FilePath: filePath})
	if err != nil {
		return fmt.Errorf("encoding job payload: %w", err)
	}
	job := storage.Job{
		ID:          uuid.NewString(),
		Type:        JobTypeIndexManual,
		PayloadJSON: string(payload),
		MaxAttempts: 1,
	}
	if err := ix.store.EnqueueJob(job); err != nil {
		return fmt.Errorf("enqueueing indexing job: %w", err)
	}
	return nil
}
