package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/manuald/internal/storage"
	"github.com/kalambet/manuald/internal/vectorstore"
)

const (
	defaultTopK   = 5
	maxExcerptLen = 320
)

// Notes appended to fallback answers so the caller can see why the response
// is not grounded in a manual.
const (
	noteNoManual    = "\n\nNote: No indexed manual was found for this model."
	noteNoEmbedding = "\n\nNote: Manual is indexed but semantic retrieval was unavailable for this request."
	noteNoMatches   = "\n\nNote: Manual is indexed but no sufficiently relevant excerpts were found for this question."
)

// GenerationError marks failures of the upstream generation API, letting
// callers map them to gateway errors instead of internal ones.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return e.Err.Error()
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// ResultType tags how an answer was produced.
type ResultType string

const (
	ResultGrounded            ResultType = "grounded"
	ResultFallbackNoManual    ResultType = "fallback-no-manual"
	ResultFallbackNoEmbedding ResultType = "fallback-no-embedding"
	ResultFallbackNoMatches   ResultType = "fallback-no-matches"
)

// Request is one equipment question. Model is required; Brand narrows the
// manual lookup and TopK bounds how many passages ground the answer.
type Request struct {
	Question string `json:"question"`
	Model    string `json:"model"`
	Brand    string `json:"brand,omitempty"`
	TopK     int    `json:"top_k,omitempty"`
}

// Source is one cited excerpt backing a grounded answer.
type Source struct {
	Page    int    `json:"page"`
	Section string `json:"section"`
	Excerpt string `json:"excerpt"`
}

// ManualRef identifies the manual an answer drew from.
type ManualRef struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Brand    string `json:"brand"`
	Model    string `json:"model"`
}

// Answer is the composed response for one question.
type Answer struct {
	Type            ResultType `json:"tier"`
	Answer          string     `json:"answer"`
	Sources         []Source   `json:"sources"`
	ManualUsed      *ManualRef `json:"manual_used,omitempty"`
	ManualAvailable bool       `json:"manual_available"`
	Cached          bool       `json:"cached,omitempty"`
}

// Retriever finds indexed manuals and searches their passages.
type Retriever interface {
	FindIndexedManual(ctx context.Context, model, brand string) (storage.Manual, error)
	Search(ctx context.Context, queryVector []float32, model, brand string, topK int) ([]vectorstore.Result, error)
}

// QueryEmbedder turns a question into a query vector.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// ServiceConfig bundles the dependencies and settings for the answer service.
// Store is only needed when the cache is enabled.
type ServiceConfig struct {
	Retriever    Retriever
	Embedder     QueryEmbedder
	Composer     *Composer
	Store        *storage.Store
	CacheEnabled bool
	CacheSize    int
	DefaultTopK  int
	Logger       *slog.Logger
}

// Service answers equipment questions, grounding them in indexed manual
// passages when possible and degrading to a best-effort fallback otherwise.
type Service struct {
	retriever Retriever
	embedder  QueryEmbedder
	composer  *Composer
	cache     *answerCache
	topK      int
	logger    *slog.Logger
}

// NewService creates a Service from cfg.
func NewService(cfg ServiceConfig) (*Service, error) {
	topK := cfg.DefaultTopK
	if topK <= 0 {
		topK = defaultTopK
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		retriever: cfg.Retriever,
		embedder:  cfg.Embedder,
		composer:  cfg.Composer,
		topK:      topK,
		logger:    logger,
	}
	if cfg.CacheEnabled {
		cache, err := newAnswerCache(cfg.Store, cfg.CacheSize, cfg.Composer.Model())
		if err != nil {
			return nil, fmt.Errorf("creating answer cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

// Ask answers a question about a specific equipment model. Identical queries
// are served from the cache when it is enabled.
func (s *Service) Ask(ctx context.Context, req Request) (Answer, error) {
	req.Question = strings.TrimSpace(req.Question)
	req.Model = strings.TrimSpace(req.Model)
	req.Brand = strings.TrimSpace(req.Brand)
	if req.Question == "" {
		return Answer{}, errors.New("question must not be empty")
	}
	if req.Model == "" {
		return Answer{}, errors.New("model must not be empty")
	}
	if req.TopK <= 0 {
		req.TopK = s.topK
	}

	var hash string
	if s.cache != nil {
		hash = s.cache.hash(req)
		if ans, ok := s.cache.get(hash); ok {
			ans.Cached = true
			return ans, nil
		}
	}

	ans, err := s.answer(ctx, req)
	if err != nil {
		return Answer{}, err
	}

	if s.cache != nil {
		if err := s.cache.put(hash, req, ans); err != nil {
			s.logger.Warn("caching answer failed", "error", err)
		}
	}
	return ans, nil
}

// answer walks the grounding tiers: no indexed manual, embedding unavailable,
// no relevant passages, and finally a grounded answer with sources.
func (s *Service) answer(ctx context.Context, req Request) (Answer, error) {
	manual, err := s.retriever.FindIndexedManual(ctx, req.Model, req.Brand)
	if errors.Is(err, storage.ErrNotFound) {
		text, fbErr := s.composer.AnswerFallback(ctx, req.Question, req.Brand, req.Model)
		if fbErr != nil {
			return Answer{}, &GenerationError{Err: fmt.Errorf("generating fallback answer: %w", fbErr)}
		}
		return Answer{
			Type:    ResultFallbackNoManual,
			Answer:  text + noteNoManual,
			Sources: []Source{},
		}, nil
	}
	if err != nil {
		return Answer{}, fmt.Errorf("looking up indexed manual: %w", err)
	}

	ref := &ManualRef{
		ID:       manual.ID,
		Filename: manual.Filename,
		Brand:    manual.Brand,
		Model:    manual.Model,
	}

	vec, embErr := s.embedder.EmbedQuery(ctx, req.Question)
	if embErr != nil {
		s.logger.Warn("query embedding failed, answering without retrieval",
			"manual_id", manual.ID, "error", embErr)
		text, fbErr := s.composer.AnswerFallback(ctx, req.Question, req.Brand, req.Model)
		if fbErr != nil {
			return Answer{}, &GenerationError{Err: fmt.Errorf("generating query embedding (%v) and fallback answer also failed (%v)", embErr, fbErr)}
		}
		return Answer{
			Type:            ResultFallbackNoEmbedding,
			Answer:          text + noteNoEmbedding,
			Sources:         []Source{},
			ManualUsed:      ref,
			ManualAvailable: true,
		}, nil
	}

	results, err := s.retriever.Search(ctx, vec, req.Model, req.Brand, req.TopK)
	if err != nil {
		return Answer{}, fmt.Errorf("searching passages: %w", err)
	}

	if len(results) == 0 {
		text, fbErr := s.composer.AnswerFallback(ctx, req.Question, req.Brand, req.Model)
		if fbErr != nil {
			return Answer{}, &GenerationError{Err: fmt.Errorf("generating fallback answer: %w", fbErr)}
		}
		return Answer{
			Type:            ResultFallbackNoMatches,
			Answer:          text + noteNoMatches,
			Sources:         []Source{},
			ManualUsed:      ref,
			ManualAvailable: true,
		}, nil
	}

	excerpts := make([]Excerpt, len(results))
	sources := make([]Source, len(results))
	for i, r := range results {
		excerpts[i] = Excerpt{
			Page:    r.Passage.PageNumber,
			Section: r.Passage.Section,
			Text:    r.Passage.Content,
		}
		sources[i] = Source{
			Page:    r.Passage.PageNumber,
			Section: r.Passage.Section,
			Excerpt: truncateRunes(r.Passage.Content, maxExcerptLen),
		}
	}

	text, err := s.composer.AnswerWithContext(ctx, req.Question, excerpts)
	if err != nil {
		return Answer{}, &GenerationError{Err: fmt.Errorf("generating grounded answer: %w", err)}
	}

	return Answer{
		Type:            ResultGrounded,
		Answer:          text,
		Sources:         sources,
		ManualUsed:      ref,
		ManualAvailable: true,
	}, nil
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
