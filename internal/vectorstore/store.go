package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/manuald/internal/storage"
)

const (
	// Hard ceiling on results per query, matching the API contract.
	maxTopK = 10
)

// Options tunes the in-memory index layer. The zero value uses defaults.
type Options struct {
	// FlatThreshold is the passage count below which a manual is scanned
	// exhaustively instead of through the coarse quantizer.
	FlatThreshold int
	// NProbe is how many coarse lists quantized indexes scan per query.
	NProbe int
}

// Store answers similarity queries over indexed manuals. Per-manual indexes
// are built lazily from the passages table and dropped on Invalidate, so
// reads always reflect the last completed indexing run.
type Store struct {
	db   *sql.DB
	opts Options

	mu      sync.RWMutex
	indexes map[string]manualIndex
}

// Result is one search hit, ordered by ascending cosine distance.
type Result struct {
	Passage  storage.Passage
	Distance float32
}

func New(db *sql.DB, opts Options) *Store {
	return &Store{db: db, opts: opts, indexes: make(map[string]manualIndex)}
}

// FindIndexedManual resolves the most recently indexed manual matching the
// model (and brand, when given), preferring newer indexing runs. Matching is
// case-insensitive and exact. Returns storage.ErrNotFound when no indexed
// manual matches.
func (s *Store) FindIndexedManual(ctx context.Context, model, brand string) (storage.Manual, error) {
	query := `
		SELECT id, filename, brand, model, equipment_type, file_path, indexing_status, indexing_error, indexed_at, created_at
		FROM manuals
		WHERE lower(model) = lower(?) AND indexing_status = ? AND indexed_at IS NOT NULL`
	args := []any{model, storage.StatusComplete}
	if brand != "" {
		query += ` AND lower(brand) = lower(?)`
		args = append(args, brand)
	}
	query += ` ORDER BY indexed_at DESC, created_at DESC LIMIT 1`

	var (
		m             storage.Manual
		equipmentType sql.NullString
		indexingError sql.NullString
		indexedAt     sql.NullString
		createdAt     string
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&m.ID, &m.Filename, &m.Brand, &m.Model, &equipmentType, &m.FilePath,
		&m.IndexingStatus, &indexingError, &indexedAt, &createdAt,
	)
	if err == sql.ErrNoRows {
		return storage.Manual{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Manual{}, fmt.Errorf("querying indexed manual: %w", err)
	}

	m.EquipmentType = equipmentType.String
	m.IndexingError = indexingError.String
	if indexedAt.Valid {
		t, err := time.Parse(time.RFC3339, indexedAt.String)
		if err != nil {
			return storage.Manual{}, fmt.Errorf("parsing indexed_at: %w", err)
		}
		m.IndexedAt = &t
	}
	if m.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return storage.Manual{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return m, nil
}

// Search returns up to topK passages nearest to queryVector across every
// eligible manual for the model/brand pair, ordered by ascending cosine
// distance. An empty result is not an error.
func (s *Store) Search(ctx context.Context, queryVector []float32, model, brand string, topK int) ([]Result, error) {
	if topK < 1 {
		topK = 1
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	query := unitNorm(queryVector)
	if isZero(query) {
		return nil, nil
	}

	manualIDs, err := s.eligibleManualIDs(ctx, model, brand)
	if err != nil {
		return nil, err
	}
	if len(manualIDs) == 0 {
		return nil, nil
	}

	merged := newBoundedHeap(topK)
	for _, id := range manualIDs {
		idx, err := s.indexFor(ctx, id)
		if err != nil {
			return nil, err
		}
		if idx.size() == 0 {
			continue
		}
		for _, c := range idx.search(query, topK) {
			merged.offer(c)
		}
	}

	top := merged.ascending()
	if len(top) == 0 {
		return nil, nil
	}

	ids := make([]string, len(top))
	distances := make(map[string]float32, len(top))
	for i, c := range top {
		ids[i] = c.id
		distances[c.id] = c.distance
	}
	passages, err := s.passagesByID(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(passages))
	for _, p := range passages {
		results = append(results, Result{Passage: p, Distance: distances[p.ID]})
	}
	sortByDistance(results)
	return results, nil
}

// Invalidate drops the cached index for a manual. Call after its passages
// are replaced or removed.
func (s *Store) Invalidate(manualID string) {
	s.mu.Lock()
	delete(s.indexes, manualID)
	s.mu.Unlock()
}

func (s *Store) eligibleManualIDs(ctx context.Context, model, brand string) ([]string, error) {
	query := `
		SELECT id FROM manuals
		WHERE lower(model) = lower(?) AND indexing_status = ? AND indexed_at IS NOT NULL`
	args := []any{model, storage.StatusComplete}
	if brand != "" {
		query += ` AND lower(brand) = lower(?)`
		args = append(args, brand)
	}
	query += ` ORDER BY indexed_at DESC, created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying eligible manuals: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning manual id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// indexFor returns the manual's index, building it from the passages table
// on first use.
func (s *Store) indexFor(ctx context.Context, manualID string) (manualIndex, error) {
	s.mu.RLock()
	idx, ok := s.indexes[manualID]
	s.mu.RUnlock()
	if ok {
		return idx, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.indexes[manualID]; ok {
		return idx, nil
	}

	ids, vecs, err := s.loadVectors(ctx, manualID)
	if err != nil {
		return nil, err
	}
	idx = buildIndex(ids, vecs, s.opts.FlatThreshold, s.opts.NProbe)
	s.indexes[manualID] = idx
	return idx, nil
}

func (s *Store) loadVectors(ctx context.Context, manualID string) ([]string, [][]float32, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding FROM passages WHERE manual_id = ?`, manualID)
	if err != nil {
		return nil, nil, fmt.Errorf("querying vectors for manual %s: %w", manualID, err)
	}
	defer rows.Close()

	var (
		ids  []string
		vecs [][]float32
	)
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, nil, fmt.Errorf("scanning vector row: %w", err)
		}
		vec, err := storage.DecodeVector(blob)
		if err != nil {
			return nil, nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		ids = append(ids, id)
		vecs = append(vecs, vec)
	}
	return ids, vecs, rows.Err()
}

func (s *Store) passagesByID(ctx context.Context, ids []string) ([]storage.Passage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `
		SELECT id, manual_id, page_number, section, content, embedding, created_at
		FROM passages WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching passages: %w", err)
	}
	defer rows.Close()

	var passages []storage.Passage
	for rows.Next() {
		var p storage.Passage
		var blob []byte
		var createdAt string
		if err := rows.Scan(&p.ID, &p.ManualID, &p.PageNumber, &p.Section, &p.Content, &blob, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning passage: %w", err)
		}
		if p.Embedding, err = storage.DecodeVector(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", p.ID, err)
		}
		if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		passages = append(passages, p)
	}
	return passages, rows.Err()
}

// sortByDistance orders results ascending. Insertion sort; result sets are
// never larger than maxTopK.
func sortByDistance(results []Result) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Distance < results[j-1].Distance; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

func isZero(v []float32) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}
