package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// maxIndexingErrorLen bounds the stored indexing error message.
const maxIndexingErrorLen = 2000

// Store wraps a SQLite database with methods for manuals, passages, jobs,
// and the answer cache.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "manuald.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	// Passages are cascade-deleted with their manual.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for read-only collaborators
// (the vector store shares this database).
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Manuals ---

const manualColumns = "id, filename, brand, model, equipment_type, file_path, indexing_status, indexing_error, indexed_at, created_at"

func (s *Store) CreateManual(m Manual) error {
	status := m.IndexingStatus
	if status == "" {
		status = StatusPending
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO manuals (`+manualColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?)`,
		m.ID, m.Filename, m.Brand, m.Model, nullIfEmpty(m.EquipmentType),
		m.FilePath, status, createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetManual(id string) (Manual, error) {
	row := s.db.QueryRow(`SELECT `+manualColumns+` FROM manuals WHERE id = ?`, id)
	return scanManual(row)
}

func (s *Store) ListManuals(f ManualFilter) ([]Manual, error) {
	query := `SELECT ` + manualColumns + ` FROM manuals`
	var conds []string
	var args []any
	if f.Brand != "" {
		conds = append(conds, "lower(brand) LIKE ?")
		args = append(args, "%"+strings.ToLower(f.Brand)+"%")
	}
	if f.Model != "" {
		conds = append(conds, "lower(model) LIKE ?")
		args = append(args, "%"+strings.ToLower(f.Model)+"%")
	}
	if f.EquipmentType != "" {
		conds = append(conds, "lower(equipment_type) LIKE ?")
		args = append(args, "%"+strings.ToLower(f.EquipmentType)+"%")
	}
	if f.Status != "" {
		conds = append(conds, "indexing_status = ?")
		args = append(args, f.Status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Manual
	for rows.Next() {
		m, err := scanManual(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

func (s *Store) DeleteManual(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM passages WHERE manual_id = ?`, id); err != nil {
		return fmt.Errorf("deleting passages: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM manuals WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// ResetManualForIndexing returns a manual to the pending state ahead of a
// fresh indexing attempt, clearing any prior outcome.
func (s *Store) ResetManualForIndexing(id string) error {
	res, err := s.db.Exec(`
		UPDATE manuals SET indexing_status = ?, indexing_error = NULL, indexed_at = NULL WHERE id = ?`,
		StatusPending, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteIndexing atomically replaces all passages of a manual with the
// freshly embedded set and marks the manual complete.
func (s *Store) CompleteIndexing(manualID string, passages []Passage) error {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning indexing transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE manuals SET indexing_status = ?, indexing_error = NULL, indexed_at = ? WHERE id = ?`,
		StatusComplete, now, manualID,
	)
	if err != nil {
		return fmt.Errorf("marking manual complete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(`DELETE FROM passages WHERE manual_id = ?`, manualID); err != nil {
		return fmt.Errorf("deleting old passages: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO passages (id, manual_id, page_number, section, content, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing passage insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range passages {
		createdAt := p.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(
			p.ID, manualID, p.PageNumber, p.Section, p.Content,
			EncodeVector(p.Embedding), createdAt.UTC().Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("inserting passage %s: %w", p.ID, err)
		}
	}

	return tx.Commit()
}

// MarkIndexingFailed records a failed indexing attempt. The error message is
// truncated to 2000 characters; the indexed timestamp is cleared.
func (s *Store) MarkIndexingFailed(id string, errMsg string) error {
	if len(errMsg) > maxIndexingErrorLen {
		errMsg = errMsg[:maxIndexingErrorLen]
	}
	res, err := s.db.Exec(`
		UPDATE manuals SET indexing_status = ?, indexing_error = ?, indexed_at = NULL WHERE id = ?`,
		StatusFailed, errMsg, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CountManuals() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM manuals`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanManual(row rowScanner) (Manual, error) {
	var m Manual
	var equipmentType, indexingError, indexedAt sql.NullString
	var createdAt string
	err := row.Scan(
		&m.ID, &m.Filename, &m.Brand, &m.Model, &equipmentType, &m.FilePath,
		&m.IndexingStatus, &indexingError, &indexedAt, &createdAt,
	)
	if err == sql.ErrNoRows {
		return Manual{}, ErrNotFound
	}
	if err != nil {
		return Manual{}, err
	}
	m.EquipmentType = equipmentType.String
	m.IndexingError = indexingError.String
	if indexedAt.Valid && indexedAt.String != "" {
		t, err := time.Parse(time.RFC3339, indexedAt.String)
		if err != nil {
			return Manual{}, fmt.Errorf("parsing indexed_at: %w", err)
		}
		m.IndexedAt = &t
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Manual{}, fmt.Errorf("parsing created_at: %w", err)
	}
	m.CreatedAt = t
	return m, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// --- Passages ---

// ListPassages returns a manual's passages ordered by page then creation
// time. A non-positive limit returns all rows.
func (s *Store) ListPassages(manualID string, limit, offset int) ([]Passage, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT id, manual_id, page_number, section, content, embedding, created_at
		FROM passages WHERE manual_id = ?
		ORDER BY page_number ASC, created_at ASC
		LIMIT ? OFFSET ?`, manualID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Passage
	for rows.Next() {
		var p Passage
		var embedding []byte
		var createdAt string
		if err := rows.Scan(&p.ID, &p.ManualID, &p.PageNumber, &p.Section, &p.Content, &embedding, &createdAt); err != nil {
			return nil, err
		}
		vec, err := DecodeVector(embedding)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for passage %s: %w", p.ID, err)
		}
		p.Embedding = vec
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		p.CreatedAt = t
		results = append(results, p)
	}
	return results, rows.Err()
}

func (s *Store) CountPassages() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM passages`).Scan(&n)
	return n, err
}

// --- Jobs ---

func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

func (s *Store) GetJob(id string) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err := s.db.QueryRow(`
		SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts, &runAfter, &createdAt, &updatedAt, &lastError)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return Job{}, fmt.Errorf("parsing run_after: %w", err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return j, nil
}

func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}

// --- Answer cache ---

// GetCachedAnswer looks up a cached response by query hash and bumps its
// served counters. Returns ErrNotFound on a miss.
func (s *Store) GetCachedAnswer(queryHash string) (CachedAnswer, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return CachedAnswer{}, fmt.Errorf("beginning cache transaction: %w", err)
	}
	defer tx.Rollback()

	var c CachedAnswer
	var createdAt, lastServed string
	err = tx.QueryRow(`
		SELECT query_hash, brand, model, question, answer_model, response_json, times_served, created_at, last_served
		FROM answer_cache WHERE query_hash = ?`, queryHash,
	).Scan(&c.QueryHash, &c.Brand, &c.Model, &c.Question, &c.AnswerModel, &c.ResponseJSON, &c.TimesServed, &createdAt, &lastServed)
	if err == sql.ErrNoRows {
		return CachedAnswer{}, ErrNotFound
	}
	if err != nil {
		return CachedAnswer{}, err
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(`
		UPDATE answer_cache SET times_served = times_served + 1, last_served = ? WHERE query_hash = ?`,
		now.Format(time.RFC3339), queryHash,
	); err != nil {
		return CachedAnswer{}, fmt.Errorf("updating cache counters: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return CachedAnswer{}, err
	}

	c.TimesServed++
	c.LastServed = now
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return CachedAnswer{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return c, nil
}

// SaveCachedAnswer inserts or refreshes a cache entry. The cache is
// permanent; existing entries keep their creation time and served count.
func (s *Store) SaveCachedAnswer(c CachedAnswer) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO answer_cache (query_hash, brand, model, question, answer_model, response_json, times_served, created_at, last_served)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(query_hash) DO UPDATE SET
			response_json = excluded.response_json,
			answer_model = excluded.answer_model,
			last_served = excluded.last_served`,
		c.QueryHash, c.Brand, c.Model, c.Question, c.AnswerModel, c.ResponseJSON, now, now,
	)
	return err
}
