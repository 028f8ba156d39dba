package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Indexing status values for a Manual. A manual is created pending, and one
// indexing attempt moves it to complete or failed. Reindexing resets the
// cycle and replaces all passages.
const (
	StatusPending  = "pending"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Manual is one ingested equipment document and its indexing state.
// IndexedAt is set exactly when IndexingStatus is complete; IndexingError is
// set exactly when it is failed.
type Manual struct {
	ID             string
	Filename       string
	Brand          string
	Model          string
	EquipmentType  string
	FilePath       string
	IndexingStatus string
	IndexingError  string
	IndexedAt      *time.Time
	CreatedAt      time.Time
}

// Passage is a retrievable span of normalized manual text with its embedding.
// PageNumber is the minimum page among the units that produced it.
type Passage struct {
	ID         string
	ManualID   string
	PageNumber int
	Section    string
	Content    string
	Embedding  []float32
	CreatedAt  time.Time
}

// ManualFilter narrows ListManuals. Brand, Model and EquipmentType match as
// case-insensitive substrings; Status matches exactly.
type ManualFilter struct {
	Brand         string
	Model         string
	EquipmentType string
	Status        string
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// CachedAnswer is a permanently cached query response, keyed by a
// deterministic hash over the normalized query parameters.
type CachedAnswer struct {
	QueryHash    string
	Brand        string
	Model        string
	Question     string
	AnswerModel  string
	ResponseJSON string
	TimesServed  int
	CreatedAt    time.Time
	LastServed   time.Time
}
