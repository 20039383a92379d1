// Package storage persists per-document typo caches across sessions,
// keyed by the stable external document identifier
package storage

import (
	"time"

	"typosweep/internal/services/typodb"
)

// Record is the persisted form of one document's cache
type Record struct {
	DocID   string        `json:"doc_id"`
	SavedAt int64         `json:"saved_at"`
	DB      *typodb.DocDB `json:"db"`
}

// Backend is a pluggable storage implementation. Load returns
// (nil, nil) when no record exists
type Backend interface {
	Load(docID string) (*Record, error)
	Save(rec *Record) error
	Delete(docID string) error
	// Sweep deletes records older than maxAge and reports how many
	Sweep(maxAge time.Duration) (int, error)
	Close() error
}
