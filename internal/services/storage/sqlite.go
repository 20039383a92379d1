package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	perr "typosweep/internal/platform/errors"
	"typosweep/internal/services/typodb"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS typo_cache (
	doc_id   TEXT PRIMARY KEY,
	saved_at INTEGER NOT NULL,
	payload  BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_typo_cache_saved_at ON typo_cache (saved_at);
`

// SQLite stores records in a single-file database, for hosts that keep
// many documents and want the cleanup sweep to stay cheap
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and migrates) the database at path
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeStorage, "open sqlite storage")
	}
	// The driver is in-process; a single writer avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, perr.Wrap(err, perr.ErrorCodeStorage, "migrate sqlite storage")
	}
	return &SQLite{db: db}, nil
}

// Load implements Backend
func (s *SQLite) Load(docID string) (*Record, error) {
	var (
		savedAt int64
		payload []byte
	)
	err := s.db.QueryRow(
		`SELECT saved_at, payload FROM typo_cache WHERE doc_id = ?`, docID,
	).Scan(&savedAt, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeStorage, "read cache record")
	}
	var db typodb.DocDB
	if err := json.Unmarshal(payload, &db); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeStorage, "decode cache record")
	}
	return &Record{DocID: docID, SavedAt: savedAt, DB: &db}, nil
}

// Save implements Backend
func (s *SQLite) Save(rec *Record) error {
	payload, err := json.Marshal(rec.DB)
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeStorage, "encode cache record")
	}
	_, err = s.db.Exec(
		`INSERT INTO typo_cache (doc_id, saved_at, payload) VALUES (?, ?, ?)
		 ON CONFLICT(doc_id) DO UPDATE SET saved_at = excluded.saved_at, payload = excluded.payload`,
		rec.DocID, rec.SavedAt, payload,
	)
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeStorage, "write cache record")
	}
	return nil
}

// Delete implements Backend
func (s *SQLite) Delete(docID string) error {
	if _, err := s.db.Exec(`DELETE FROM typo_cache WHERE doc_id = ?`, docID); err != nil {
		return perr.Wrap(err, perr.ErrorCodeStorage, "delete cache record")
	}
	return nil
}

// Sweep implements Backend
func (s *SQLite) Sweep(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := s.db.Exec(`DELETE FROM typo_cache WHERE saved_at < ?`, cutoff)
	if err != nil {
		return 0, perr.Wrap(err, perr.ErrorCodeStorage, "sweep cache records")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close implements Backend
func (s *SQLite) Close() error { return s.db.Close() }
