package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	perr "typosweep/internal/platform/errors"
)

// JSONFile stores one pretty-printed JSON file per document under a
// directory. File modification time doubles as the record age for the
// cleanup sweep
type JSONFile struct {
	dir string
}

// NewJSONFile ensures dir exists and returns the backend
func NewJSONFile(dir string) (*JSONFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeStorage, "create storage dir")
	}
	return &JSONFile{dir: dir}, nil
}

func (j *JSONFile) path(docID string) string {
	// Stable IDs are UUIDs, but never trust them as path components
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, docID)
	return filepath.Join(j.dir, safe+".json")
}

// Load implements Backend
func (j *JSONFile) Load(docID string) (*Record, error) {
	data, err := os.ReadFile(j.path(docID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeStorage, "read cache record")
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeStorage, "decode cache record")
	}
	return &rec, nil
}

// Save implements Backend with a write-then-rename so readers never see
// a torn file
func (j *JSONFile) Save(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeStorage, "encode cache record")
	}
	target := j.path(rec.DocID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return perr.Wrap(err, perr.ErrorCodeStorage, "write cache record")
	}
	if err := os.Rename(tmp, target); err != nil {
		return perr.Wrap(err, perr.ErrorCodeStorage, "finalize cache record")
	}
	return nil
}

// Delete implements Backend
func (j *JSONFile) Delete(docID string) error {
	err := os.Remove(j.path(docID))
	if err != nil && !os.IsNotExist(err) {
		return perr.Wrap(err, perr.ErrorCodeStorage, "delete cache record")
	}
	return nil
}

// Sweep implements Backend
func (j *JSONFile) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return 0, perr.Wrap(err, perr.ErrorCodeStorage, "list cache records")
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(filepath.Join(j.dir, e.Name())) == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Close implements Backend
func (j *JSONFile) Close() error { return nil }
