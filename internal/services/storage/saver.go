package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"typosweep/internal/platform/logger"
	"typosweep/internal/services/typodb"
)

// Saver debounces writes per document and skips writes whose serialized
// payload is byte-identical to the last one. I/O failures are logged
// and ignored: the in-memory cache keeps working without durability
// for that cycle
type Saver struct {
	backend Backend
	delay   time.Duration
	log     *logger.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending map[string]*typodb.DocDB
	last    map[string][]byte
}

// NewSaver wraps backend with a per-document write debounce
func NewSaver(backend Backend, delay time.Duration) *Saver {
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return &Saver{
		backend: backend,
		delay:   delay,
		log:     logger.Named("storage"),
		timers:  make(map[string]*time.Timer),
		pending: make(map[string]*typodb.DocDB),
		last:    make(map[string][]byte),
	}
}

// Load reads the persisted cache for docID, nil when absent
func (s *Saver) Load(docID string) (*typodb.DocDB, error) {
	rec, err := s.backend.Load(docID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	// Seed the no-op detector so a hydrate-then-save round trip does
	// not rewrite an unchanged record
	if payload, err := json.Marshal(rec.DB); err == nil {
		s.mu.Lock()
		s.last[docID] = payload
		s.mu.Unlock()
	}
	return rec.DB, nil
}

// Save schedules a debounced write of db; only the last snapshot in a
// burst reaches the backend
func (s *Saver) Save(docID string, db *typodb.DocDB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[docID] = db
	if t, ok := s.timers[docID]; ok {
		t.Stop()
	}
	s.timers[docID] = time.AfterFunc(s.delay, func() { s.flush(docID) })
}

// Forget cancels pending writes and deletes the persisted record
func (s *Saver) Forget(docID string) error {
	s.mu.Lock()
	if t, ok := s.timers[docID]; ok {
		t.Stop()
		delete(s.timers, docID)
	}
	delete(s.pending, docID)
	delete(s.last, docID)
	s.mu.Unlock()
	return s.backend.Delete(docID)
}

// Flush writes every pending snapshot immediately. Called on shutdown
func (s *Saver) Flush() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	for _, k := range keys {
		s.flush(k)
	}
}

// RunSweeper deletes over-age records on a fixed interval until ctx is
// canceled. maxAge <= 0 disables the sweep
func (s *Saver) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.backend.Sweep(maxAge)
			if err != nil {
				s.log.Warn().Err(err).Msg("cache sweep failed")
				continue
			}
			if n > 0 {
				s.log.Info().Int("removed", n).Msg("swept stale cache records")
			}
		}
	}
}

// Close flushes pending writes and closes the backend
func (s *Saver) Close() error {
	s.Flush()
	return s.backend.Close()
}

func (s *Saver) flush(docID string) {
	s.mu.Lock()
	db, ok := s.pending[docID]
	delete(s.pending, docID)
	if t, tok := s.timers[docID]; tok {
		t.Stop()
		delete(s.timers, docID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	payload, err := json.Marshal(db)
	if err != nil {
		s.log.Warn().Err(err).Str("doc_id", docID).Msg("cache snapshot encode failed")
		return
	}

	s.mu.Lock()
	identical := bytes.Equal(s.last[docID], payload)
	if !identical {
		s.last[docID] = payload
	}
	s.mu.Unlock()
	if identical {
		return
	}

	rec := &Record{DocID: docID, SavedAt: time.Now().UnixMilli(), DB: db}
	if err := s.backend.Save(rec); err != nil {
		s.log.Warn().Err(err).Str("doc_id", docID).Msg("cache write failed")
	}
}
