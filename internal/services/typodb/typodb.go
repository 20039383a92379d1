// Package typodb owns the per-document typo result cache: a bounded
// store of documentKey -> DocDB, keyed inside each document by
// paragraph content hash
package typodb

import (
	"sort"
	"sync"
	"time"
)

// Error is one detected typo inside a paragraph. Offset and Length are
// rune offsets relative to the paragraph start, so the error stays
// valid as long as the paragraph hash is unchanged
type Error struct {
	Wrong   string   `json:"wrong"`
	Correct string   `json:"correct"`
	Offset  int      `json:"offset"`
	Length  int      `json:"length"`
	Score   *float64 `json:"score,omitempty"`
}

// ParagraphResult is the cached scan outcome for one paragraph,
// keyed by its content hash. Text is a snapshot kept for
// diagnosability; the hash alone drives invalidation
type ParagraphResult struct {
	Hash      string  `json:"hash"`
	ScannedAt int64   `json:"scanned_at"`
	Text      string  `json:"text"`
	Errors    []Error `json:"errors"`
}

// DocDB is the cache for a single tracked document
type DocDB struct {
	Paragraphs         map[string]*ParagraphResult `json:"paragraphs"`
	LastAppliedVersion int                         `json:"last_applied_version,omitempty"`

	lastAccess time.Time
}

// NewDocDB returns an empty document cache
func NewDocDB() *DocDB {
	return &DocDB{Paragraphs: make(map[string]*ParagraphResult)}
}

// OpenChecker reports whether a document is currently open in the host.
// Eviction prefers closed documents
type OpenChecker func(docKey string) bool

// Store is the process-wide document cache map, bounded to a configured
// maximum number of tracked documents. All map mutation goes through
// its methods so the eviction invariant stays enforceable
type Store struct {
	mu      sync.Mutex
	docs    map[string]*DocDB
	maxDocs int
	isOpen  OpenChecker
	now     func() time.Time
}

// NewStore builds a Store bounded to maxDocs entries. isOpen may be nil,
// in which case every document counts as closed for eviction purposes
func NewStore(maxDocs int, isOpen OpenChecker) *Store {
	if maxDocs < 1 {
		maxDocs = 1
	}
	if isOpen == nil {
		isOpen = func(string) bool { return false }
	}
	return &Store{
		docs:    make(map[string]*DocDB),
		maxDocs: maxDocs,
		isOpen:  isOpen,
		now:     time.Now,
	}
}

// Get returns the cached result for (docKey, hash) and refreshes the
// document's access time
func (s *Store) Get(docKey, hash string) (*ParagraphResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, ok := s.docs[docKey]
	if !ok {
		return nil, false
	}
	db.lastAccess = s.now()
	res, ok := db.Paragraphs[hash]
	return res, ok
}

// Set stores res under its hash, creating the document entry lazily.
// Creating a new entry may evict the least recently used documents to
// bring the store back under its bound, closed documents first
func (s *Store) Set(docKey string, res *ParagraphResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, ok := s.docs[docKey]
	if !ok {
		db = NewDocDB()
		s.docs[docKey] = db
	}
	db.Paragraphs[res.Hash] = res
	db.lastAccess = s.now()
	if !ok {
		s.pruneLocked()
	}
}

// DB returns the live document cache, creating it if absent. The caller
// is expected to be the document's single serialized apply pass
func (s *Store) DB(docKey string) *DocDB {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, ok := s.docs[docKey]
	if !ok {
		db = NewDocDB()
		s.docs[docKey] = db
		db.lastAccess = s.now()
		s.pruneLocked()
		return db
	}
	db.lastAccess = s.now()
	return db
}

// Hydrate installs a previously persisted document cache if no live
// entry exists yet. Returns the entry now in place
func (s *Store) Hydrate(docKey string, db *DocDB) *DocDB {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.docs[docKey]; ok {
		cur.lastAccess = s.now()
		return cur
	}
	if db == nil {
		db = NewDocDB()
	}
	if db.Paragraphs == nil {
		db.Paragraphs = make(map[string]*ParagraphResult)
	}
	db.lastAccess = s.now()
	s.docs[docKey] = db
	s.pruneLocked()
	return db
}

// ResetAll wipes the document's cached paragraph results but keeps the
// entry tracked, so a rescan-from-scratch treats every paragraph as a miss
func (s *Store) ResetAll(docKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.docs[docKey]; ok {
		db.Paragraphs = make(map[string]*ParagraphResult)
		db.lastAccess = s.now()
	}
}

// Forget drops the document entirely
func (s *Store) Forget(docKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, docKey)
}

// Delete removes a single cached paragraph result, so a paragraph whose
// scan never completed is treated as a miss next cycle
func (s *Store) Delete(docKey, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.docs[docKey]; ok {
		delete(db.Paragraphs, hash)
	}
}

// EvictIfClosed drops the document only if the host no longer has it open
func (s *Store) EvictIfClosed(docKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isOpen(docKey) {
		delete(s.docs, docKey)
	}
}

// Touch refreshes the document's access time without other mutation
func (s *Store) Touch(docKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.docs[docKey]; ok {
		db.lastAccess = s.now()
	}
}

// SetAppliedVersion records the document version the last apply pass
// was computed against
func (s *Store) SetAppliedVersion(docKey string, version int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.docs[docKey]; ok {
		db.LastAppliedVersion = version
	}
}

// GC deletes cached hashes for docKey that are not in live and returns
// how many entries were removed. Paragraphs edited away do not linger
func (s *Store) GC(docKey string, live map[string]struct{}) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, ok := s.docs[docKey]
	if !ok {
		return 0
	}
	removed := 0
	for h := range db.Paragraphs {
		if _, keep := live[h]; !keep {
			delete(db.Paragraphs, h)
			removed++
		}
	}
	return removed
}

// Len reports how many documents are tracked
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

// Keys returns the tracked document keys in no particular order
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.docs))
	for k := range s.docs {
		keys = append(keys, k)
	}
	return keys
}

// Export deep-copies the document cache for serialization outside the
// store lock. Returns nil when the document is not tracked
func (s *Store) Export(docKey string) *DocDB {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, ok := s.docs[docKey]
	if !ok {
		return nil
	}
	out := &DocDB{
		Paragraphs:         make(map[string]*ParagraphResult, len(db.Paragraphs)),
		LastAppliedVersion: db.LastAppliedVersion,
	}
	for h, pr := range db.Paragraphs {
		cp := *pr
		cp.Errors = append([]Error(nil), pr.Errors...)
		out.Paragraphs[h] = &cp
	}
	return out
}

// pruneLocked evicts least recently used documents until the store is
// back under maxDocs. Closed documents go first; open documents are
// evicted only if the store is still over budget, which signals a
// misconfigured limit rather than normal operation
func (s *Store) pruneLocked() {
	if len(s.docs) <= s.maxDocs {
		return
	}

	type cand struct {
		key  string
		ts   time.Time
		open bool
	}
	cands := make([]cand, 0, len(s.docs))
	for k, db := range s.docs {
		cands = append(cands, cand{key: k, ts: db.lastAccess, open: s.isOpen(k)})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].open != cands[j].open {
			return !cands[i].open
		}
		return cands[i].ts.Before(cands[j].ts)
	})
	for _, c := range cands {
		if len(s.docs) <= s.maxDocs {
			return
		}
		delete(s.docs, c.key)
	}
}
