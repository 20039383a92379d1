// Package service implements the scan scheduler and diagnostics
// applier: debounced per-document scans, bounded-concurrency batch
// dispatch, and a serialized apply chain per document
package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"typosweep/internal/core/segment"
	"typosweep/internal/platform/logger"
	detectdomain "typosweep/internal/services/detect/domain"
	scandomain "typosweep/internal/services/scan/domain"
	"typosweep/internal/services/typodb"
)

// Persister is the storage adapter surface the scheduler drives. Save
// is expected to debounce and skip byte-identical payloads internally
type Persister interface {
	Load(stableID string) (*typodb.DocDB, error)
	Save(stableID string, db *typodb.DocDB)
	Forget(stableID string) error
}

// Options wires a Scanner
type Options struct {
	Store    *typodb.Store
	Detector detectdomain.BatchDetector
	Host     scandomain.HostPort

	// Roles, Identity and Persister are optional collaborators
	Roles     scandomain.RoleIndexPort
	Identity  scandomain.IdentityPort
	Persister Persister

	Debounce    time.Duration
	GroupSize   int
	Concurrency int

	// Disabled starts the scheduler halted; SetEnabled(true) arms it
	Disabled bool
	// KeepCacheOnClose retains a closed document's cache entry instead
	// of evicting it
	KeepCacheOnClose bool
}

type applyState struct {
	running bool
	pending bool
	done    chan struct{}
}

// Scanner owns per-document debounce timers, the per-document FIFO
// concurrency limiter and the serialized apply chain
type Scanner struct {
	opts Options
	log  *logger.Logger

	mu       sync.Mutex
	enabled  bool
	timers   map[string]*time.Timer
	sems     map[string]*semaphore
	applies  map[string]*applyState
	hydrated map[string]bool
	active   int
}

// NewScanner builds a Scanner with defaulted intervals
func NewScanner(opts Options) *Scanner {
	if opts.Debounce <= 0 {
		opts.Debounce = 400 * time.Millisecond
	}
	if opts.GroupSize < 1 {
		opts.GroupSize = 3
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 3
	}
	return &Scanner{
		opts:     opts,
		log:      logger.Named("scan"),
		enabled:  !opts.Disabled,
		timers:   make(map[string]*time.Timer),
		sems:     make(map[string]*semaphore),
		applies:  make(map[string]*applyState),
		hydrated: make(map[string]bool),
	}
}

// Enabled reports whether scheduling is active
func (s *Scanner) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetEnabled toggles the feature at runtime. Disabling cancels pending
// timers and clears every open document's diagnostics immediately;
// re-enabling force-rescans every visible document
func (s *Scanner) SetEnabled(v bool) {
	s.mu.Lock()
	if s.enabled == v {
		s.mu.Unlock()
		return
	}
	s.enabled = v
	if !v {
		for k, t := range s.timers {
			t.Stop()
			delete(s.timers, k)
		}
	}
	s.mu.Unlock()

	if !v {
		for _, k := range s.opts.Host.OpenDocs() {
			s.opts.Host.PublishDiagnostics(k, 0, nil)
		}
		s.opts.Host.SetBusy(false)
		s.log.Info().Msg("scanning disabled, diagnostics cleared")
		return
	}
	s.log.Info().Msg("scanning enabled, rescanning visible documents")
	for _, k := range s.opts.Host.VisibleDocs() {
		go s.runScan(k, true)
	}
}

// NotifyChange (re)arms the document's debounce timer: only the last
// edit in a burst triggers a scan
func (s *Scanner) NotifyChange(docKey string) { s.schedule(docKey) }

// NotifyOpen schedules a scan for a freshly opened document
func (s *Scanner) NotifyOpen(docKey string) { s.schedule(docKey) }

// NotifyClose cancels pending work and, unless configured to keep the
// cache, evicts the document's entry
func (s *Scanner) NotifyClose(docKey string) {
	s.mu.Lock()
	if t, ok := s.timers[docKey]; ok {
		t.Stop()
		delete(s.timers, docKey)
	}
	keep := s.opts.KeepCacheOnClose
	s.mu.Unlock()
	if !keep {
		s.opts.Store.EvictIfClosed(docKey)
	}
}

// Rescan wipes the document's cache and persisted record, then scans
// from scratch synchronously (excluding the trailing apply chain)
func (s *Scanner) Rescan(docKey string) {
	s.opts.Store.ResetAll(docKey)
	s.forgetPersisted(docKey)
	s.runScan(docKey, false)
}

// Scan runs a full scan cycle synchronously, including the apply chain.
// Used by one-shot callers; the editor path goes through NotifyChange
func (s *Scanner) Scan(docKey string) {
	s.runScan(docKey, false)
	s.Sync(docKey)
}

// Forget drops every trace of the document: timers, cache, persisted
// record and rendered diagnostics
func (s *Scanner) Forget(docKey string) {
	s.mu.Lock()
	if t, ok := s.timers[docKey]; ok {
		t.Stop()
		delete(s.timers, docKey)
	}
	delete(s.hydrated, docKey)
	s.mu.Unlock()

	s.forgetPersisted(docKey)
	s.opts.Store.Forget(docKey)
	s.opts.Host.PublishDiagnostics(docKey, 0, nil)
}

// Sync blocks until the document's apply chain has drained
func (s *Scanner) Sync(docKey string) {
	for {
		s.mu.Lock()
		st, ok := s.applies[docKey]
		if !ok || !st.running {
			s.mu.Unlock()
			return
		}
		done := st.done
		s.mu.Unlock()
		<-done
	}
}

func (s *Scanner) schedule(docKey string) {
	if !s.Enabled() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[docKey]; ok {
		t.Stop()
	}
	s.timers[docKey] = time.AfterFunc(s.opts.Debounce, func() {
		s.mu.Lock()
		delete(s.timers, docKey)
		s.mu.Unlock()
		s.runScan(docKey, false)
	})
}

func (s *Scanner) beginWork() {
	s.mu.Lock()
	s.active++
	first := s.active == 1
	s.mu.Unlock()
	if first {
		s.opts.Host.SetBusy(true)
	}
}

func (s *Scanner) endWork() {
	s.mu.Lock()
	s.active--
	last := s.active == 0
	s.mu.Unlock()
	if last {
		s.opts.Host.SetBusy(false)
	}
}

// runScan is the debounce timer target: segment, collect cache misses,
// fan groups out under the FIFO limiter, then enqueue an apply pass
func (s *Scanner) runScan(docKey string, force bool) {
	if !s.Enabled() {
		return
	}
	snap, ok := s.opts.Host.Snapshot(docKey)
	if !ok {
		return
	}

	s.beginWork()
	defer s.endWork()

	ctx := logger.WithDoc(context.Background(), docKey)
	s.hydrate(docKey)
	if force {
		s.opts.Store.ResetAll(docKey)
	}

	paras := segment.SplitParagraphs(snap.Text)
	var misses []*segment.Paragraph
	for _, p := range paras {
		if _, hit := s.opts.Store.Get(docKey, p.Hash); !hit {
			misses = append(misses, p)
		}
	}
	if len(misses) == 0 {
		s.enqueueApply(docKey)
		return
	}

	sem := s.semFor(docKey)
	var (
		wg     sync.WaitGroup
		failed atomic.Bool
	)
	for start := 0; start < len(misses); start += s.opts.GroupSize {
		end := start + s.opts.GroupSize
		if end > len(misses) {
			end = len(misses)
		}
		group := misses[start:end]

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx); err != nil {
				failed.Store(true)
				return
			}
			defer sem.Release()
			if err := s.scanGroup(ctx, docKey, group); err != nil {
				failed.Store(true)
			}
		}()
	}
	wg.Wait()

	if failed.Load() {
		// Failed silently: diagnostics unchanged, the next edit retries
		logger.C(ctx).Warn().Msg("scan cycle had failed groups, apply skipped")
		return
	}
	s.enqueueApply(docKey)
}

// scanGroup dispatches one group's flattened sentences and merges both
// streamed partials and the final result into the cache
func (s *Scanner) scanGroup(ctx context.Context, docKey string, group []*segment.Paragraph) error {
	g := newGroupMerge(group)
	sentences := g.sentences()
	if len(sentences) == 0 {
		g.commit(s.opts.Store, docKey, nil, true)
		return nil
	}

	bc := detectdomain.BatchContext{
		DocID:      s.stableID(docKey),
		KnownRoles: s.knownRoles(docKey),
		OnPartial: func(partial []*detectdomain.Result) {
			if touched := g.mergePartial(partial); len(touched) > 0 {
				g.commit(s.opts.Store, docKey, touched, false)
				s.enqueueApply(docKey)
			}
		},
	}

	results, err := s.opts.Detector.DetectBatch(ctx, sentences, bc)
	if err != nil {
		logger.C(ctx).Warn().Err(err).Int("sentences", len(sentences)).Msg("detector batch failed")
		return err
	}
	g.mergeFinal(results)
	g.commit(s.opts.Store, docKey, nil, true)
	s.enqueueApply(docKey)
	return nil
}

// enqueueApply appends to the document's single-slot apply queue: at
// most one apply runs, with at most one re-run marked pending
func (s *Scanner) enqueueApply(docKey string) {
	s.mu.Lock()
	st, ok := s.applies[docKey]
	if !ok {
		st = &applyState{}
		s.applies[docKey] = st
	}
	if st.running {
		st.pending = true
		s.mu.Unlock()
		return
	}
	st.running = true
	st.done = make(chan struct{})
	s.mu.Unlock()

	// The apply chain counts as active work so the busy indicator stays
	// up until diagnostics are actually published
	s.beginWork()
	go func() {
		defer s.endWork()
		for {
			s.applyOnce(docKey)
			s.mu.Lock()
			if st.pending {
				st.pending = false
				s.mu.Unlock()
				continue
			}
			st.running = false
			done := st.done
			st.done = nil
			s.mu.Unlock()
			close(done)
			return
		}
	}()
}

// applyOnce recomputes the full diagnostic set from the current cache
// and current paragraph offsets. It never diffs incrementally, so it is
// idempotent and always reflects the latest completed scans
func (s *Scanner) applyOnce(docKey string) {
	if !s.Enabled() {
		return
	}
	snap, ok := s.opts.Host.Snapshot(docKey)
	if !ok {
		return
	}

	paras := segment.SplitParagraphs(snap.Text)
	live := make(map[string]struct{}, len(paras))
	var diags []scandomain.Diagnostic
	for _, p := range paras {
		live[p.Hash] = struct{}{}
		res, hit := s.opts.Store.Get(docKey, p.Hash)
		if !hit {
			continue
		}
		plen := utf8.RuneCountInString(p.Text)
		for _, e := range res.Errors {
			if e.Offset < 0 || e.Length <= 0 || e.Offset+e.Length > plen {
				continue
			}
			diags = append(diags, scandomain.Diagnostic{
				Range: scandomain.Range{
					Start: p.Start + e.Offset,
					End:   p.Start + e.Offset + e.Length,
				},
				Message:    fmt.Sprintf("疑似错别字: %s -> %s", e.Wrong, e.Correct),
				Wrong:      e.Wrong,
				Correct:    e.Correct,
				Candidates: []string{e.Correct},
				Score:      e.Score,
			})
		}
	}

	diags = s.suppress(docKey, diags)
	sort.Slice(diags, func(i, j int) bool {
		if diags[i].Range.Start != diags[j].Range.Start {
			return diags[i].Range.Start < diags[j].Range.Start
		}
		return diags[i].Range.End < diags[j].Range.End
	})

	s.opts.Host.PublishDiagnostics(docKey, snap.Version, diags)
	s.opts.Store.SetAppliedVersion(docKey, snap.Version)
	s.opts.Store.GC(docKey, live)
	s.persist(docKey)
}

// suppress drops diagnostics intersecting a suppressed role occurrence.
// Sensitive-word occurrences never suppress
func (s *Scanner) suppress(docKey string, diags []scandomain.Diagnostic) []scandomain.Diagnostic {
	if s.opts.Roles == nil || len(diags) == 0 {
		return diags
	}
	spans := s.opts.Roles.SuppressedRanges(docKey)
	if len(spans) == 0 {
		return diags
	}
	out := make([]scandomain.Diagnostic, 0, len(diags))
	for _, d := range diags {
		suppressed := false
		for _, sp := range spans {
			if sp.Kind == scandomain.KindSensitiveWord {
				continue
			}
			if d.Range.Intersects(sp.Range) {
				suppressed = true
				break
			}
		}
		if !suppressed {
			out = append(out, d)
		}
	}
	return out
}

func (s *Scanner) semFor(docKey string) *semaphore {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.sems[docKey]
	if !ok {
		sem = newSemaphore(s.opts.Concurrency)
		s.sems[docKey] = sem
	}
	return sem
}

func (s *Scanner) stableID(docKey string) string {
	if s.opts.Identity == nil {
		return ""
	}
	id, ok := s.opts.Identity.ResolveStableID(docKey)
	if !ok {
		return ""
	}
	return id
}

func (s *Scanner) knownRoles(docKey string) []string {
	if s.opts.Roles == nil {
		return nil
	}
	return s.opts.Roles.KnownRoles(docKey)
}

// hydrate loads the persisted record once per document key
func (s *Scanner) hydrate(docKey string) {
	s.mu.Lock()
	if s.hydrated[docKey] {
		s.mu.Unlock()
		return
	}
	s.hydrated[docKey] = true
	s.mu.Unlock()

	if s.opts.Persister == nil {
		return
	}
	id := s.stableID(docKey)
	if id == "" {
		return
	}
	db, err := s.opts.Persister.Load(id)
	if err != nil {
		s.log.Warn().Err(err).Str("doc_key", docKey).Msg("persisted cache load failed, starting empty")
		return
	}
	if db != nil {
		s.opts.Store.Hydrate(docKey, db)
	}
}

func (s *Scanner) persist(docKey string) {
	if s.opts.Persister == nil {
		return
	}
	id := s.stableID(docKey)
	if id == "" {
		return
	}
	db := s.opts.Store.Export(docKey)
	if db == nil {
		return
	}
	s.opts.Persister.Save(id, db)
}

func (s *Scanner) forgetPersisted(docKey string) {
	if s.opts.Persister == nil {
		return
	}
	id := s.stableID(docKey)
	if id == "" {
		return
	}
	if err := s.opts.Persister.Forget(id); err != nil {
		s.log.Warn().Err(err).Str("doc_key", docKey).Msg("persisted cache delete failed")
	}
}
