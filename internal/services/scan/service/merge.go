package service

import (
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"typosweep/internal/core/segment"
	"typosweep/internal/core/textmatch"
	detectdomain "typosweep/internal/services/detect/domain"
	"typosweep/internal/services/typodb"
)

// sentenceRef ties one flattened batch sentence back to its paragraph
type sentenceRef struct {
	para *segment.Paragraph
	sent segment.Sentence
}

// groupMerge accumulates detector results for one batch of paragraphs.
// Partial (streamed) and final results funnel through the same merge so
// the (sentence, wrong, correct, hint) dedup signature applies each
// correction exactly once
type groupMerge struct {
	mu    sync.Mutex
	paras []*segment.Paragraph
	refs  []sentenceRef

	seen       map[string]struct{}
	results    map[string]*typodb.ParagraphResult
	incomplete map[string]bool
}

func newGroupMerge(paras []*segment.Paragraph) *groupMerge {
	g := &groupMerge{
		paras:      paras,
		seen:       make(map[string]struct{}),
		results:    make(map[string]*typodb.ParagraphResult),
		incomplete: make(map[string]bool),
	}
	for _, p := range paras {
		g.results[p.Hash] = &typodb.ParagraphResult{Hash: p.Hash, Text: p.Text, Errors: []typodb.Error{}}
		for _, sent := range p.Sentences() {
			g.refs = append(g.refs, sentenceRef{para: p, sent: sent})
		}
	}
	return g
}

// sentences returns the flattened dispatch order
func (g *groupMerge) sentences() []string {
	out := make([]string, len(g.refs))
	for i, ref := range g.refs {
		out[i] = ref.sent.Text
	}
	return out
}

// mergePartial folds streamed results in. Entries without an explicit
// index cannot be attributed and are skipped. Returns the hashes whose
// cached result changed
func (g *groupMerge) mergePartial(results []*detectdomain.Result) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	touched := map[string]struct{}{}
	for _, r := range results {
		if r == nil || r.Failed || r.Index == nil {
			continue
		}
		if g.mergeOne(*r.Index, r) {
			touched[g.refs[*r.Index].para.Hash] = struct{}{}
		}
	}
	return keys(touched)
}

// mergeFinal folds the aligned final slice in. A nil verdict means the
// backend reported nothing for the sentence, so the paragraph still
// counts as scanned; a failed verdict marks the owning paragraph
// incomplete and it must not be cached
func (g *groupMerge) mergeFinal(results []*detectdomain.Result) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for idx, r := range results {
		if idx >= len(g.refs) {
			break
		}
		if r == nil {
			continue
		}
		if r.Failed {
			g.incomplete[g.refs[idx].para.Hash] = true
			continue
		}
		g.mergeOne(idx, r)
	}
}

// mergeOne reconciles one result's corrections into the owning
// paragraph. Caller holds g.mu. Reports whether anything new landed
func (g *groupMerge) mergeOne(idx int, r *detectdomain.Result) bool {
	if idx < 0 || idx >= len(g.refs) {
		return false
	}
	ref := g.refs[idx]
	pr := g.results[ref.para.Hash]
	changed := false

	for _, e := range r.Errors {
		if e.Wrong == "" {
			continue
		}
		sig := strconv.Itoa(idx) + "\x00" + e.Signature()
		if _, dup := g.seen[sig]; dup {
			continue
		}
		g.seen[sig] = struct{}{}

		hint := textmatch.NoHint
		if e.Hint != nil {
			hint = *e.Hint
		}
		off, ok := textmatch.BestOffset(ref.sent.Text, e.Wrong, e.Correct, r.Target, hint)
		if !ok {
			continue
		}

		pr.Errors = append(pr.Errors, typodb.Error{
			Wrong:   e.Wrong,
			Correct: e.Correct,
			Offset:  ref.sent.Start - ref.para.Start + off,
			Length:  utf8.RuneCountInString(e.Wrong),
			Score:   e.Score,
		})
		changed = true
	}
	return changed
}

// commit writes completed paragraphs to the cache. Paragraphs with a
// failed verdict are deleted instead, so they re-miss next cycle.
// final selects between an incremental flush and the closing write
func (g *groupMerge) commit(store *typodb.Store, docKey string, hashes []string, final bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	if !final {
		for _, h := range hashes {
			store.Set(docKey, snapshotResult(g.results[h], now))
		}
		return
	}
	for _, p := range g.paras {
		if g.incomplete[p.Hash] {
			store.Delete(docKey, p.Hash)
			continue
		}
		store.Set(docKey, snapshotResult(g.results[p.Hash], now))
	}
}

// snapshotResult copies a result so in-flight merging never races a
// concurrent apply pass reading the cache
func snapshotResult(pr *typodb.ParagraphResult, scannedAt int64) *typodb.ParagraphResult {
	cp := *pr
	cp.ScannedAt = scannedAt
	cp.Errors = append([]typodb.Error(nil), pr.Errors...)
	return &cp
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
