package typodb

import (
	"fmt"
	"testing"
)

func res(hash string) *ParagraphResult {
	return &ParagraphResult{Hash: hash, Text: "text-" + hash}
}

func TestStoreGetSet(t *testing.T) {
	t.Parallel()

	s := NewStore(10, nil)
	if _, ok := s.Get("doc", "h1"); ok {
		t.Fatal("unexpected hit on empty store")
	}
	s.Set("doc", res("h1"))
	got, ok := s.Get("doc", "h1")
	if !ok || got.Hash != "h1" {
		t.Fatalf("get after set: %+v ok=%v", got, ok)
	}
	if _, ok := s.Get("doc", "h2"); ok {
		t.Fatal("hit for unknown hash")
	}

	// Same hash overwrites, no duplicate entries.
	s.Set("doc", res("h1"))
	if n := len(s.DB("doc").Paragraphs); n != 1 {
		t.Fatalf("paragraph count = %d, want 1", n)
	}
}

func TestStoreResetAndForget(t *testing.T) {
	t.Parallel()

	s := NewStore(10, nil)
	s.Set("doc", res("h1"))
	s.ResetAll("doc")
	if _, ok := s.Get("doc", "h1"); ok {
		t.Fatal("hit after ResetAll")
	}
	if s.Len() != 1 {
		t.Fatal("ResetAll must keep the document tracked")
	}

	s.Forget("doc")
	if s.Len() != 0 {
		t.Fatal("Forget must drop the document")
	}
}

func TestStoreEvictionBound(t *testing.T) {
	t.Parallel()

	const max = 4
	open := map[string]bool{}
	s := NewStore(max, func(k string) bool { return open[k] })

	// Interleave open and closed documents well past the bound.
	for i := 0; i < max+5; i++ {
		key := fmt.Sprintf("doc-%d", i)
		open[key] = i%2 == 0
		s.Set(key, res("h"))
	}

	if s.Len() != max {
		t.Fatalf("store size = %d, want %d", s.Len(), max)
	}

	// No open document may have been evicted while a closed one survived.
	closedLeft := 0
	for _, k := range s.Keys() {
		if !open[k] {
			closedLeft++
		}
	}
	openTotal, surviving := 0, 0
	for k, o := range open {
		if !o {
			continue
		}
		openTotal++
		for _, kept := range s.Keys() {
			if kept == k {
				surviving++
			}
		}
	}
	if closedLeft > 0 && surviving < min(openTotal, max) {
		t.Fatalf("open document evicted while %d closed remained", closedLeft)
	}
}

func TestStoreEvictionOldestFirst(t *testing.T) {
	t.Parallel()

	s := NewStore(2, nil)
	s.Set("a", res("h"))
	s.Set("b", res("h"))
	s.Get("a", "h") // refresh a; b is now oldest
	s.Set("c", res("h"))

	if _, ok := s.Get("a", "h"); !ok {
		t.Fatal("recently accessed document was evicted")
	}
	if s.Len() != 2 {
		t.Fatalf("store size = %d, want 2", s.Len())
	}
	for _, k := range s.Keys() {
		if k == "b" {
			t.Fatal("oldest document survived eviction")
		}
	}
}

func TestStoreEvictIfClosed(t *testing.T) {
	t.Parallel()

	open := true
	s := NewStore(10, func(string) bool { return open })
	s.Set("doc", res("h"))

	s.EvictIfClosed("doc")
	if s.Len() != 1 {
		t.Fatal("open document must not be evicted")
	}
	open = false
	s.EvictIfClosed("doc")
	if s.Len() != 0 {
		t.Fatal("closed document must be evicted")
	}
}

func TestStoreGC(t *testing.T) {
	t.Parallel()

	s := NewStore(10, nil)
	s.Set("doc", res("keep"))
	s.Set("doc", res("stale1"))
	s.Set("doc", res("stale2"))

	removed := s.GC("doc", map[string]struct{}{"keep": {}})
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if _, ok := s.Get("doc", "keep"); !ok {
		t.Fatal("live hash was collected")
	}
	if _, ok := s.Get("doc", "stale1"); ok {
		t.Fatal("stale hash survived GC")
	}
}

func TestStoreHydrate(t *testing.T) {
	t.Parallel()

	s := NewStore(10, nil)
	persisted := NewDocDB()
	persisted.Paragraphs["h1"] = res("h1")
	persisted.LastAppliedVersion = 7

	db := s.Hydrate("doc", persisted)
	if db.LastAppliedVersion != 7 {
		t.Fatalf("hydrated version = %d, want 7", db.LastAppliedVersion)
	}
	if _, ok := s.Get("doc", "h1"); !ok {
		t.Fatal("hydrated entry not visible")
	}

	// A live entry wins over a second hydration attempt.
	other := NewDocDB()
	other.Paragraphs["h2"] = res("h2")
	db2 := s.Hydrate("doc", other)
	if db2 != db {
		t.Fatal("hydrate replaced a live entry")
	}
}

func TestStoreExportIsDeepCopy(t *testing.T) {
	t.Parallel()

	s := NewStore(10, nil)
	pr := res("h1")
	pr.Errors = []Error{{Wrong: "附进", Correct: "附近", Offset: 0, Length: 2}}
	s.Set("doc", pr)

	exp := s.Export("doc")
	exp.Paragraphs["h1"].Errors[0].Wrong = "mutated"
	live, _ := s.Get("doc", "h1")
	if live.Errors[0].Wrong != "附进" {
		t.Fatal("Export shares state with the live cache")
	}
	if s.Export("missing") != nil {
		t.Fatal("Export of unknown document must be nil")
	}
}
