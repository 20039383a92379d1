package storage

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"typosweep/internal/platform/testkit"
	"typosweep/internal/services/typodb"
)

func sampleDB() *typodb.DocDB {
	db := typodb.NewDocDB()
	db.Paragraphs["abcd1234"] = &typodb.ParagraphResult{
		Hash:      "abcd1234",
		ScannedAt: 1700000000000,
		Text:      "附进的商店。",
		Errors:    []typodb.Error{{Wrong: "附进", Correct: "附近", Offset: 0, Length: 2}},
	}
	db.LastAppliedVersion = 3
	return db
}

func TestJSONFileRoundTrip(t *testing.T) {
	t.Parallel()

	backend, err := NewJSONFile(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if rec, err := backend.Load("missing"); err != nil || rec != nil {
		t.Fatalf("missing record: %v %v", rec, err)
	}

	want := &Record{DocID: "doc-1", SavedAt: 42, DB: sampleDB()}
	if err := backend.Save(want); err != nil {
		t.Fatal(err)
	}
	got, err := backend.Load("doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.DB.LastAppliedVersion != 3 {
		t.Fatalf("version = %d, want 3", got.DB.LastAppliedVersion)
	}
	pr := got.DB.Paragraphs["abcd1234"]
	if pr == nil || len(pr.Errors) != 1 || pr.Errors[0].Correct != "附近" {
		t.Fatalf("paragraph result = %+v", pr)
	}

	if err := backend.Delete("doc-1"); err != nil {
		t.Fatal(err)
	}
	if rec, _ := backend.Load("doc-1"); rec != nil {
		t.Fatal("record survived delete")
	}
	if err := backend.Delete("doc-1"); err != nil {
		t.Fatal("double delete must be a no-op")
	}
}

func TestJSONFilePathSanitized(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	backend, err := NewJSONFile(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := backend.Save(&Record{DocID: "../escape", DB: sampleDB()}); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("record written outside the storage dir: %v", entries)
	}
}

func TestJSONFileSweep(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	backend, err := NewJSONFile(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := backend.Save(&Record{DocID: "old", DB: sampleDB()}); err != nil {
		t.Fatal(err)
	}
	if err := backend.Save(&Record{DocID: "fresh", DB: sampleDB()}); err != nil {
		t.Fatal(err)
	}

	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "old.json"), past, past); err != nil {
		t.Fatal(err)
	}

	removed, err := backend.Sweep(24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("swept %d records, want 1", removed)
	}
	if rec, _ := backend.Load("fresh"); rec == nil {
		t.Fatal("fresh record swept")
	}
	if rec, _ := backend.Load("old"); rec != nil {
		t.Fatal("stale record survived sweep")
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	t.Parallel()

	backend, err := NewSQLite(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer backend.Close()

	if rec, err := backend.Load("missing"); err != nil || rec != nil {
		t.Fatalf("missing record: %v %v", rec, err)
	}

	if err := backend.Save(&Record{DocID: "doc-1", SavedAt: time.Now().UnixMilli(), DB: sampleDB()}); err != nil {
		t.Fatal(err)
	}
	// Upsert on conflict.
	db2 := sampleDB()
	db2.LastAppliedVersion = 9
	if err := backend.Save(&Record{DocID: "doc-1", SavedAt: time.Now().UnixMilli(), DB: db2}); err != nil {
		t.Fatal(err)
	}

	got, err := backend.Load("doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.DB.LastAppliedVersion != 9 {
		t.Fatalf("version = %d, want 9", got.DB.LastAppliedVersion)
	}

	if err := backend.Save(&Record{DocID: "ancient", SavedAt: time.Now().Add(-72 * time.Hour).UnixMilli(), DB: sampleDB()}); err != nil {
		t.Fatal(err)
	}
	removed, err := backend.Sweep(24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("swept %d records, want 1", removed)
	}

	if err := backend.Delete("doc-1"); err != nil {
		t.Fatal(err)
	}
	if rec, _ := backend.Load("doc-1"); rec != nil {
		t.Fatal("record survived delete")
	}
}

// countingBackend wraps JSONFile and counts writes
type countingBackend struct {
	Backend
	mu     sync.Mutex
	writes int
}

func (c *countingBackend) Save(rec *Record) error {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	return c.Backend.Save(rec)
}

func (c *countingBackend) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func TestSaverDebounceAndNoOp(t *testing.T) {
	t.Parallel()

	inner, err := NewJSONFile(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	backend := &countingBackend{Backend: inner}
	saver := NewSaver(backend, 30*time.Millisecond)

	// A burst of saves collapses into one write.
	for i := 0; i < 5; i++ {
		saver.Save("doc", sampleDB())
	}
	testkit.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		return backend.count() == 1
	}, "debounced write never flushed")
	time.Sleep(80 * time.Millisecond)
	if backend.count() != 1 {
		t.Fatalf("burst produced %d writes, want 1", backend.count())
	}

	// A byte-identical snapshot is skipped entirely.
	saver.Save("doc", sampleDB())
	time.Sleep(80 * time.Millisecond)
	if backend.count() != 1 {
		t.Fatalf("identical payload rewritten, writes = %d", backend.count())
	}

	// A changed snapshot goes through.
	changed := sampleDB()
	changed.LastAppliedVersion = 99
	saver.Save("doc", changed)
	testkit.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		return backend.count() == 2
	}, "changed payload never written")
}

func TestSaverLoadSeedsNoOpDetection(t *testing.T) {
	t.Parallel()

	inner, err := NewJSONFile(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	backend := &countingBackend{Backend: inner}
	saver := NewSaver(backend, 20*time.Millisecond)

	saver.Save("doc", sampleDB())
	saver.Flush()
	if backend.count() != 1 {
		t.Fatalf("flush wrote %d times, want 1", backend.count())
	}

	// Fresh saver, hydrate then save the same content: no rewrite.
	saver2 := NewSaver(backend, 20*time.Millisecond)
	db, err := saver2.Load("doc")
	if err != nil || db == nil {
		t.Fatalf("load: %v %v", db, err)
	}
	saver2.Save("doc", db)
	time.Sleep(80 * time.Millisecond)
	if backend.count() != 1 {
		t.Fatalf("hydrate round trip rewrote the record, writes = %d", backend.count())
	}
}

func TestSaverForget(t *testing.T) {
	t.Parallel()

	inner, err := NewJSONFile(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	saver := NewSaver(inner, 10*time.Millisecond)
	saver.Save("doc", sampleDB())
	saver.Flush()

	if err := saver.Forget("doc"); err != nil {
		t.Fatal(err)
	}
	if db, _ := saver.Load("doc"); db != nil {
		t.Fatal("record survived Forget")
	}
}
