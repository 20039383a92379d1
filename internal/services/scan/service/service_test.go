package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	perr "typosweep/internal/platform/errors"
	"typosweep/internal/platform/testkit"
	detectdomain "typosweep/internal/services/detect/domain"
	detectsvc "typosweep/internal/services/detect/service"
	"typosweep/internal/services/host"
	scandomain "typosweep/internal/services/scan/domain"
	"typosweep/internal/services/typodb"
)

// fakeDetector records every dispatched batch and answers clean
// verdicts unless fn overrides it
type fakeDetector struct {
	mu      sync.Mutex
	batches [][]string
	fn      func(sentences []string, bc detectdomain.BatchContext) ([]*detectdomain.Result, error)
}

func (f *fakeDetector) DetectBatch(_ context.Context, sentences []string, bc detectdomain.BatchContext) ([]*detectdomain.Result, error) {
	f.mu.Lock()
	f.batches = append(f.batches, append([]string(nil), sentences...))
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(sentences, bc)
	}
	out := make([]*detectdomain.Result, len(sentences))
	for i, s := range sentences {
		out[i] = &detectdomain.Result{Source: s, Target: s}
	}
	return out, nil
}

func (f *fakeDetector) dispatched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func newTestScanner(det detectdomain.BatchDetector, reg *host.Registry, opts Options) *Scanner {
	opts.Detector = det
	opts.Host = reg
	opts.Roles = reg
	opts.Identity = reg
	if opts.Store == nil {
		opts.Store = typodb.NewStore(10, reg.IsOpen)
	}
	return NewScanner(opts)
}

func TestEndToEndStubScan(t *testing.T) {
	t.Parallel()

	reg := host.NewRegistry()
	s := newTestScanner(detectsvc.New(detectsvc.Options{}), reg, Options{})

	text := "昨天我去了附进的商店。\n\n一股做气买了很多东西。"
	reg.Upsert("doc", text, 1, true)
	s.Scan("doc")

	diags, version, ok := reg.Diagnostics("doc")
	if !ok || version != 1 {
		t.Fatalf("diagnostics missing, version=%d ok=%v", version, ok)
	}
	if len(diags) != 2 {
		t.Fatalf("got %d diagnostics, want 2: %+v", len(diags), diags)
	}

	rs := []rune(text)
	first, second := diags[0], diags[1]
	if first.Wrong != "附进" || first.Correct != "附近" {
		t.Fatalf("first diagnostic = %+v", first)
	}
	if got := string(rs[first.Range.Start:first.Range.End]); got != "附进" {
		t.Fatalf("first range spans %q", got)
	}
	if second.Wrong != "一股做气" || second.Correct != "一鼓作气" {
		t.Fatalf("second diagnostic = %+v", second)
	}
	if got := string(rs[second.Range.Start:second.Range.End]); got != "一股做气" {
		t.Fatalf("second range spans %q", got)
	}
}

func TestApplyIdempotence(t *testing.T) {
	t.Parallel()

	reg := host.NewRegistry()
	s := newTestScanner(detectsvc.New(detectsvc.Options{}), reg, Options{})
	reg.Upsert("doc", "附进的商店。", 3, true)
	s.Scan("doc")
	first, _, _ := reg.Diagnostics("doc")

	s.enqueueApply("doc")
	s.Sync("doc")
	second, _, _ := reg.Diagnostics("doc")

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("apply not idempotent:\n%+v\n%+v", first, second)
	}
}

func TestCacheKeyReuse(t *testing.T) {
	t.Parallel()

	det := &fakeDetector{}
	reg := host.NewRegistry()
	s := newTestScanner(det, reg, Options{})

	reg.Upsert("doc", "第一段。\n\n第二段。", 1, true)
	s.Scan("doc")
	if got := det.dispatched(); len(got) != 2 {
		t.Fatalf("initial dispatch = %v", got)
	}

	// Edit elsewhere: prepending a paragraph leaves both original
	// paragraphs' text, and therefore their hashes, untouched.
	det.batches = nil
	reg.Upsert("doc", "新增段。\n\n第一段。\n\n第二段。", 2, true)
	s.Scan("doc")

	got := det.dispatched()
	if len(got) != 1 || got[0] != "新增段。" {
		t.Fatalf("redetection for unchanged paragraphs: %v", got)
	}
}

func TestStreamingDedup(t *testing.T) {
	t.Parallel()

	tuple := detectdomain.ErrorTuple{Wrong: "附进", Correct: "附近"}
	det := &fakeDetector{}
	det.fn = func(sentences []string, bc detectdomain.BatchContext) ([]*detectdomain.Result, error) {
		idx := 0
		partial := &detectdomain.Result{
			Index:  &idx,
			Source: sentences[0],
			Target: "附近的商店。",
			Errors: []detectdomain.ErrorTuple{tuple},
		}
		if bc.OnPartial != nil {
			bc.OnPartial([]*detectdomain.Result{partial})
		}
		final := *partial
		return []*detectdomain.Result{&final}, nil
	}

	reg := host.NewRegistry()
	store := typodb.NewStore(10, reg.IsOpen)
	s := newTestScanner(det, reg, Options{Store: store})

	reg.Upsert("doc", "附进的商店。", 1, true)
	s.Scan("doc")

	db := store.Export("doc")
	total := 0
	for _, pr := range db.Paragraphs {
		total += len(pr.Errors)
	}
	if total != 1 {
		t.Fatalf("correction applied %d times, want exactly once", total)
	}
}

func TestSuppression(t *testing.T) {
	t.Parallel()

	reg := host.NewRegistry()
	s := newTestScanner(detectsvc.New(detectsvc.Options{}), reg, Options{})
	reg.Upsert("doc", "附进的商店。", 1, true)

	// A plain role occurrence overlapping the error suppresses it.
	reg.SetRoles("doc", nil, []scandomain.SuppressedRange{
		{Kind: "role", Range: scandomain.Range{Start: 0, End: 3}},
	})
	s.Scan("doc")
	if diags, _, _ := reg.Diagnostics("doc"); len(diags) != 0 {
		t.Fatalf("suppressed diagnostic still published: %+v", diags)
	}

	// A sensitive-word occurrence never suppresses.
	reg.SetRoles("doc", nil, []scandomain.SuppressedRange{
		{Kind: scandomain.KindSensitiveWord, Range: scandomain.Range{Start: 0, End: 3}},
	})
	s.Rescan("doc")
	s.Sync("doc")
	if diags, _, _ := reg.Diagnostics("doc"); len(diags) != 1 {
		t.Fatalf("sensitive-word occurrence suppressed a diagnostic: %+v", diags)
	}
}

func TestDebounceCollapsesBurst(t *testing.T) {
	t.Parallel()

	det := &fakeDetector{}
	reg := host.NewRegistry()
	s := newTestScanner(det, reg, Options{Debounce: 40 * time.Millisecond})

	reg.Upsert("doc", "只有一段。", 1, true)
	s.NotifyChange("doc")
	s.NotifyChange("doc")
	s.NotifyChange("doc")

	testkit.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		det.mu.Lock()
		defer det.mu.Unlock()
		return len(det.batches) > 0
	}, "debounced scan never fired")

	// Let any stray timer fire, then confirm the burst produced one scan.
	time.Sleep(100 * time.Millisecond)
	det.mu.Lock()
	defer det.mu.Unlock()
	if len(det.batches) != 1 {
		t.Fatalf("burst produced %d scans, want 1", len(det.batches))
	}
}

func TestDetectorFailureIsSilent(t *testing.T) {
	t.Parallel()

	reg := host.NewRegistry()
	good := detectsvc.New(detectsvc.Options{})
	failing := &fakeDetector{fn: func([]string, detectdomain.BatchContext) ([]*detectdomain.Result, error) {
		return nil, perr.Detectorf("backend down")
	}}

	reg.Upsert("doc", "附进的商店。", 1, true)

	s := newTestScanner(good, reg, Options{})
	s.Scan("doc")
	before, _, _ := reg.Diagnostics("doc")
	if len(before) != 1 {
		t.Fatalf("setup scan produced %+v", before)
	}

	// Same store, now a failing backend plus a changed document: the
	// failed cycle must leave the previous diagnostics untouched.
	s2 := newTestScanner(failing, reg, Options{Store: s.opts.Store})
	reg.Upsert("doc", "附进的商店。改动了！", 2, true)
	s2.Scan("doc")

	after, version, _ := reg.Diagnostics("doc")
	if version != 1 || !reflect.DeepEqual(before, after) {
		t.Fatalf("failed scan changed diagnostics: version=%d %+v", version, after)
	}
}

func TestNilVerdictCachedAsClean(t *testing.T) {
	t.Parallel()

	// Backends that omit clean sentences answer nil for them; the
	// paragraph still counts as scanned and must not be re-dispatched.
	det := &fakeDetector{fn: func(sentences []string, _ detectdomain.BatchContext) ([]*detectdomain.Result, error) {
		return make([]*detectdomain.Result, len(sentences)), nil
	}}
	reg := host.NewRegistry()
	s := newTestScanner(det, reg, Options{})

	reg.Upsert("doc", "干净的句子。", 1, true)
	s.Scan("doc")
	s.Scan("doc")

	det.mu.Lock()
	defer det.mu.Unlock()
	if len(det.batches) != 1 {
		t.Fatalf("clean unchanged paragraph redetected: %d dispatches, want 1", len(det.batches))
	}
}

func TestCleanParagraphsCachedWithRemote(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"corrections":[]}`))
	}))
	defer srv.Close()

	reg := host.NewRegistry()
	disp := detectsvc.New(detectsvc.Options{
		Remote: detectsvc.NewRemote(detectsvc.RemoteConfig{BaseURL: srv.URL}, nil),
	})
	s := newTestScanner(disp, reg, Options{})

	reg.Upsert("doc", "一条干净的句子。", 1, true)
	s.Scan("doc")
	s.Scan("doc")

	if got := calls.Load(); got != 1 {
		t.Fatalf("clean unchanged paragraph redetected: %d service calls, want 1", got)
	}
}

func TestFailedVerdictRetries(t *testing.T) {
	t.Parallel()

	det := &fakeDetector{fn: func(sentences []string, _ detectdomain.BatchContext) ([]*detectdomain.Result, error) {
		out := make([]*detectdomain.Result, len(sentences))
		for i := range out {
			out[i] = detectdomain.FailedVerdict()
		}
		return out, nil
	}}
	reg := host.NewRegistry()
	s := newTestScanner(det, reg, Options{})

	reg.Upsert("doc", "检测没跑成的句子。", 1, true)
	s.Scan("doc")
	s.Scan("doc")

	det.mu.Lock()
	defer det.mu.Unlock()
	if len(det.batches) != 2 {
		t.Fatalf("failed-verdict paragraph was cached: %d dispatches, want 2", len(det.batches))
	}
}

func TestDisableClearsAndHalts(t *testing.T) {
	t.Parallel()

	reg := host.NewRegistry()
	stub := detectsvc.New(detectsvc.Options{})
	det := &fakeDetector{fn: func(sentences []string, bc detectdomain.BatchContext) ([]*detectdomain.Result, error) {
		return stub.DetectBatch(context.Background(), sentences, bc)
	}}
	s := newTestScanner(det, reg, Options{Debounce: 20 * time.Millisecond})

	reg.Upsert("doc", "附进的商店。", 1, true)
	s.Scan("doc")
	if diags, _, _ := reg.Diagnostics("doc"); len(diags) != 1 {
		t.Fatalf("setup scan produced %+v", diags)
	}

	s.SetEnabled(false)
	if diags, _, _ := reg.Diagnostics("doc"); len(diags) != 0 {
		t.Fatal("disable did not clear diagnostics")
	}
	if reg.Busy() {
		t.Fatal("busy indicator stuck after disable")
	}

	det.mu.Lock()
	before := len(det.batches)
	det.mu.Unlock()
	s.NotifyChange("doc")
	time.Sleep(80 * time.Millisecond)
	det.mu.Lock()
	after := len(det.batches)
	det.mu.Unlock()
	if after != before {
		t.Fatal("scheduling not halted while disabled")
	}

	// Re-enabling force-rescans visible documents.
	s.SetEnabled(true)
	testkit.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		diags, _, _ := reg.Diagnostics("doc")
		return len(diags) == 1
	}, "re-enable did not rescan visible documents")
}

func TestBusyCoversApply(t *testing.T) {
	t.Parallel()

	// The busy indicator must hold until diagnostics are published, not
	// just while detection batches are in flight.
	var busyAtPublish atomic.Bool
	var reg *host.Registry
	reg = host.NewRegistry(host.WithPublishHook(func(string, int, []scandomain.Diagnostic) {
		busyAtPublish.Store(reg.Busy())
	}))
	s := newTestScanner(detectsvc.New(detectsvc.Options{}), reg, Options{})

	reg.Upsert("doc", "附进的商店。", 1, true)
	s.Scan("doc")

	if !busyAtPublish.Load() {
		t.Fatal("busy indicator dropped before diagnostics were published")
	}
	testkit.Eventually(t, 2*time.Second, 5*time.Millisecond, func() bool {
		return !reg.Busy()
	}, "busy indicator never released")
}

func TestForgetDropsEverything(t *testing.T) {
	t.Parallel()

	reg := host.NewRegistry()
	store := typodb.NewStore(10, reg.IsOpen)
	s := newTestScanner(detectsvc.New(detectsvc.Options{}), reg, Options{Store: store})

	reg.Upsert("doc", "附进的商店。", 1, true)
	s.Scan("doc")
	if store.Len() != 1 {
		t.Fatal("setup scan cached nothing")
	}

	s.Forget("doc")
	if store.Len() != 0 {
		t.Fatal("Forget left the cache entry")
	}
	if diags, _, _ := reg.Diagnostics("doc"); len(diags) != 0 {
		t.Fatal("Forget left published diagnostics")
	}
}
