package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	phttp "typosweep/internal/platform/net/http"
	"typosweep/internal/platform/testkit"
	detectsvc "typosweep/internal/services/detect/service"
	"typosweep/internal/services/host"
	scansvc "typosweep/internal/services/scan/service"
	"typosweep/internal/services/typodb"
)

func newTestServer(t *testing.T) (*httptest.Server, *host.Registry) {
	t.Helper()

	reg := host.NewRegistry()
	store := typodb.NewStore(10, reg.IsOpen)
	scanner := scansvc.NewScanner(scansvc.Options{
		Store:    store,
		Detector: detectsvc.New(detectsvc.Options{}),
		Host:     reg,
		Roles:    reg,
		Identity: reg,
		Debounce: 20 * time.Millisecond,
	})

	mux := chi.NewMux()
	Mount(phttp.AdaptChi(mux), Options{Registry: reg, Scanner: scanner, Store: store})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, reg
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, phttp.Envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var env phttp.Envelope
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
	}
	return resp, env
}

func TestDocLifecycle(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	docURL := srv.URL + "/docs/chapter-1"

	resp, env := doJSON(t, http.MethodPut, docURL, map[string]any{
		"text":    "昨天我去了附进的商店。",
		"version": 1,
		"open":    true,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("upsert status = %d, body %+v", resp.StatusCode, env)
	}

	// The debounced scan lands and the stub flags 附进.
	testkit.Eventually(t, 3*time.Second, 25*time.Millisecond, func() bool {
		resp, env := doJSON(t, http.MethodGet, docURL+"/diagnostics", nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		data, _ := json.Marshal(env.Data)
		var dr struct {
			Diagnostics []struct {
				Wrong string `json:"wrong"`
			} `json:"diagnostics"`
		}
		if json.Unmarshal(data, &dr) != nil {
			return false
		}
		return len(dr.Diagnostics) == 1 && dr.Diagnostics[0].Wrong == "附进"
	}, "diagnostics never appeared")

	resp, _ = doJSON(t, http.MethodDelete, docURL, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, docURL+"/diagnostics", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("diagnostics after delete = %d, want 404", resp.StatusCode)
	}
}

func TestRescan(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	docURL := srv.URL + "/docs/r"

	if resp, _ := doJSON(t, http.MethodPost, docURL+"/rescan", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("rescan of unknown doc = %d, want 404", resp.StatusCode)
	}

	doJSON(t, http.MethodPut, docURL, map[string]any{"text": "一股做气。", "version": 1, "open": true})
	resp, _ := doJSON(t, http.MethodPost, docURL+"/rescan", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("rescan status = %d", resp.StatusCode)
	}
	testkit.Eventually(t, 3*time.Second, 25*time.Millisecond, func() bool {
		_, env := doJSON(t, http.MethodGet, docURL+"/diagnostics", nil)
		data, _ := json.Marshal(env.Data)
		var dr struct {
			Diagnostics []json.RawMessage `json:"diagnostics"`
		}
		return json.Unmarshal(data, &dr) == nil && len(dr.Diagnostics) == 1
	}, "rescan produced no diagnostics")
}

func TestStatusToggle(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	_, env := doJSON(t, http.MethodGet, srv.URL+"/status", nil)
	data, _ := json.Marshal(env.Data)
	var st struct {
		Enabled bool `json:"enabled"`
		Busy    bool `json:"busy"`
	}
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatal(err)
	}
	if !st.Enabled {
		t.Fatal("scanner should start enabled")
	}

	_, env = doJSON(t, http.MethodPut, srv.URL+"/status", map[string]bool{"enabled": false})
	data, _ = json.Marshal(env.Data)
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatal(err)
	}
	if st.Enabled {
		t.Fatal("toggle did not disable scanning")
	}

	// Rescan while disabled is refused.
	docURL := srv.URL + "/docs/d"
	doJSON(t, http.MethodPut, docURL, map[string]any{"text": "x", "version": 1, "open": true})
	resp, _ := doJSON(t, http.MethodPost, docURL+"/rescan", nil)
	if resp.StatusCode == http.StatusAccepted {
		t.Fatalf("rescan accepted while disabled, status = %d", resp.StatusCode)
	}
}

func TestUpsertValidation(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	resp, env := doJSON(t, http.MethodPut, srv.URL+"/docs/v", map[string]any{
		"text": "x", "version": -1, "open": true,
	})
	if resp.StatusCode == http.StatusAccepted {
		t.Fatalf("negative version accepted: %+v", env)
	}
	if env.Error == "" {
		t.Fatal("validation failure carried no message")
	}
}

func TestSuppressionOverAPI(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	docURL := srv.URL + "/docs/s"

	doJSON(t, http.MethodPut, docURL, map[string]any{
		"text":    "附进的商店。",
		"version": 1,
		"open":    true,
		"suppressed": []map[string]any{
			{"kind": "role", "range": map[string]int{"start": 0, "end": 3}},
		},
	})

	// The role span covers the typo, so nothing may surface.
	time.Sleep(300 * time.Millisecond)
	_, env := doJSON(t, http.MethodGet, docURL+"/diagnostics", nil)
	data, _ := json.Marshal(env.Data)
	var dr struct {
		Diagnostics []json.RawMessage `json:"diagnostics"`
	}
	if err := json.Unmarshal(data, &dr); err != nil {
		t.Fatal(err)
	}
	if len(dr.Diagnostics) != 0 {
		t.Fatalf("suppressed diagnostic surfaced: %s", mustJSON(dr.Diagnostics))
	}
}

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

