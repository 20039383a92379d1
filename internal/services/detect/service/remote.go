package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	perr "typosweep/internal/platform/errors"
	"typosweep/internal/services/detect/domain"
)

// Detection service modes
const (
	ModeMacro = "macro"
	ModeLLM   = "llm"
)

// RemoteConfig configures the network detection backend
type RemoteConfig struct {
	BaseURL    string
	Mode       string
	Model      string
	APIKey     string
	APIBase    string
	Timeout    time.Duration
	LLMTimeout time.Duration
}

// Remote calls the detection service over HTTP. Macro mode posts to
// /correct, LLM mode to /correct/llm and additionally understands a
// streamed (SSE) response body
type Remote struct {
	cfg    RemoteConfig
	client *http.Client
}

// NewRemote builds a Remote. client may be nil to use a default
func NewRemote(cfg RemoteConfig, client *http.Client) *Remote {
	if cfg.Mode == "" {
		cfg.Mode = ModeMacro
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 60 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Remote{cfg: cfg, client: client}
}

// ChunkTimeout is the per-request budget for the active mode
func (r *Remote) ChunkTimeout() time.Duration {
	if r.cfg.Mode == ModeLLM {
		return r.cfg.LLMTimeout
	}
	return r.cfg.Timeout
}

type correctRequest struct {
	Texts      []string `json:"texts"`
	DocUUID    string   `json:"doc_uuid,omitempty"`
	KnownRoles []string `json:"known_roles,omitempty"`
	Model      string   `json:"model,omitempty"`
	APIKey     string   `json:"api_key,omitempty"`
	APIBase    string   `json:"api_base,omitempty"`
}

// DetectChunk issues one request for one chunk of sentences. The caller
// bounds ctx with ChunkTimeout
func (r *Remote) DetectChunk(ctx context.Context, sentences []string, bc domain.BatchContext) ([]*domain.Result, error) {
	reqBody := correctRequest{
		Texts:      sentences,
		DocUUID:    bc.DocID,
		KnownRoles: bc.KnownRoles,
	}
	path := "/correct"
	if r.cfg.Mode == ModeLLM {
		path = "/correct/llm"
		reqBody.Model = r.cfg.Model
		reqBody.APIKey = r.cfg.APIKey
		reqBody.APIBase = r.cfg.APIBase
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, perr.JSONErrf("encode detection request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(r.cfg.BaseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeDetector, "build detection request")
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.Mode == ModeLLM {
		req.Header.Set("Accept", "text/event-stream, application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeDetector, "detection request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, perr.Detectorf("detection service returned %d: %s", resp.StatusCode, string(body))
	}

	var br *domain.BatchResponse
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		br, err = r.readStream(resp.Body, bc)
	} else {
		br = &domain.BatchResponse{}
		err = json.NewDecoder(resp.Body).Decode(br)
		if err != nil {
			err = perr.JSONErrf("decode detection response: %v", err)
		}
	}
	if err != nil {
		return nil, err
	}
	return alignResults(br.Corrections, len(sentences)), nil
}

// readStream consumes newline-delimited "data:" events, accumulating
// delta content and speculatively parsing complete corrections for
// OnPartial as they appear. A terminal "data: [DONE]" or end of stream
// closes it
func (r *Remote) readStream(body io.Reader, bc domain.BatchContext) (*domain.BatchResponse, error) {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)

	var acc strings.Builder
	seen := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}
		acc.WriteString(deltaContent(payload))

		if bc.OnPartial != nil {
			if partial := SpeculativeCorrections(acc.String()); len(partial) > seen {
				bc.OnPartial(partial)
				seen = len(partial)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeDetector, "read detection stream")
	}

	obj, ok := FirstJSONObject(acc.String())
	if !ok {
		return nil, perr.JSONErrf("detection stream carried no JSON object")
	}
	var br domain.BatchResponse
	if err := json.Unmarshal([]byte(obj), &br); err != nil {
		return nil, perr.JSONErrf("decode streamed detection response: %v", err)
	}
	return &br, nil
}

// alignResults maps a corrections array onto a slice parallel to the
// input sentences. An explicit index field wins over positional order;
// out-of-range indices are dropped
func alignResults(corrections []*domain.Result, n int) []*domain.Result {
	out := make([]*domain.Result, n)
	for pos, c := range corrections {
		if c == nil {
			continue
		}
		idx := pos
		if c.Index != nil {
			idx = *c.Index
		}
		if idx < 0 || idx >= n {
			continue
		}
		out[idx] = c
	}
	return out
}
