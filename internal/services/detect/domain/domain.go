// Package domain holds the detector wire types and the batch detector
// contract shared by the remote, stub and host-injected backends
package domain

import (
	"context"
	"encoding/json"
	"strconv"

	perr "typosweep/internal/platform/errors"
)

// ErrorTuple is one reported correction inside a Result. On the wire it
// is a mixed-type JSON array [wrong, correct, hint?, score?] where hint
// is a rune offset into the source sentence
type ErrorTuple struct {
	Wrong   string
	Correct string
	Hint    *int
	Score   *float64
}

// Signature identifies a correction for dedup between streamed partial
// results and the final batch response
func (e ErrorTuple) Signature() string {
	h := ""
	if e.Hint != nil {
		h = strconv.Itoa(*e.Hint)
	}
	return e.Wrong + "\x00" + e.Correct + "\x00" + h
}

// UnmarshalJSON decodes the positional tuple form
func (e *ErrorTuple) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return perr.JSONErrf("correction tuple is not an array: %v", err)
	}
	if len(raw) < 2 {
		return perr.JSONErrf("correction tuple has %d elements, need at least 2", len(raw))
	}
	if err := json.Unmarshal(raw[0], &e.Wrong); err != nil {
		return perr.JSONErrf("correction tuple wrong: %v", err)
	}
	if err := json.Unmarshal(raw[1], &e.Correct); err != nil {
		return perr.JSONErrf("correction tuple correct: %v", err)
	}
	if len(raw) > 2 && string(raw[2]) != "null" {
		var hint float64
		if err := json.Unmarshal(raw[2], &hint); err == nil {
			h := int(hint)
			e.Hint = &h
		}
	}
	if len(raw) > 3 && string(raw[3]) != "null" {
		var score float64
		if err := json.Unmarshal(raw[3], &score); err == nil {
			e.Score = &score
		}
	}
	return nil
}

// MarshalJSON emits the positional tuple form
func (e ErrorTuple) MarshalJSON() ([]byte, error) {
	arr := []any{e.Wrong, e.Correct}
	if e.Hint != nil {
		arr = append(arr, *e.Hint)
		if e.Score != nil {
			arr = append(arr, *e.Score)
		}
	} else if e.Score != nil {
		arr = append(arr, nil, *e.Score)
	}
	return json.Marshal(arr)
}

// Result is a detector's verdict for one input sentence. Index, when
// present, designates which input sentence it corrects; otherwise
// positional order is assumed
type Result struct {
	Index  *int         `json:"index,omitempty"`
	Source string       `json:"source"`
	Target string       `json:"target"`
	Errors []ErrorTuple `json:"errors"`

	// Failed marks a sentence whose detection did not run (chunk
	// failure). A nil Result element, by contrast, means the detector
	// saw the sentence and reported nothing
	Failed bool `json:"-"`
}

// FailedVerdict is the aligned-slice filler for sentences whose
// detection could not run
func FailedVerdict() *Result { return &Result{Failed: true} }

// BatchResponse is the detection service's response envelope
type BatchResponse struct {
	Corrections []*Result `json:"corrections"`
}

// BatchContext carries per-call metadata alongside the sentences
type BatchContext struct {
	// DocID is a stable document identifier forwarded to the service
	DocID string
	// KnownRoles lists proper nouns the detector should not flag
	KnownRoles []string
	// OnPartial, when non-nil, receives speculative results as a
	// streaming backend produces them, before the call returns
	OnPartial func(results []*Result)
}

// BatchDetector detects typos for a batch of sentences. The returned
// slice is aligned with sentences; a nil element means the backend
// reported no corrections for that sentence, a Failed element means
// detection did not run for it
type BatchDetector interface {
	DetectBatch(ctx context.Context, sentences []string, bc BatchContext) ([]*Result, error)
}

// DetectorFunc adapts a function to the BatchDetector interface
type DetectorFunc func(ctx context.Context, sentences []string, bc BatchContext) ([]*Result, error)

// DetectBatch implements BatchDetector
func (f DetectorFunc) DetectBatch(ctx context.Context, sentences []string, bc BatchContext) ([]*Result, error) {
	return f(ctx, sentences, bc)
}
