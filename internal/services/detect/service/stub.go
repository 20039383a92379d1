package service

import (
	"context"
	"strings"
	"unicode/utf8"

	"typosweep/internal/services/detect/domain"
)

// stubDict is the last-resort deterministic dictionary used when no
// network service and no custom backend are configured
var stubDict = []struct{ wrong, correct string }{
	{"附进", "附近"},
	{"作孽", "昨夜"},
	{"一股做气", "一鼓作气"},
}

// Stub is the offline fallback detector. It scans each sentence against
// a small fixed dictionary, so the pipeline stays exercisable without a
// detection service
type Stub struct{}

// DetectBatch implements domain.BatchDetector. Every sentence gets a
// verdict; a clean sentence yields a result with no errors
func (Stub) DetectBatch(_ context.Context, sentences []string, _ domain.BatchContext) ([]*domain.Result, error) {
	out := make([]*domain.Result, len(sentences))
	for i, s := range sentences {
		res := &domain.Result{Source: s, Target: s}
		for _, d := range stubDict {
			byteOff := strings.Index(s, d.wrong)
			if byteOff < 0 {
				continue
			}
			hint := utf8.RuneCountInString(s[:byteOff])
			h := hint
			res.Errors = append(res.Errors, domain.ErrorTuple{
				Wrong:   d.wrong,
				Correct: d.correct,
				Hint:    &h,
			})
			res.Target = strings.Replace(res.Target, d.wrong, d.correct, 1)
		}
		out[i] = res
	}
	return out, nil
}
