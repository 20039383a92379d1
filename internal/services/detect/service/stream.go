package service

import (
	"encoding/json"
	"strings"

	"typosweep/internal/services/detect/domain"
)

// chatChunk is the shape of an OpenAI-style streamed completion delta
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// deltaContent extracts the text carried by one SSE data payload. A
// payload is either an OpenAI-style chunk whose delta content we want,
// or a raw fragment of the response body
func deltaContent(payload string) string {
	var c chatChunk
	if err := json.Unmarshal([]byte(payload), &c); err == nil && len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return payload
}

// FirstJSONObject returns the first balanced top-level JSON object in s,
// tracking strings and escapes so braces inside values do not confuse
// the scan
func FirstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inStr := false
	esc := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// SpeculativeCorrections parses the complete elements of the
// "corrections" array out of a possibly truncated JSON document, so a
// streaming response can surface early results before it finishes
func SpeculativeCorrections(s string) []*domain.Result {
	key := strings.Index(s, `"corrections"`)
	if key < 0 {
		return nil
	}
	open := strings.IndexByte(s[key:], '[')
	if open < 0 {
		return nil
	}
	i := key + open + 1

	var out []*domain.Result
	for i < len(s) {
		for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r' || s[i] == ',') {
			i++
		}
		if i >= len(s) || s[i] != '{' {
			break
		}
		obj, ok := FirstJSONObject(s[i:])
		if !ok {
			break
		}
		var r domain.Result
		if err := json.Unmarshal([]byte(obj), &r); err == nil {
			out = append(out, &r)
		}
		i += len(obj)
	}
	return out
}
