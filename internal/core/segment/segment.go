// Package segment splits document text into paragraphs and sentences
// with stable content hashes and absolute character offsets
package segment

import (
	"hash/fnv"
	"strconv"
	"unicode"
)

// Paragraph is a maximal run of non-blank lines. Offsets are rune
// offsets into the full document, End exclusive. Hash is the cache key
// and covers exactly Text
type Paragraph struct {
	Text  string
	Start int
	End   int
	Hash  string

	sentences []Sentence
}

// Sentence is a terminator-delimited slice of a paragraph. Offsets are
// absolute rune offsets into the full document, End exclusive
type Sentence struct {
	Text  string
	Start int
	End   int
}

// Hash returns the lightweight 32-bit FNV-1a digest of s as lowercase hex
func Hash(s string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return strconv.FormatUint(uint64(h.Sum32()), 16)
}

// isEnder reports whether r terminates a sentence
func isEnder(r rune) bool {
	switch r {
	case '。', '！', '？', '!', '?':
		return true
	}
	return false
}

func allWhite(rs []rune) bool {
	for _, r := range rs {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// SplitParagraphs splits text into paragraphs. A line of only whitespace
// (or end of text) closes the current paragraph; consecutive blank lines
// collapse without producing empty paragraphs. Trailing text with no
// terminating blank line is still emitted if it is not all whitespace
func SplitParagraphs(text string) []*Paragraph {
	rs := []rune(text)
	n := len(rs)
	var paras []*Paragraph

	push := func(s, e int) {
		t := string(rs[s:e])
		paras = append(paras, &Paragraph{Text: t, Start: s, End: e, Hash: Hash(t)})
	}

	start := 0
	lineStart := 0
	i := 0
	for i <= n {
		if i < n && rs[i] != '\n' && rs[i] != '\r' {
			i++
			continue
		}

		// i is at a line break or end of text
		brk := 0
		if i < n {
			brk = 1
			if rs[i] == '\r' && i+1 < n && rs[i+1] == '\n' {
				brk = 2
			}
		}

		if allWhite(rs[lineStart:i]) {
			// blank line (or leading whitespace run) closes the paragraph
			// before the blank line's own start
			if lineStart > start && !allWhite(rs[start:lineStart]) {
				push(start, lineStart)
			}
			if i == n {
				break
			}
			start = i + brk
			lineStart = start
			i = start
			continue
		}

		if i == n {
			if n > start && !allWhite(rs[start:n]) {
				push(start, n)
			}
			break
		}

		lineStart = i + brk
		i = lineStart
	}

	return paras
}

// Sentences splits the paragraph once and memoizes the result.
// A sentence ends at terminal punctuation or a newline; any trailing
// non-whitespace remainder is emitted as a final sentence
func (p *Paragraph) Sentences() []Sentence {
	if p.sentences != nil {
		return p.sentences
	}
	rs := []rune(p.Text)
	out := make([]Sentence, 0, 4)
	start := 0
	for i, r := range rs {
		if isEnder(r) || r == '\n' {
			end := i + 1
			if end > start && !allWhite(rs[start:end]) {
				out = append(out, Sentence{
					Text:  string(rs[start:end]),
					Start: p.Start + start,
					End:   p.Start + end,
				})
			}
			start = end
		}
	}
	if start < len(rs) && !allWhite(rs[start:]) {
		out = append(out, Sentence{
			Text:  string(rs[start:]),
			Start: p.Start + start,
			End:   p.Start + len(rs),
		})
	}
	p.sentences = out
	return out
}
