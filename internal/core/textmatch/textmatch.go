// Package textmatch resolves a detector-reported wrong substring back to
// an exact rune offset inside the sentence it came from
package textmatch

import (
	"unicode"

	"golang.org/x/text/width"
)

// NoHint disables the position hint in BestOffset
const NoHint = -1

// BestOffset locates wrong inside sentence and returns its rune offset.
//
// Resolution order: a verified hint wins outright; otherwise exact
// occurrences are enumerated, with target (the detector's proposed fully
// corrected sentence) disambiguating repeats by substituting correct at
// each candidate position; with zero exact occurrences a sliding
// Hamming-distance window picks the closest match under width folding.
// ok is false only when wrong is empty or longer than sentence
func BestOffset(sentence, wrong, correct, target string, hint int) (int, bool) {
	rs := []rune(sentence)
	ws := []rune(wrong)
	m := len(ws)
	if m == 0 || m > len(rs) {
		return 0, false
	}

	if hint >= 0 && hint+m <= len(rs) && runesEqual(rs[hint:hint+m], ws) {
		return hint, true
	}

	var occs []int
	for i := 0; i+m <= len(rs); i++ {
		if runesEqual(rs[i:i+m], ws) {
			occs = append(occs, i)
		}
	}

	switch {
	case len(occs) == 1:
		return occs[0], true
	case len(occs) > 1:
		if correct != "" && target != "" {
			cs := []rune(correct)
			for _, occ := range occs {
				if substituted(rs, occ, m, cs) == target {
					return occ, true
				}
			}
		}
		return occs[0], true
	}

	// No exact occurrence: the detector likely re-normalized the text
	// (width variants, whitespace). Slide a window and take the minimal
	// Hamming distance, earliest position on ties
	fs := foldRunes(rs)
	fw := foldRunes(ws)
	best, bestDist := 0, m+1
	for i := 0; i+m <= len(fs); i++ {
		d := 0
		for j := 0; j < m && d < bestDist; j++ {
			if fs[i+j] != fw[j] {
				d++
			}
		}
		if d == 0 {
			return i, true
		}
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, true
}

func runesEqual(a, b []rune) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// substituted replaces the m runes at off with repl and returns the
// resulting sentence
func substituted(rs []rune, off, m int, repl []rune) string {
	out := make([]rune, 0, len(rs)-m+len(repl))
	out = append(out, rs[:off]...)
	out = append(out, repl...)
	out = append(out, rs[off+m:]...)
	return string(out)
}

// foldRunes maps full- and half-width variants onto a canonical form and
// collapses all whitespace kinds to a plain space so that re-normalized
// detector output still compares equal rune-for-rune
func foldRunes(rs []rune) []rune {
	out := make([]rune, len(rs))
	for i, r := range rs {
		if unicode.IsSpace(r) {
			out[i] = ' '
			continue
		}
		if f := width.LookupRune(r).Folded(); f != 0 {
			out[i] = f
			continue
		}
		out[i] = r
	}
	return out
}
