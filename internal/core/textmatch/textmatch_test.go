package textmatch

import "testing"

func TestBestOffsetExact(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		sentence string
		wrong    string
		correct  string
		target   string
		hint     int
		want     int
		ok       bool
	}{
		{"unique occurrence", "附进的小河", "附进", "附近", "", NoHint, 0, true},
		{"unique mid-sentence", "我去了附进的商店。", "附进", "附近", "", NoHint, 3, true},
		{"valid hint wins", "说了说了说了", "说了", "", "", 4, 4, true},
		{"stale hint ignored", "附进的小河", "附进", "", "", 3, 0, true},
		{"hint past end ignored", "附进", "附进", "", "", 1, 0, true},
		{"multiple no target takes first", "说了说，说了说", "说了说", "", "", NoHint, 0, true},
		{
			"target disambiguates second",
			"他说了说，又说了说",
			"说了说",
			"讲了讲",
			"他说了说，又讲了讲",
			NoHint, 6, true,
		},
		{
			"target matches nothing falls back to first",
			"他说了说，又说了说",
			"说了说",
			"讲了讲",
			"完全不同的句子",
			NoHint, 1, true,
		},
		{"empty wrong", "句子", "", "x", "", NoHint, 0, false},
		{"wrong longer than sentence", "短", "很长很长", "", "", NoHint, 0, false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := BestOffset(tc.sentence, tc.wrong, tc.correct, tc.target, tc.hint)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if ok && got != tc.want {
				t.Fatalf("offset = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestBestOffsetFuzzy(t *testing.T) {
	t.Parallel()

	// Not present verbatim: the sentence has 一鼓作气 while the detector
	// reported 一股做气. The closest window must be located, not dropped.
	got, ok := BestOffset("一鼓作气冲上去", "一股做气", "一鼓作气", "", NoHint)
	if !ok {
		t.Fatal("fuzzy fallback returned no offset")
	}
	if got != 0 {
		t.Fatalf("fuzzy offset = %d, want 0", got)
	}
}

func TestBestOffsetFuzzyWidthFold(t *testing.T) {
	t.Parallel()

	// Detector re-normalized full-width ABC to half-width. The folded
	// comparison finds a distance-0 window.
	got, ok := BestOffset("前缀ＡＢＣ后缀", "ABC", "", "", NoHint)
	if !ok || got != 2 {
		t.Fatalf("offset = %d ok = %v, want 2 true", got, ok)
	}
}

func TestBestOffsetFuzzyEarliestTie(t *testing.T) {
	t.Parallel()

	// Two windows at equal distance 1 from the pattern; earliest wins.
	got, ok := BestOffset("aXbaYb", "aZb", "", "", NoHint)
	if !ok || got != 0 {
		t.Fatalf("offset = %d ok = %v, want 0 true", got, ok)
	}
}

func TestBestOffsetFuzzyWhitespace(t *testing.T) {
	t.Parallel()

	// Ideographic space in the source, plain space in the report.
	got, ok := BestOffset("大家　好吗", "家 好", "", "", NoHint)
	if !ok || got != 1 {
		t.Fatalf("offset = %d ok = %v, want 1 true", got, ok)
	}
}
