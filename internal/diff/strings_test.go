package diff

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSegmentsReconstructBothSides(t *testing.T) {
	pairs := []struct{ from, to string }{
		{"", "added"},
		{"removed", ""},
		{"kitten", "sitting"},
		{"Rate limiting protects infrastructure.", "Rate limiting protects shared infrastructure from abuse."},
		{"naïve café", "naive cafe"},
		{"abcabcabc", "abcXabc"},
		{"same", "same"},
		{"line one\nline two\n", "line one\nline 2\nline three\n"},
		{"a\xffb", "a\xffc"},
		{"caf\xc3", "café"},
		{"\xfe\xff", ""},
	}
	for _, p := range pairs {
		segments := Segments(p.from, p.to)
		if got := Reconstruct(segments, SegmentAdded); got != p.to {
			t.Fatalf("Segments(%q, %q) new side = %q", p.from, p.to, got)
		}
		if got := Reconstruct(segments, SegmentRemoved); got != p.from {
			t.Fatalf("Segments(%q, %q) old side = %q", p.from, p.to, got)
		}
		for i := 1; i < len(segments); i++ {
			if segments[i].Kind == segments[i-1].Kind {
				t.Fatalf("adjacent segments share kind %s: %+v", segments[i].Kind, segments)
			}
		}
	}
}

func TestSegmentsAreStable(t *testing.T) {
	from := "The quick brown fox jumps over the lazy dog"
	to := "The quick red fox leaps over the very lazy dog"
	first := Segments(from, to)
	for i := 0; i < 10; i++ {
		if diff := cmp.Diff(first, Segments(from, to)); diff != "" {
			t.Fatalf("Segments() not stable (-first +again):\n%s", diff)
		}
	}
}

func TestStringDiffFlags(t *testing.T) {
	d, err := Compute("same", "same")
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	s := d.(*StringDiff)
	if s.IsChanged || s.Action != ActionUnchanged {
		t.Fatalf("unexpected flags for equal strings: %+v", s)
	}

	d, err = Compute("", "x")
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	s = d.(*StringDiff)
	if !s.IsChanged || s.Action != ActionChanged {
		t.Fatalf("unexpected flags for changed strings: %+v", s)
	}
}
