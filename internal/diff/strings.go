package diff

import (
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

func (e *engine) diffString(from, to string, path Path, annotated bool) *StringDiff {
	if from == to {
		var segments []Segment
		if from != "" {
			segments = []Segment{{Text: from, Kind: SegmentUnchanged}}
		}
		return &StringDiff{
			Node:      Node{Action: ActionUnchanged},
			FromValue: from,
			ToValue:   to,
			Segments:  segments,
		}
	}
	return &StringDiff{
		Node:      Node{Action: ActionChanged, Annotation: e.annotationFor(path, annotated)},
		FromValue: from,
		ToValue:   to,
		IsChanged: true,
		Segments:  Segments(from, to),
	}
}

// Segments returns the edit script turning from into to. The unchanged and
// added segments concatenate to to; the unchanged and removed segments
// concatenate to from. Output is deterministic for identical inputs.
func Segments(from, to string) []Segment {
	dmp := diffmatchpatch.New()
	// Zero disables the deadline; output must not depend on timing.
	dmp.DiffTimeout = 0

	// Invalid UTF-8 would be rewritten to U+FFFD by a rune diff, so such
	// strings are diffed byte by byte instead.
	byteMode := !utf8.ValidString(from) || !utf8.ValidString(to)
	var diffs []diffmatchpatch.Diff
	if byteMode {
		diffs = dmp.DiffMainRunes(bytesAsRunes(from), bytesAsRunes(to), false)
	} else {
		diffs = dmp.DiffMain(from, to, false)
	}
	diffs = dmp.DiffCleanupSemantic(diffs)

	segments := make([]Segment, 0, len(diffs))
	for _, d := range diffs {
		if d.Text == "" {
			continue
		}
		if byteMode {
			d.Text = runesAsBytes(d.Text)
		}
		kind := SegmentUnchanged
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			kind = SegmentAdded
		case diffmatchpatch.DiffDelete:
			kind = SegmentRemoved
		}
		if n := len(segments); n > 0 && segments[n-1].Kind == kind {
			segments[n-1].Text += d.Text
			continue
		}
		segments = append(segments, Segment{Text: d.Text, Kind: kind})
	}
	return segments
}

func bytesAsRunes(s string) []rune {
	out := make([]rune, len(s))
	for i := 0; i < len(s); i++ {
		out[i] = rune(s[i])
	}
	return out
}

func runesAsBytes(s string) string {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		out = append(out, byte(r))
	}
	return string(out)
}

// Reconstruct joins the segments of one side: SegmentAdded for the new
// string, SegmentRemoved for the old one.
func Reconstruct(segments []Segment, side SegmentKind) string {
	out := make([]byte, 0)
	for _, segment := range segments {
		if segment.Kind == SegmentUnchanged || segment.Kind == side {
			out = append(out, segment.Text...)
		}
	}
	return string(out)
}
