package diff

import "sort"

const (
	blockType   = "block"
	childrenKey = "children"
	textKey     = "text"
	marksKey    = "marks"
	typeKey     = "_type"
)

// isPortableText reports whether two arrays hold block content: every item is
// an object and at least one of them is a block.
func isPortableText(from, to []any) bool {
	hasBlock := false
	for _, items := range [][]any{from, to} {
		for _, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				return false
			}
			if t, _ := obj[typeKey].(string); t == blockType {
				hasBlock = true
			}
		}
	}
	return hasBlock
}

func blockChildren(v Value) ([]any, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	if t, _ := obj[typeKey].(string); t != blockType {
		return nil, false
	}
	children, ok := obj[childrenKey].([]any)
	return children, ok
}

// soleEmptySpan reports whether a block's only child is a span with text "".
func soleEmptySpan(children []any) bool {
	if len(children) != 1 {
		return false
	}
	span, ok := children[0].(map[string]any)
	if !ok {
		return false
	}
	text, ok := span[textKey].(string)
	return ok && text == ""
}

// diffBlock diffs a matched pair of array items. Anything that is not a pair
// of well-formed blocks falls back to the generic rules.
func (e *engine) diffBlock(from, to Value, path Path, annotated bool) Diff {
	fromChildren, okFrom := blockChildren(from)
	toChildren, okTo := blockChildren(to)
	if !okFrom || !okTo {
		return e.diffValue(from, to, path, annotated)
	}

	fromBlock, toBlock := from.(map[string]any), to.(map[string]any)
	emptyBefore := soleEmptySpan(fromChildren)
	emptyAfter := soleEmptySpan(toChildren)

	diffSpan := func(f, t Value, p Path, ann bool) Diff {
		fromSpan, okF := f.(map[string]any)
		toSpan, okT := t.(map[string]any)
		if !okF || !okT {
			return e.diffValue(f, t, p, ann)
		}
		return e.diffSpan(fromSpan, toSpan, p, ann, emptyBefore, emptyAfter)
	}

	fields := make(map[string]Diff)
	action := ActionUnchanged
	for _, key := range sortedKeys(fromBlock, toBlock) {
		var child Diff
		if key == childrenKey {
			child = e.diffArray(fromChildren, toChildren, path.Field(key), annotated, diffSpan)
		} else {
			child = e.diffValue(field(fromBlock, key), field(toBlock, key), path.Field(key), annotated)
		}
		if ActionOf(child) != ActionUnchanged {
			action = ActionChanged
		}
		fields[key] = child
	}
	return &ObjectDiff{Node: Node{Action: action}, FromValue: from, ToValue: to, Fields: fields}
}

func (e *engine) diffSpan(from, to map[string]any, path Path, annotated, emptyBefore, emptyAfter bool) *ObjectDiff {
	fields := make(map[string]Diff)
	action := ActionUnchanged
	for _, key := range sortedKeys(from, to) {
		fromValue, toValue := field(from, key), field(to, key)
		childPath := path.Field(key)
		var child Diff
		switch {
		case key == textKey && (emptyBefore || emptyAfter):
			child = e.diffEmptyText(fromValue, toValue, emptyBefore, emptyAfter, childPath, annotated)
		case key == marksKey:
			child = e.diffMarks(fromValue, toValue, childPath, annotated)
		default:
			child = e.diffValue(fromValue, toValue, childPath, annotated)
		}
		if ActionOf(child) != ActionUnchanged {
			action = ActionChanged
		}
		fields[key] = child
	}
	return &ObjectDiff{Node: Node{Action: action}, FromValue: from, ToValue: to, Fields: fields}
}

func (e *engine) diffEmptyText(from, to Value, before, after bool, path Path, annotated bool) *EmptyTextDiff {
	d := &EmptyTextDiff{FromValue: from, ToValue: to}
	switch {
	case before && after:
		d.Action = ActionUnchanged
		return d
	case after:
		d.Action = ActionAdded
	default:
		d.Action = ActionRemoved
	}
	d.Annotation = e.annotationFor(path, annotated)
	fromText, okFrom := from.(string)
	toText, okTo := to.(string)
	if okFrom && okTo && fromText != toText {
		d.Text = e.diffString(fromText, toText, path, true)
	}
	return d
}

func (e *engine) diffMarks(from, to Value, path Path, annotated bool) Diff {
	fromSet, okFrom := markSet(from)
	toSet, okTo := markSet(to)
	if !okFrom || !okTo {
		return e.diffValue(from, to, path, annotated)
	}

	out := &MarksDiff{FromValue: from, ToValue: to}
	for mark := range toSet {
		if _, ok := fromSet[mark]; !ok {
			out.Added = append(out.Added, mark)
		}
	}
	for mark := range fromSet {
		if _, ok := toSet[mark]; !ok {
			out.Removed = append(out.Removed, mark)
		}
	}
	sort.Strings(out.Added)
	sort.Strings(out.Removed)

	switch {
	case IsMissing(from):
		out.Action = ActionAdded
	case IsMissing(to):
		out.Action = ActionRemoved
	case len(out.Added) == 0 && len(out.Removed) == 0:
		out.Action = ActionUnchanged
		return out
	default:
		out.Action = ActionChanged
	}
	out.Annotation = e.annotationFor(path, annotated)
	return out
}

// markSet accepts a list of strings or Missing.
func markSet(v Value) (map[string]struct{}, bool) {
	set := make(map[string]struct{})
	if IsMissing(v) {
		return set, true
	}
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	for _, item := range items {
		mark, ok := item.(string)
		if !ok {
			return nil, false
		}
		set[mark] = struct{}{}
	}
	return set, true
}
