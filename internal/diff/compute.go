package diff

import (
	"errors"
	"fmt"
)

// ErrInvalidInput is returned when both sides of a comparison are missing.
var ErrInvalidInput = errors.New("invalid input")

const DefaultKeyField = "_key"

// ArrayMatching selects how array items without a stable key are paired.
type ArrayMatching int

const (
	// MatchPositional pairs the i-th unkeyed old item with the i-th unkeyed
	// new item. A pure reorder shows up as changed items.
	MatchPositional ArrayMatching = iota
	// MatchContent pairs equal items first (longest common subsequence) and
	// pairs the leftovers positionally between those anchors.
	MatchContent
)

func (m ArrayMatching) String() string {
	if m == MatchContent {
		return "content"
	}
	return "positional"
}

func ParseArrayMatching(value string) (ArrayMatching, error) {
	switch value {
	case "", "positional":
		return MatchPositional, nil
	case "content":
		return MatchContent, nil
	default:
		return MatchPositional, fmt.Errorf("unknown array matching %q", value)
	}
}

type options struct {
	keyField     string
	matching     ArrayMatching
	annotation   *Annotation
	attribute    func(Path) *Annotation
	portableText bool
}

type Option func(*options)

func WithKeyField(name string) Option {
	return func(o *options) { o.keyField = name }
}

func WithArrayMatching(m ArrayMatching) Option {
	return func(o *options) { o.matching = m }
}

// WithAnnotation attaches a to the outermost node of every change.
func WithAnnotation(a *Annotation) Option {
	return func(o *options) { o.annotation = a }
}

// WithAttribution picks the annotation for each outermost changed node from
// its path. It takes precedence over WithAnnotation.
func WithAttribution(fn func(Path) *Annotation) Option {
	return func(o *options) { o.attribute = fn }
}

// WithoutPortableText diffs block arrays with the generic array rule.
func WithoutPortableText() Option {
	return func(o *options) { o.portableText = false }
}

// Compute returns the diff between from and to. Pass Missing for a side that
// does not exist.
func Compute(from, to Value, opts ...Option) (Diff, error) {
	if IsMissing(from) && IsMissing(to) {
		return nil, fmt.Errorf("%w: both sides are missing", ErrInvalidInput)
	}
	e := &engine{opts: options{keyField: DefaultKeyField, portableText: true}}
	for _, opt := range opts {
		opt(&e.opts)
	}
	return e.diffValue(from, to, nil, false), nil
}

type engine struct {
	opts options
}

// annotationFor returns the annotation of an intrinsic change at path unless
// an ancestor already carries one.
func (e *engine) annotationFor(path Path, annotated bool) *Annotation {
	if annotated {
		return nil
	}
	if e.opts.attribute != nil {
		return e.opts.attribute(path)
	}
	return e.opts.annotation
}

func (e *engine) diffValue(from, to Value, path Path, annotated bool) Diff {
	fromKind, toKind := KindOf(from), KindOf(to)
	switch {
	case fromKind == KindMissing:
		return e.whole(to, ActionAdded, path, annotated)
	case toKind == KindMissing:
		return e.whole(from, ActionRemoved, path, annotated)
	case fromKind != toKind:
		return &ValueDiff{
			Node:      Node{Action: ActionChanged, Annotation: e.annotationFor(path, annotated)},
			FromValue: from,
			ToValue:   to,
		}
	}

	switch fromKind {
	case KindObject:
		return e.diffObject(from.(map[string]any), to.(map[string]any), path, annotated)
	case KindArray:
		fromItems, toItems := from.([]any), to.([]any)
		if e.opts.portableText && isPortableText(fromItems, toItems) {
			return e.diffArray(fromItems, toItems, path, annotated, e.diffBlock)
		}
		return e.diffArray(fromItems, toItems, path, annotated, e.diffValue)
	case KindString:
		return e.diffString(from.(string), to.(string), path, annotated)
	default:
		if Equal(from, to) {
			return &ValueDiff{Node: Node{Action: ActionUnchanged}, FromValue: from, ToValue: to}
		}
		return &ValueDiff{
			Node:      Node{Action: ActionChanged, Annotation: e.annotationFor(path, annotated)},
			FromValue: from,
			ToValue:   to,
		}
	}
}

// whole builds a subtree in which every node is added (or removed). Only the
// subtree root is annotated.
func (e *engine) whole(v Value, action Action, path Path, annotated bool) Diff {
	node := Node{Action: action, Annotation: e.annotationFor(path, annotated)}
	fromValue, toValue := Missing, v
	if action == ActionRemoved {
		fromValue, toValue = v, Missing
	}

	switch typed := v.(type) {
	case map[string]any:
		fields := make(map[string]Diff, len(typed))
		for _, key := range sortedKeys(typed) {
			fields[key] = e.whole(typed[key], action, path.Field(key), true)
		}
		return &ObjectDiff{Node: node, FromValue: fromValue, ToValue: toValue, Fields: fields}
	case []any:
		items := make([]ItemDiff, 0, len(typed))
		for idx, item := range typed {
			key := e.itemKey(item)
			entry := ItemDiff{FromIndex: -1, ToIndex: -1, Key: key}
			if action == ActionAdded {
				entry.ToIndex = idx
			} else {
				entry.FromIndex = idx
			}
			entry.Diff = e.whole(item, action, path.Item(key, idx), true)
			items = append(items, entry)
		}
		return &ArrayDiff{Node: node, FromValue: fromValue, ToValue: toValue, Items: items}
	case string:
		kind := SegmentAdded
		if action == ActionRemoved {
			kind = SegmentRemoved
		}
		var segments []Segment
		if typed != "" {
			segments = []Segment{{Text: typed, Kind: kind}}
		}
		return &StringDiff{Node: node, FromValue: fromValue, ToValue: toValue, IsChanged: true, Segments: segments}
	default:
		return &ValueDiff{Node: node, FromValue: fromValue, ToValue: toValue}
	}
}

func (e *engine) diffObject(from, to map[string]any, path Path, annotated bool) *ObjectDiff {
	keys := sortedKeys(from, to)
	fields := make(map[string]Diff, len(keys))
	action := ActionUnchanged
	for _, key := range keys {
		child := e.diffValue(field(from, key), field(to, key), path.Field(key), annotated)
		if ActionOf(child) != ActionUnchanged {
			action = ActionChanged
		}
		fields[key] = child
	}
	return &ObjectDiff{Node: Node{Action: action}, FromValue: from, ToValue: to, Fields: fields}
}

func (e *engine) itemKey(item Value) string {
	obj, ok := item.(map[string]any)
	if !ok {
		return ""
	}
	key, _ := obj[e.opts.keyField].(string)
	return key
}
