package diff

import "time"

type Action string

const (
	ActionAdded     Action = "added"
	ActionRemoved   Action = "removed"
	ActionChanged   Action = "changed"
	ActionUnchanged Action = "unchanged"
)

// Annotation attributes a change to the chunk that introduced it.
type Annotation struct {
	ChunkID   string    `json:"chunk"`
	Timestamp time.Time `json:"timestamp"`
	AuthorID  string    `json:"author"`
}

// Node carries the fields shared by every diff variant.
type Node struct {
	Action     Action
	Annotation *Annotation
}

func (n *Node) node() *Node { return n }

// Diff is one of *ObjectDiff, *ArrayDiff, *StringDiff, *ValueDiff,
// *EmptyTextDiff or *MarksDiff. The set is closed.
type Diff interface {
	node() *Node
}

// ActionOf returns the action of d, or unchanged for a nil diff.
func ActionOf(d Diff) Action {
	if d == nil {
		return ActionUnchanged
	}
	return d.node().Action
}

func AnnotationOf(d Diff) *Annotation {
	if d == nil {
		return nil
	}
	return d.node().Annotation
}

type ObjectDiff struct {
	Node
	FromValue Value
	ToValue   Value
	Fields    map[string]Diff
}

type ArrayDiff struct {
	Node
	FromValue Value
	ToValue   Value
	Items     []ItemDiff
}

// ItemDiff is one array element. FromIndex or ToIndex is -1 when the item
// does not exist on that side.
type ItemDiff struct {
	FromIndex int
	ToIndex   int
	Key       string
	HasMoved  bool
	Diff      Diff
}

type SegmentKind string

const (
	SegmentUnchanged SegmentKind = "unchanged"
	SegmentAdded     SegmentKind = "added"
	SegmentRemoved   SegmentKind = "removed"
)

type Segment struct {
	Text string      `json:"text"`
	Kind SegmentKind `json:"type"`
}

type StringDiff struct {
	Node
	FromValue Value
	ToValue   Value
	IsChanged bool
	Segments  []Segment
}

// ValueDiff covers numbers, booleans, null, and replacements across kinds.
type ValueDiff struct {
	Node
	FromValue Value
	ToValue   Value
}

// EmptyTextDiff stands in for the text of a block's sole empty span. Added
// means the empty placeholder appeared, removed means it went away. Text
// holds the segments of the underlying string change when the text differs.
type EmptyTextDiff struct {
	Node
	FromValue Value
	ToValue   Value
	Text      *StringDiff
}

// MarksDiff compares span marks as sets.
type MarksDiff struct {
	Node
	FromValue Value
	ToValue   Value
	Added     []string
	Removed   []string
}

func fromToOf(d Diff) (Value, Value) {
	switch typed := d.(type) {
	case *ObjectDiff:
		return typed.FromValue, typed.ToValue
	case *ArrayDiff:
		return typed.FromValue, typed.ToValue
	case *StringDiff:
		return typed.FromValue, typed.ToValue
	case *ValueDiff:
		return typed.FromValue, typed.ToValue
	case *MarksDiff:
		return typed.FromValue, typed.ToValue
	case *EmptyTextDiff:
		return typed.FromValue, typed.ToValue
	default:
		return Missing, Missing
	}
}
