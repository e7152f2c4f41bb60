package diff

import "fmt"

// Walk visits d and its descendants depth first, fields in key order and
// items in result order. Returning false from fn skips the node's children.
func Walk(d Diff, fn func(path Path, d Diff) bool) {
	walk(nil, d, fn)
}

func walk(path Path, d Diff, fn func(Path, Diff) bool) {
	if d == nil || !fn(path, d) {
		return
	}
	switch typed := d.(type) {
	case *ObjectDiff:
		for _, key := range sortedDiffKeys(typed.Fields) {
			walk(path.Field(key), typed.Fields[key], fn)
		}
	case *ArrayDiff:
		for _, item := range typed.Items {
			walk(path.Item(item.Key, itemIndex(item)), item.Diff, fn)
		}
	case *StringDiff, *ValueDiff, *EmptyTextDiff, *MarksDiff:
	default:
		panic(fmt.Sprintf("diff: unknown node type %T", d))
	}
}

func itemIndex(item ItemDiff) int {
	if item.ToIndex >= 0 {
		return item.ToIndex
	}
	return item.FromIndex
}

func sortedDiffKeys(fields map[string]Diff) []string {
	m := make(map[string]any, len(fields))
	for key := range fields {
		m[key] = nil
	}
	return sortedKeys(m)
}

// Change is one intrinsic change in a diff tree: a leaf that changed, or the
// root of a subtree that was added or removed.
type Change struct {
	Path       string      `json:"path"`
	Action     Action      `json:"action"`
	Moved      bool        `json:"moved,omitempty"`
	FromValue  Value       `json:"-"`
	ToValue    Value       `json:"-"`
	Annotation *Annotation `json:"annotation,omitempty"`
}

// Changes flattens d into its intrinsic changes, in Walk order. A moved
// array item with no other change is reported as changed with Moved set.
func Changes(d Diff) []Change {
	changes := make([]Change, 0)
	moved := make(map[string]bool)
	Walk(d, func(path Path, node Diff) bool {
		if arr, ok := node.(*ArrayDiff); ok {
			for _, item := range arr.Items {
				if item.HasMoved {
					moved[path.Item(item.Key, itemIndex(item)).String()] = true
				}
			}
		}

		action := ActionOf(node)
		key := path.String()
		switch node.(type) {
		case *ObjectDiff, *ArrayDiff:
			if action == ActionAdded || action == ActionRemoved {
				changes = append(changes, newChange(key, node))
				return false
			}
			if moved[key] && action == ActionUnchanged {
				change := newChange(key, node)
				change.Action = ActionChanged
				change.Moved = true
				changes = append(changes, change)
			}
			return action != ActionUnchanged
		default:
			if action != ActionUnchanged {
				change := newChange(key, node)
				change.Moved = moved[key]
				changes = append(changes, change)
			} else if moved[key] {
				change := newChange(key, node)
				change.Action = ActionChanged
				change.Moved = true
				changes = append(changes, change)
			}
			return false
		}
	})
	return changes
}

func newChange(path string, node Diff) Change {
	from, to := fromToOf(node)
	return Change{
		Path:       path,
		Action:     ActionOf(node),
		FromValue:  from,
		ToValue:    to,
		Annotation: AnnotationOf(node),
	}
}

// ChangedPaths returns the distinct paths of Changes(Compute(from, to)), in
// Walk order.
func ChangedPaths(from, to Value, opts ...Option) ([]string, error) {
	d, err := Compute(from, to, opts...)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	paths := make([]string, 0)
	for _, change := range Changes(d) {
		if seen[change.Path] {
			continue
		}
		seen[change.Path] = true
		paths = append(paths, change.Path)
	}
	return paths, nil
}
