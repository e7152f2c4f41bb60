package diff

import "encoding/json"

func encodeNode(kind string, n Node, from, to Value, extra map[string]any) ([]byte, error) {
	out := map[string]any{
		"type":   kind,
		"action": n.Action,
	}
	if n.Annotation != nil {
		out["annotation"] = n.Annotation
	}
	if !IsMissing(from) {
		out["fromValue"] = from
	}
	if !IsMissing(to) {
		out["toValue"] = to
	}
	for key, value := range extra {
		out[key] = value
	}
	return json.Marshal(out)
}

func (d *ObjectDiff) MarshalJSON() ([]byte, error) {
	return encodeNode("object", d.Node, d.FromValue, d.ToValue, map[string]any{"fields": d.Fields})
}

func (d *ArrayDiff) MarshalJSON() ([]byte, error) {
	return encodeNode("array", d.Node, d.FromValue, d.ToValue, map[string]any{"items": d.Items})
}

func (d *StringDiff) MarshalJSON() ([]byte, error) {
	segments := d.Segments
	if segments == nil {
		segments = []Segment{}
	}
	return encodeNode("string", d.Node, d.FromValue, d.ToValue, map[string]any{
		"isChanged": d.IsChanged,
		"segments":  segments,
	})
}

func (d *ValueDiff) MarshalJSON() ([]byte, error) {
	return encodeNode("value", d.Node, d.FromValue, d.ToValue, nil)
}

func (d *EmptyTextDiff) MarshalJSON() ([]byte, error) {
	var extra map[string]any
	if d.Text != nil {
		extra = map[string]any{"text": d.Text}
	}
	return encodeNode("emptyText", d.Node, d.FromValue, d.ToValue, extra)
}

func (d *MarksDiff) MarshalJSON() ([]byte, error) {
	added, removed := d.Added, d.Removed
	if added == nil {
		added = []string{}
	}
	if removed == nil {
		removed = []string{}
	}
	return encodeNode("marks", d.Node, d.FromValue, d.ToValue, map[string]any{
		"added":   added,
		"removed": removed,
	})
}

func (i ItemDiff) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"hasMoved": i.HasMoved,
		"diff":     i.Diff,
	}
	if i.FromIndex >= 0 {
		out["fromIndex"] = i.FromIndex
	}
	if i.ToIndex >= 0 {
		out["toIndex"] = i.ToIndex
	}
	if i.Key != "" {
		out["key"] = i.Key
	}
	return json.Marshal(out)
}
