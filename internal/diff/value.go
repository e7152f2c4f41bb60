package diff

import (
	"encoding/json"
	"reflect"
	"sort"
)

// Value is a decoded document value: nil, bool, a number, string, []any or
// map[string]any. JSON and YAML decoders both produce this shape.
type Value = any

type missing struct{}

// Missing marks a side of a comparison that holds no value at all. It is
// distinct from nil, which is a JSON null.
var Missing Value = missing{}

// IsMissing reports whether v is the Missing sentinel.
func IsMissing(v Value) bool {
	_, ok := v.(missing)
	return ok
}

type Kind int

const (
	KindMissing Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindMissing:
		return "missing"
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "other"
	}
}

func KindOf(v Value) Kind {
	switch v.(type) {
	case missing:
		return KindMissing
	case nil:
		return KindNull
	case bool:
		return KindBool
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return KindNumber
	case string:
		return KindString
	case []any:
		return KindArray
	case map[string]any:
		return KindObject
	default:
		return KindOther
	}
}

func toFloat(v Value) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Equal compares two values structurally. Numbers compare by numeric value
// regardless of their Go type; object key order is irrelevant.
func Equal(a, b Value) bool {
	ka, kb := KindOf(a), KindOf(b)
	if ka != kb {
		return false
	}
	switch ka {
	case KindMissing, KindNull:
		return true
	case KindNumber:
		fa, okA := toFloat(a)
		fb, okB := toFloat(b)
		return okA && okB && fa == fb
	case KindArray:
		left, right := a.([]any), b.([]any)
		if len(left) != len(right) {
			return false
		}
		for i := range left {
			if !Equal(left[i], right[i]) {
				return false
			}
		}
		return true
	case KindObject:
		left, right := a.(map[string]any), b.(map[string]any)
		if len(left) != len(right) {
			return false
		}
		for key, lv := range left {
			rv, ok := right[key]
			if !ok || !Equal(lv, rv) {
				return false
			}
		}
		return true
	case KindOther:
		return reflect.DeepEqual(a, b)
	default:
		return a == b
	}
}

func sortedKeys(maps ...map[string]any) []string {
	seen := make(map[string]struct{})
	keys := make([]string, 0)
	for _, m := range maps {
		for key := range m {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func field(m map[string]any, key string) Value {
	if v, ok := m[key]; ok {
		return v
	}
	return Missing
}
