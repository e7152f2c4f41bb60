package diff

import (
	"strconv"
	"strings"
)

// Path addresses a node inside a document. Segments are either field names
// or rendered array item selectors ("[key]" or "[3]").
type Path []string

func (p Path) Field(name string) Path {
	return p.with(name)
}

// Item addresses an array element by key when it has one, by index otherwise.
func (p Path) Item(key string, index int) Path {
	if key != "" {
		return p.with("[" + key + "]")
	}
	return p.with("[" + strconv.Itoa(index) + "]")
}

func (p Path) with(segment string) Path {
	next := make(Path, len(p), len(p)+1)
	copy(next, p)
	return append(next, segment)
}

func (p Path) String() string {
	var b strings.Builder
	for i, segment := range p {
		if i > 0 && !strings.HasPrefix(segment, "[") {
			b.WriteByte('.')
		}
		b.WriteString(segment)
	}
	return b.String()
}

// PathsOverlap reports whether one rendered path is equal to, or nested
// inside, the other.
func PathsOverlap(a, b string) bool {
	if a == "" || b == "" {
		return true
	}
	return a == b || isAncestor(a, b) || isAncestor(b, a)
}

func isAncestor(parent, child string) bool {
	if !strings.HasPrefix(child, parent) || len(child) == len(parent) {
		return false
	}
	next := child[len(parent)]
	return next == '.' || next == '['
}
