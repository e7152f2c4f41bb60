// Package timeline holds the ordered revision history of one document.
package timeline

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"chronicle/studio/internal/diff"
)

var (
	ErrOutOfOrder = errors.New("chunk out of order")
	ErrNotFound   = errors.New("chunk not found")
)

// Chunk is one atomic revision of a document. Chunks are produced by the
// transaction log and never mutated here.
type Chunk struct {
	Index         int       `json:"index"`
	ID            string    `json:"id"`
	AuthorID      string    `json:"authorId"`
	Timestamp     time.Time `json:"timestamp"`
	AffectedPaths []string  `json:"affectedPaths"`
}

func (c Chunk) Annotation() *diff.Annotation {
	return &diff.Annotation{ChunkID: c.ID, Timestamp: c.Timestamp, AuthorID: c.AuthorID}
}

// Touches reports whether the chunk changed path or anything above or below it.
func (c Chunk) Touches(path string) bool {
	for _, affected := range c.AffectedPaths {
		if diff.PathsOverlap(affected, path) {
			return true
		}
	}
	return false
}

// Timeline is a contiguous run of chunks ordered by index. It has a single
// writer; callers serialize mutation themselves.
type Timeline struct {
	chunks []Chunk
	byID   map[string]int
}

func New() *Timeline {
	return &Timeline{byID: make(map[string]int)}
}

func (t *Timeline) Len() int {
	return len(t.chunks)
}

// Append adds chunk at the tail. Its index must be one past the current
// latest, unless the timeline is empty.
func (t *Timeline) Append(chunk Chunk) error {
	if latest, ok := t.Latest(); ok && chunk.Index != latest.Index+1 {
		return fmt.Errorf("%w: append index %d after %d", ErrOutOfOrder, chunk.Index, latest.Index)
	}
	if _, dup := t.byID[chunk.ID]; dup {
		return fmt.Errorf("%w: duplicate chunk id %s", ErrOutOfOrder, chunk.ID)
	}
	t.byID[chunk.ID] = len(t.chunks)
	t.chunks = append(t.chunks, chunk)
	return nil
}

// PrependPage adds an older page of history at the head. The page must be
// contiguous and end right before the current earliest chunk.
func (t *Timeline) PrependPage(page []Chunk) error {
	if len(page) == 0 {
		return nil
	}
	for i := 1; i < len(page); i++ {
		if page[i].Index != page[i-1].Index+1 {
			return fmt.Errorf("%w: page index %d follows %d", ErrOutOfOrder, page[i].Index, page[i-1].Index)
		}
	}
	if earliest, ok := t.Earliest(); ok && page[len(page)-1].Index != earliest.Index-1 {
		return fmt.Errorf("%w: page ends at %d, timeline starts at %d", ErrOutOfOrder, page[len(page)-1].Index, earliest.Index)
	}
	seen := make(map[string]struct{}, len(page))
	for _, chunk := range page {
		_, loaded := t.byID[chunk.ID]
		_, repeated := seen[chunk.ID]
		if loaded || repeated {
			return fmt.Errorf("%w: duplicate chunk id %s", ErrOutOfOrder, chunk.ID)
		}
		seen[chunk.ID] = struct{}{}
	}

	merged := make([]Chunk, 0, len(page)+len(t.chunks))
	merged = append(merged, page...)
	merged = append(merged, t.chunks...)
	t.chunks = merged
	t.reindex()
	return nil
}

func (t *Timeline) reindex() {
	t.byID = make(map[string]int, len(t.chunks))
	for pos, chunk := range t.chunks {
		t.byID[chunk.ID] = pos
	}
}

func (t *Timeline) Latest() (Chunk, bool) {
	if len(t.chunks) == 0 {
		return Chunk{}, false
	}
	return t.chunks[len(t.chunks)-1], true
}

func (t *Timeline) Earliest() (Chunk, bool) {
	if len(t.chunks) == 0 {
		return Chunk{}, false
	}
	return t.chunks[0], true
}

func (t *Timeline) ByID(id string) (Chunk, bool) {
	pos, ok := t.byID[id]
	if !ok {
		return Chunk{}, false
	}
	return t.chunks[pos], true
}

func (t *Timeline) ByIndex(index int) (Chunk, bool) {
	pos, ok := t.position(index)
	if !ok {
		return Chunk{}, false
	}
	return t.chunks[pos], true
}

func (t *Timeline) position(index int) (int, bool) {
	if len(t.chunks) == 0 {
		return 0, false
	}
	pos := index - t.chunks[0].Index
	if pos < 0 || pos >= len(t.chunks) {
		return 0, false
	}
	return pos, true
}

// Range returns the chunks from fromIndex to toIndex inclusive. Both bounds
// must be loaded.
func (t *Timeline) Range(fromIndex, toIndex int) ([]Chunk, error) {
	start, ok := t.position(fromIndex)
	if !ok {
		return nil, fmt.Errorf("%w: index %d is not loaded", ErrNotFound, fromIndex)
	}
	end, ok := t.position(toIndex)
	if !ok {
		return nil, fmt.Errorf("%w: index %d is not loaded", ErrNotFound, toIndex)
	}
	if start > end {
		return nil, fmt.Errorf("%w: range %d..%d is empty", ErrNotFound, fromIndex, toIndex)
	}
	out := make([]Chunk, end-start+1)
	copy(out, t.chunks[start:end+1])
	return out, nil
}

// After returns every loaded chunk with an index greater than index.
func (t *Timeline) After(index int) []Chunk {
	pos := sort.Search(len(t.chunks), func(i int) bool { return t.chunks[i].Index > index })
	out := make([]Chunk, len(t.chunks)-pos)
	copy(out, t.chunks[pos:])
	return out
}

// Page returns up to limit chunks with an index below beforeIndex, newest
// last. A beforeIndex of zero or less means the newest page.
func (t *Timeline) Page(beforeIndex, limit int) []Chunk {
	end := len(t.chunks)
	if beforeIndex > 0 {
		end = sort.Search(len(t.chunks), func(i int) bool { return t.chunks[i].Index >= beforeIndex })
	}
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}
	out := make([]Chunk, end-start)
	copy(out, t.chunks[start:end])
	return out
}

func (t *Timeline) Chunks() []Chunk {
	out := make([]Chunk, len(t.chunks))
	copy(out, t.chunks)
	return out
}
