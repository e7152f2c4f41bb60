// Package history turns a revision selection on a document timeline into the
// pair of snapshots to compare, and keeps the resulting diff up to date.
package history

import (
	"errors"
	"fmt"

	"chronicle/studio/internal/timeline"
)

// ErrChunkNotLoaded means a selection names a chunk outside the loaded
// timeline window. Load more history and retry.
var ErrChunkNotLoaded = errors.New("chunk not loaded")

type Mode string

const (
	ModeClosed Mode = "closed"
	ModeSince  Mode = "since"
	ModeRev    Mode = "rev"
)

func ParseMode(value string) (Mode, error) {
	switch Mode(value) {
	case ModeClosed, ModeSince, ModeRev:
		return Mode(value), nil
	case "":
		return ModeClosed, nil
	default:
		return "", fmt.Errorf("unknown selection mode %q", value)
	}
}

// Selection is the controller's navigation state. ChunkID is empty when Mode
// is ModeClosed.
type Selection struct {
	Mode    Mode   `json:"mode"`
	ChunkID string `json:"chunkId,omitempty"`
}

var Closed = Selection{Mode: ModeClosed}

func (s Selection) IsClosed() bool {
	return s.Mode == ModeClosed || s.Mode == ""
}

// SelectSince moves to Since{chunkID}. Selecting the active target closes.
func (s Selection) SelectSince(chunkID string) Selection {
	return s.toggle(ModeSince, chunkID)
}

// SelectRevision moves to Rev{chunkID}. Selecting the active target closes.
func (s Selection) SelectRevision(chunkID string) Selection {
	return s.toggle(ModeRev, chunkID)
}

func (s Selection) Close() Selection {
	return Closed
}

// Select applies mode to chunkID with the same toggle rule as SelectSince and
// SelectRevision. ModeClosed always closes.
func (s Selection) Select(mode Mode, chunkID string) Selection {
	if mode == ModeClosed {
		return Closed
	}
	return s.toggle(mode, chunkID)
}

func (s Selection) toggle(mode Mode, chunkID string) Selection {
	if s.Mode == mode && s.ChunkID == chunkID {
		return Closed
	}
	return Selection{Mode: mode, ChunkID: chunkID}
}

type RefKind string

const (
	RefChunk     RefKind = "chunk"
	RefPublished RefKind = "published"
	RefCurrent   RefKind = "current"
)

// SnapshotRef names one document snapshot. A RefChunk reference names the
// document as it stood immediately before ChunkID was applied.
type SnapshotRef struct {
	Kind    RefKind `json:"kind"`
	ChunkID string  `json:"chunkId,omitempty"`
}

var (
	Published = SnapshotRef{Kind: RefPublished}
	Current   = SnapshotRef{Kind: RefCurrent}
)

func At(chunkID string) SnapshotRef {
	return SnapshotRef{Kind: RefChunk, ChunkID: chunkID}
}

func (r SnapshotRef) String() string {
	if r.Kind == RefChunk {
		return "chunk:" + r.ChunkID
	}
	return string(r.Kind)
}

type Pair struct {
	From SnapshotRef `json:"from"`
	To   SnapshotRef `json:"to"`
}

// ResolveComparisonPair maps a selection to the two snapshots it compares.
func ResolveComparisonPair(sel Selection, tl *timeline.Timeline) (Pair, error) {
	if sel.IsClosed() {
		return Pair{From: Published, To: Current}, nil
	}

	chunk, ok := tl.ByID(sel.ChunkID)
	if !ok {
		return Pair{}, fmt.Errorf("%w: %s", ErrChunkNotLoaded, sel.ChunkID)
	}

	switch sel.Mode {
	case ModeRev:
		if next, ok := tl.ByIndex(chunk.Index + 1); ok {
			return Pair{From: At(chunk.ID), To: At(next.ID)}, nil
		}
		return Pair{From: At(chunk.ID), To: Current}, nil
	case ModeSince:
		return Pair{From: At(chunk.ID), To: Current}, nil
	default:
		return Pair{}, fmt.Errorf("unknown selection mode %q", sel.Mode)
	}
}
