package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"chronicle/studio/internal/diff"
	"chronicle/studio/internal/metrics"
	"chronicle/studio/internal/timeline"
)

// ErrDocumentNotFound is returned by stores and loaders for unknown documents.
var ErrDocumentNotFound = errors.New("document not found")

// DocumentStore returns document snapshots. A reference that names no
// content (an unpublished document, the base of a first chunk) yields
// diff.Missing and no error.
type DocumentStore interface {
	Snapshot(ctx context.Context, documentID string, ref SnapshotRef) (diff.Value, error)
}

// ChunkLoader pages through a document's chunks, oldest first within a page.
// A beforeIndex of zero or less asks for the newest page.
type ChunkLoader interface {
	LoadChunks(ctx context.Context, documentID string, beforeIndex, limit int) ([]timeline.Chunk, error)
}

// Comparison is a selection resolved against a timeline: which snapshots to
// fetch and who to credit for the changes.
type Comparison struct {
	Selection  Selection
	Pair       Pair
	Annotation *diff.Annotation
	// Contributors are the chunks a Since comparison spans, oldest first.
	Contributors []timeline.Chunk
}

// Prepare resolves sel against tl. It only reads the timeline, so the result
// can be fetched after the caller releases whatever guards tl.
func Prepare(sel Selection, tl *timeline.Timeline) (Comparison, error) {
	pair, err := ResolveComparisonPair(sel, tl)
	if err != nil {
		return Comparison{}, err
	}
	cmp := Comparison{Selection: sel, Pair: pair}
	if sel.IsClosed() {
		return cmp, nil
	}

	chunk, _ := tl.ByID(sel.ChunkID)
	switch sel.Mode {
	case ModeRev:
		cmp.Annotation = chunk.Annotation()
	case ModeSince:
		cmp.Contributors = tl.After(chunk.Index - 1)
	}
	return cmp, nil
}

// Attribution credits each changed path to the newest contributor that
// touched it.
func (c Comparison) Attribution() func(diff.Path) *diff.Annotation {
	return func(path diff.Path) *diff.Annotation {
		rendered := path.String()
		for i := len(c.Contributors) - 1; i >= 0; i-- {
			if c.Contributors[i].Touches(rendered) {
				return c.Contributors[i].Annotation()
			}
		}
		return nil
	}
}

type Resolver struct {
	store DocumentStore
	opts  []diff.Option
}

func NewResolver(store DocumentStore, opts ...diff.Option) *Resolver {
	return &Resolver{store: store, opts: opts}
}

// Resolve fetches both snapshots of cmp concurrently and diffs them.
func (r *Resolver) Resolve(ctx context.Context, documentID string, cmp Comparison) (diff.Diff, error) {
	var from, to diff.Value
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		value, err := r.store.Snapshot(groupCtx, documentID, cmp.Pair.From)
		if err != nil {
			return fmt.Errorf("load %s snapshot: %w", cmp.Pair.From, err)
		}
		from = value
		return nil
	})
	group.Go(func() error {
		value, err := r.store.Snapshot(groupCtx, documentID, cmp.Pair.To)
		if err != nil {
			return fmt.Errorf("load %s snapshot: %w", cmp.Pair.To, err)
		}
		to = value
		return nil
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}

	opts := append([]diff.Option(nil), r.opts...)
	switch {
	case len(cmp.Contributors) > 0:
		opts = append(opts, diff.WithAttribution(cmp.Attribution()))
	case cmp.Annotation != nil:
		opts = append(opts, diff.WithAnnotation(cmp.Annotation))
	}

	started := time.Now()
	result, err := diff.Compute(from, to, opts...)
	if err != nil {
		return nil, fmt.Errorf("compare %s with %s: %w", cmp.Pair.From, cmp.Pair.To, err)
	}
	metrics.DiffDuration.Observe(time.Since(started).Seconds())
	return result, nil
}

// Compare prepares and resolves sel in one call.
func (r *Resolver) Compare(ctx context.Context, documentID string, sel Selection, tl *timeline.Timeline) (Comparison, diff.Diff, error) {
	cmp, err := Prepare(sel, tl)
	if err != nil {
		return Comparison{}, nil, err
	}
	result, err := r.Resolve(ctx, documentID, cmp)
	if err != nil {
		return cmp, nil, err
	}
	return cmp, result, nil
}
