package app

import (
	"context"
	"fmt"
	"time"

	"chronicle/studio/internal/diff"
	"chronicle/studio/internal/gitrepo"
	"chronicle/studio/internal/history"
	"chronicle/studio/internal/store"
	"chronicle/studio/internal/timeline"
	"chronicle/studio/internal/util"
)

type ChunkInput struct {
	AuthorID string
	Message  string
	Content  diff.Value
	// AffectedPaths is derived from the content change when nil.
	AffectedPaths []string
}

// Backend is the system of record for documents and their chunks.
type Backend interface {
	history.DocumentStore
	history.ChunkLoader
	EnsureDocument(ctx context.Context, documentID string) error
	CommitChunk(ctx context.Context, documentID string, input ChunkInput) (timeline.Chunk, error)
	Publish(ctx context.Context, documentID, authorID string) (chunkID string, err error)
}

type gitBackend struct {
	*gitrepo.Service
}

// NewGitBackend keeps each document in its own repository under the
// service's base directory.
func NewGitBackend(git *gitrepo.Service) Backend {
	return gitBackend{Service: git}
}

func (b gitBackend) EnsureDocument(_ context.Context, documentID string) error {
	return b.EnsureDocumentRepo(documentID)
}

func (b gitBackend) CommitChunk(_ context.Context, documentID string, input ChunkInput) (timeline.Chunk, error) {
	return b.Service.CommitChunk(documentID, gitrepo.ChunkInput{
		AuthorID:      input.AuthorID,
		Message:       input.Message,
		Content:       input.Content,
		AffectedPaths: input.AffectedPaths,
	})
}

func (b gitBackend) Publish(_ context.Context, documentID, authorID string) (string, error) {
	publication, err := b.Service.Publish(documentID, authorID)
	if err != nil {
		return "", err
	}
	return publication.ChunkID, nil
}

type postgresBackend struct {
	*store.PostgresStore
	diffOpts []diff.Option
}

// NewPostgresBackend stores chunks in Postgres. diffOpts drive the affected
// path computation for chunks committed without explicit paths.
func NewPostgresBackend(pg *store.PostgresStore, diffOpts ...diff.Option) Backend {
	return postgresBackend{PostgresStore: pg, diffOpts: diffOpts}
}

func (b postgresBackend) Publish(ctx context.Context, documentID, _ string) (string, error) {
	return b.PostgresStore.Publish(ctx, documentID)
}

// CommitChunk appends after the stored head. A concurrent writer that wins
// the race surfaces as timeline.ErrOutOfOrder.
func (b postgresBackend) CommitChunk(ctx context.Context, documentID string, input ChunkInput) (timeline.Chunk, error) {
	if diff.IsMissing(input.Content) {
		return timeline.Chunk{}, fmt.Errorf("%w: chunk content is required", diff.ErrInvalidInput)
	}
	doc, err := b.GetDocument(ctx, documentID)
	if err != nil {
		return timeline.Chunk{}, err
	}
	index := 1
	if doc.HeadIndex != nil {
		index = *doc.HeadIndex + 1
	}

	paths := input.AffectedPaths
	if paths == nil {
		previous, err := b.Snapshot(ctx, documentID, history.Current)
		if err != nil {
			return timeline.Chunk{}, err
		}
		if paths, err = diff.ChangedPaths(previous, input.Content, b.diffOpts...); err != nil {
			return timeline.Chunk{}, err
		}
	}

	chunk := timeline.Chunk{
		Index:         index,
		ID:            util.NewID("chk"),
		AuthorID:      input.AuthorID,
		Timestamp:     time.Now().UTC(),
		AffectedPaths: paths,
	}
	if err := b.AppendChunk(ctx, documentID, chunk, input.Content); err != nil {
		return timeline.Chunk{}, err
	}
	return chunk, nil
}
