package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"chronicle/studio/internal/diff"
	"chronicle/studio/internal/history"
	"chronicle/studio/internal/timeline"
)

// PostgresStore keeps chunks and the snapshot each chunk produced. It
// implements history.DocumentStore and history.ChunkLoader.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) EnsureDocument(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id)
		VALUES ($1)
		ON CONFLICT (id) DO NOTHING
	`, documentID)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var (
		item        Document
		headIndex   sql.NullInt64
		publishedID sql.NullString
		publishedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, head_index, published_chunk_id, published_at, created_at, updated_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&item.ID, &headIndex, &publishedID, &publishedAt, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("%w: %s", history.ErrDocumentNotFound, documentID)
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	if headIndex.Valid {
		idx := int(headIndex.Int64)
		item.HeadIndex = &idx
	}
	item.PublishedChunkID = publishedID.String
	if publishedAt.Valid {
		item.PublishedAt = &publishedAt.Time
	}
	return item, nil
}

// AppendChunk stores chunk and the document content it produced. The chunk
// must extend the stored sequence by exactly one index.
func (s *PostgresStore) AppendChunk(ctx context.Context, documentID string, chunk timeline.Chunk, content diff.Value) error {
	if diff.IsMissing(content) {
		return fmt.Errorf("%w: chunk content is required", diff.ErrInvalidInput)
	}
	payload, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	paths := chunk.AffectedPaths
	if paths == nil {
		paths = []string{}
	}
	pathsJSON, err := json.Marshal(paths)
	if err != nil {
		return fmt.Errorf("marshal affected paths: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var head sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT head_index FROM documents WHERE id=$1 FOR UPDATE`, documentID).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", history.ErrDocumentNotFound, documentID)
	}
	if err != nil {
		return fmt.Errorf("lock document: %w", err)
	}
	if head.Valid && int64(chunk.Index) != head.Int64+1 {
		return fmt.Errorf("%w: append index %d after %d", timeline.ErrOutOfOrder, chunk.Index, head.Int64)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chunks (id, document_id, idx, author_id, affected_paths, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, chunk.ID, documentID, chunk.Index, chunk.AuthorID, pathsJSON, chunk.Timestamp); err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (chunk_id, document_id, content)
		VALUES ($1, $2, $3)
	`, chunk.ID, documentID, payload); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE documents SET head_index=$2, updated_at=NOW() WHERE id=$1
	`, documentID, chunk.Index); err != nil {
		return fmt.Errorf("advance document head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	return nil
}

// Publish copies the snapshot of the head chunk into the published slot and
// returns the published chunk id.
func (s *PostgresStore) Publish(ctx context.Context, documentID string) (string, error) {
	var chunkID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE documents d
		SET published_chunk_id = c.id,
		    published_content = sn.content,
		    published_at = NOW(),
		    updated_at = NOW()
		FROM chunks c
		JOIN snapshots sn ON sn.chunk_id = c.id
		WHERE d.id = $1 AND c.document_id = d.id AND c.idx = d.head_index
		RETURNING c.id
	`, documentID).Scan(&chunkID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s has no chunks to publish", history.ErrDocumentNotFound, documentID)
	}
	if err != nil {
		return "", fmt.Errorf("publish document: %w", err)
	}
	return chunkID, nil
}

func (s *PostgresStore) Snapshot(ctx context.Context, documentID string, ref history.SnapshotRef) (diff.Value, error) {
	var (
		payload []byte
		err     error
	)
	switch ref.Kind {
	case history.RefCurrent:
		err = s.db.QueryRowContext(ctx, `
			SELECT sn.content
			FROM documents d
			LEFT JOIN chunks c ON c.document_id = d.id AND c.idx = d.head_index
			LEFT JOIN snapshots sn ON sn.chunk_id = c.id
			WHERE d.id = $1
		`, documentID).Scan(&payload)
	case history.RefPublished:
		err = s.db.QueryRowContext(ctx, `
			SELECT published_content FROM documents WHERE id = $1
		`, documentID).Scan(&payload)
	case history.RefChunk:
		return s.chunkBase(ctx, documentID, ref.ChunkID)
	default:
		return nil, fmt.Errorf("unknown snapshot reference %q", ref.Kind)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", history.ErrDocumentNotFound, documentID)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s snapshot: %w", ref, err)
	}
	return decodeContent(payload)
}

// chunkBase returns the document as it stood before chunkID was applied.
func (s *PostgresStore) chunkBase(ctx context.Context, documentID, chunkID string) (diff.Value, error) {
	var (
		found   bool
		payload []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT TRUE, prev.content
		FROM chunks c
		LEFT JOIN chunks p ON p.document_id = c.document_id AND p.idx = c.idx - 1
		LEFT JOIN snapshots prev ON prev.chunk_id = p.id
		WHERE c.document_id = $1 AND c.id = $2
	`, documentID, chunkID).Scan(&found, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", timeline.ErrNotFound, chunkID)
	}
	if err != nil {
		return nil, fmt.Errorf("load base of chunk %s: %w", chunkID, err)
	}
	return decodeContent(payload)
}

func (s *PostgresStore) LoadChunks(ctx context.Context, documentID string, beforeIndex, limit int) ([]timeline.Chunk, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, idx, author_id, affected_paths, created_at
		FROM chunks
		WHERE document_id = $1 AND ($2 <= 0 OR idx < $2)
		ORDER BY idx DESC
		LIMIT $3
	`, documentID, beforeIndex, limitArg)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	newestFirst := make([]timeline.Chunk, 0)
	for rows.Next() {
		var (
			chunk     timeline.Chunk
			pathsJSON []byte
		)
		if err := rows.Scan(&chunk.ID, &chunk.Index, &chunk.AuthorID, &pathsJSON, &chunk.Timestamp); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if err := json.Unmarshal(pathsJSON, &chunk.AffectedPaths); err != nil {
			return nil, fmt.Errorf("decode affected paths of %s: %w", chunk.ID, err)
		}
		chunk.Timestamp = chunk.Timestamp.UTC()
		newestFirst = append(newestFirst, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}

	chunks := make([]timeline.Chunk, len(newestFirst))
	for i, chunk := range newestFirst {
		chunks[len(newestFirst)-1-i] = chunk
	}
	return chunks, nil
}

// decodeContent maps SQL NULL to diff.Missing.
func decodeContent(payload []byte) (diff.Value, error) {
	if payload == nil {
		return diff.Missing, nil
	}
	var content any
	if err := json.Unmarshal(payload, &content); err != nil {
		return nil, fmt.Errorf("decode snapshot content: %w", err)
	}
	return content, nil
}
