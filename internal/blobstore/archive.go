// Package blobstore archives immutable chunk snapshots in S3-compatible
// object storage.
package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"chronicle/studio/internal/diff"
	"chronicle/studio/internal/history"
	"chronicle/studio/internal/metrics"
)

var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the subset of an object storage client the archive needs.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, payload []byte) error
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore is an ObjectStore backed by one bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to cfg.Endpoint and creates the bucket if needed.
func NewMinioStore(ctx context.Context, cfg Config) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer object.Close()

	payload, err := io.ReadAll(object)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return payload, nil
}

func (s *MinioStore) Put(ctx context.Context, key string, payload []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

type archived struct {
	Missing bool            `json:"missing,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Archive decorates a history.DocumentStore. Chunk snapshots are read from
// the object store first and written back after a miss; live snapshots pass
// straight through.
type Archive struct {
	inner   history.DocumentStore
	objects ObjectStore
}

func NewArchive(objects ObjectStore, inner history.DocumentStore) *Archive {
	return &Archive{inner: inner, objects: objects}
}

func ObjectKey(documentID, chunkID string) string {
	return path.Join("documents", documentID, "chunks", chunkID+".json")
}

func (a *Archive) Snapshot(ctx context.Context, documentID string, ref history.SnapshotRef) (diff.Value, error) {
	if ref.Kind != history.RefChunk {
		return a.inner.Snapshot(ctx, documentID, ref)
	}

	key := ObjectKey(documentID, ref.ChunkID)
	payload, err := a.objects.Get(ctx, key)
	switch {
	case err == nil:
		value, decodeErr := decodeArchived(payload)
		if decodeErr == nil {
			metrics.ArchiveReads.WithLabelValues("hit").Inc()
			return value, nil
		}
		metrics.ArchiveReads.WithLabelValues("error").Inc()
		log.Warn().Err(decodeErr).Str("key", key).Msg("discarding unreadable archived snapshot")
	case errors.Is(err, ErrObjectNotFound):
		metrics.ArchiveReads.WithLabelValues("miss").Inc()
	default:
		metrics.ArchiveReads.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("key", key).Msg("snapshot archive read failed")
	}

	value, err := a.inner.Snapshot(ctx, documentID, ref)
	if err != nil {
		return nil, err
	}
	if encoded, err := encodeArchived(value); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("encode snapshot for archive")
	} else if err := a.objects.Put(ctx, key, encoded); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("snapshot archive write failed")
	}
	return value, nil
}

func encodeArchived(value diff.Value) ([]byte, error) {
	entry := archived{Missing: diff.IsMissing(value)}
	if !entry.Missing {
		content, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshal snapshot: %w", err)
		}
		entry.Content = content
	}
	return json.Marshal(entry)
}

func decodeArchived(payload []byte) (diff.Value, error) {
	var entry archived
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, fmt.Errorf("decode archived snapshot: %w", err)
	}
	if entry.Missing {
		return diff.Missing, nil
	}
	if len(entry.Content) == 0 {
		return nil, errors.New("archived snapshot has no content")
	}
	var value any
	if err := json.Unmarshal(entry.Content, &value); err != nil {
		return nil, fmt.Errorf("decode archived content: %w", err)
	}
	return value, nil
}
