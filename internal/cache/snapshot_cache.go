// Package cache provides a Redis-backed snapshot cache for history comparisons.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"chronicle/studio/internal/diff"
	"chronicle/studio/internal/history"
	"chronicle/studio/internal/metrics"
)

const DefaultTTL = 24 * time.Hour

// entry is the cached form of a snapshot. Missing snapshots are cached too.
type entry struct {
	Missing bool            `json:"missing,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// SnapshotCache decorates a history.DocumentStore. Only chunk snapshots are
// cached since they never change; published and current snapshots always go
// to the inner store.
type SnapshotCache struct {
	inner  history.DocumentStore
	client *redis.Client
	prefix string
	ttl    time.Duration
	group  singleflight.Group
}

// NewRedisClient parses redisURL and checks the server is reachable.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func NewSnapshotCache(client *redis.Client, inner history.DocumentStore, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SnapshotCache{
		inner:  inner,
		client: client,
		prefix: "snapshot:",
		ttl:    ttl,
	}
}

func (c *SnapshotCache) key(documentID, chunkID string) string {
	return c.prefix + documentID + ":" + chunkID
}

func (c *SnapshotCache) Snapshot(ctx context.Context, documentID string, ref history.SnapshotRef) (diff.Value, error) {
	if ref.Kind != history.RefChunk {
		return c.inner.Snapshot(ctx, documentID, ref)
	}

	key := c.key(documentID, ref.ChunkID)
	if value, ok := c.lookup(ctx, key); ok {
		return value, nil
	}

	value, err, _ := c.group.Do(key, func() (any, error) {
		value, err := c.inner.Snapshot(ctx, documentID, ref)
		if err != nil {
			return nil, err
		}
		if err := c.store(ctx, key, value); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("snapshot cache write failed")
		}
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (c *SnapshotCache) lookup(ctx context.Context, key string) (diff.Value, bool) {
	payload, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.SnapshotCache.WithLabelValues("miss").Inc()
		return nil, false
	}
	if err != nil {
		metrics.SnapshotCache.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("key", key).Msg("snapshot cache read failed")
		return nil, false
	}

	var cached entry
	if err := json.Unmarshal(payload, &cached); err != nil {
		metrics.SnapshotCache.WithLabelValues("error").Inc()
		return nil, false
	}
	metrics.SnapshotCache.WithLabelValues("hit").Inc()
	if cached.Missing {
		return diff.Missing, true
	}
	var value any
	if err := json.Unmarshal(cached.Content, &value); err != nil {
		return nil, false
	}
	return value, true
}

func (c *SnapshotCache) store(ctx context.Context, key string, value diff.Value) error {
	cached := entry{Missing: diff.IsMissing(value)}
	if !cached.Missing {
		content, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		cached.Content = content
	}
	payload, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Invalidate drops the cached base of chunkID.
func (c *SnapshotCache) Invalidate(ctx context.Context, documentID, chunkID string) error {
	if err := c.client.Del(ctx, c.key(documentID, chunkID)).Err(); err != nil {
		return fmt.Errorf("invalidate snapshot: %w", err)
	}
	return nil
}

func (c *SnapshotCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *SnapshotCache) Close() error {
	return c.client.Close()
}
