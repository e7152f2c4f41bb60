package store

import "time"

type Document struct {
	ID               string     `json:"id"`
	HeadIndex        *int       `json:"headIndex,omitempty"`
	PublishedChunkID string     `json:"publishedChunkId,omitempty"`
	PublishedAt      *time.Time `json:"publishedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}
