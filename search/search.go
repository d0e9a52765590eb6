// Package search defines the retrieval vocabulary shared by the index
// backends, the ingestion pipeline and the answer engine. Backends implement
// Provider for querying and Indexer for ingestion; callers pick a backend at
// wiring time and the engine only ever sees the interfaces.
package search

import (
	"context"
	"time"
)

// Hit is one retrieved passage with its backend-reported relevance score.
// Scores are only comparable within a single query's result list.
type Hit struct {
	DocumentID string   `json:"document_id"`
	ChunkID    string   `json:"chunk_id"`
	Title      string   `json:"title,omitempty"`
	Content    string   `json:"content"`
	Source     string   `json:"source,omitempty"`
	Score      float64  `json:"score"`
	Highlights []string `json:"highlights,omitempty"`
}

// Chunk is one indexable slice of a source document.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Title      string    `json:"title,omitempty"`
	Source     string    `json:"source,omitempty"`
	Text       string    `json:"text"`
	Index      int       `json:"index"`
	IngestedAt time.Time `json:"ingested_at"`
}

// Provider is the query side of a retrieval backend.
type Provider interface {
	// Search returns up to topN hits ranked by backend relevance.
	Search(ctx context.Context, query string, topN int) ([]Hit, error)
}

// Indexer is the ingest side of a retrieval backend.
type Indexer interface {
	// Index stores one chunk, replacing any previous chunk with the same ID.
	Index(ctx context.Context, chunk Chunk) error
}

// Snippet truncates s to max bytes for display, appending an ellipsis when
// anything was cut. max <= 0 returns s unchanged.
func Snippet(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
