// Package session defines conversational state shared across turns. A
// session is an append-only sequence of turns with a bounded context window:
// once the window is full the oldest turns fall out of the view handed to the
// engine, while the full history stays available to the audit store.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session id is unknown to the store.
var ErrNotFound = errors.New("session not found")

// SourceRef is one cited source of an answer. Ref is the 1-based citation
// marker as it appears in the answer text.
type SourceRef struct {
	Ref        int     `json:"ref"`
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title,omitempty"`
	Source     string  `json:"source,omitempty"`
	Excerpt    string  `json:"excerpt,omitempty"`
	Score      float64 `json:"score"`
}

// Turn is one completed question/answer exchange.
type Turn struct {
	ID             string      `json:"id"`
	Question       string      `json:"question"`
	Answer         string      `json:"answer"`
	NoSupport      bool        `json:"no_support,omitempty"`
	Error          string      `json:"error,omitempty"`
	PlannedQueries []string    `json:"planned_queries,omitempty"`
	Sources        []SourceRef `json:"sources,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Clone returns a deep copy so callers can hold turns across appends without
// observing later mutations.
func (t Turn) Clone() Turn {
	out := t
	if t.PlannedQueries != nil {
		out.PlannedQueries = append([]string(nil), t.PlannedQueries...)
	}
	if t.Sources != nil {
		out.Sources = append([]SourceRef(nil), t.Sources...)
	}
	return out
}

// Session is the per-conversation handle. Append is expected to be called by
// a single writer (the engine serializes turns per session); Window may be
// called concurrently and returns an isolated snapshot of the most recent
// turns, oldest first.
type Session interface {
	ID() string
	Append(ctx context.Context, turn Turn) error
	Window(ctx context.Context) ([]Turn, error)
}

// Store creates and resolves sessions.
type Store interface {
	// Ensure returns the session with the given id, creating it when the id
	// is empty or unknown.
	Ensure(ctx context.Context, id string) (Session, error)
	// Get returns an existing session or ErrNotFound.
	Get(ctx context.Context, id string) (Session, error)
}
