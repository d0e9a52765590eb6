// Package inmemory keeps sessions in process memory. State is lost on
// restart, which is fine for the CLI and for tests.
package inmemory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/quester/session"
)

// Store holds all sessions behind one lock.
type Store struct {
	mu       sync.RWMutex
	window   int
	sessions map[string]*Session
}

// New creates a store whose sessions retain the last window turns.
func New(window int) *Store {
	if window < 1 {
		window = 1
	}
	return &Store{window: window, sessions: make(map[string]*Session)}
}

func (s *Store) Ensure(ctx context.Context, id string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		if sess, ok := s.sessions[id]; ok {
			return sess, nil
		}
	}
	if id == "" {
		id = uuid.NewString()
	}
	sess := &Session{id: id, window: s.window}
	s.sessions[id] = sess
	return sess, nil
}

func (s *Store) Get(ctx context.Context, id string) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return sess, nil
}

// Session retains only the windowed tail of the conversation. Older turns
// are dropped on append; durable history is the audit store's job.
type Session struct {
	id     string
	window int

	mu    sync.RWMutex
	turns []session.Turn
}

func (s *Session) ID() string { return s.id }

func (s *Session) Append(ctx context.Context, turn session.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turn.Clone())
	if len(s.turns) > s.window {
		s.turns = append([]session.Turn(nil), s.turns[len(s.turns)-s.window:]...)
	}
	return nil
}

func (s *Session) Window(ctx context.Context) ([]session.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]session.Turn, 0, len(s.turns))
	for _, t := range s.turns {
		out = append(out, t.Clone())
	}
	return out, nil
}
