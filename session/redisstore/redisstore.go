// Package redisstore keeps sessions in redis so conversations survive
// restarts and can be shared across replicas. Each session is a marker key
// plus a list of JSON-encoded turns trimmed to the context window.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/quester/session"
)

const keyPrefix = "quester:session:"

// Store implements session.Store on a redis client.
type Store struct {
	rdb    *redis.Client
	window int
	ttl    time.Duration
}

// New creates a store. A non-positive ttl means sessions never expire.
func New(rdb *redis.Client, window int, ttl time.Duration) *Store {
	if window < 1 {
		window = 1
	}
	return &Store{rdb: rdb, window: window, ttl: ttl}
}

func (s *Store) markerKey(id string) string { return keyPrefix + id }
func (s *Store) turnsKey(id string) string  { return keyPrefix + id + ":turns" }

func (s *Store) Ensure(ctx context.Context, id string) (session.Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	created := time.Now().UTC().Format(time.RFC3339)
	if err := s.rdb.SetNX(ctx, s.markerKey(id), created, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("ensuring session %s: %w", id, err)
	}
	if err := s.touch(ctx, id); err != nil {
		return nil, err
	}
	return &Session{store: s, id: id}, nil
}

func (s *Store) Get(ctx context.Context, id string) (session.Session, error) {
	n, err := s.rdb.Exists(ctx, s.markerKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("looking up session %s: %w", id, err)
	}
	if n == 0 {
		return nil, session.ErrNotFound
	}
	if err := s.touch(ctx, id); err != nil {
		return nil, err
	}
	return &Session{store: s, id: id}, nil
}

// touch refreshes expiry so active conversations do not die mid-flight.
func (s *Store) touch(ctx context.Context, id string) error {
	if s.ttl <= 0 {
		return nil
	}
	pipe := s.rdb.Pipeline()
	pipe.Expire(ctx, s.markerKey(id), s.ttl)
	pipe.Expire(ctx, s.turnsKey(id), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("refreshing session %s: %w", id, err)
	}
	return nil
}

// Session is a lightweight handle; all state lives in redis.
type Session struct {
	store *Store
	id    string
}

func (s *Session) ID() string { return s.id }

func (s *Session) Append(ctx context.Context, turn session.Turn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshaling turn: %w", err)
	}
	key := s.store.turnsKey(s.id)
	pipe := s.store.rdb.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, int64(-s.store.window), -1)
	if s.store.ttl > 0 {
		pipe.Expire(ctx, key, s.store.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending turn to session %s: %w", s.id, err)
	}
	return nil
}

func (s *Session) Window(ctx context.Context) ([]session.Turn, error) {
	raw, err := s.store.rdb.LRange(ctx, s.store.turnsKey(s.id), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("reading session %s: %w", s.id, err)
	}
	turns := make([]session.Turn, 0, len(raw))
	for _, item := range raw {
		var t session.Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("decoding turn in session %s: %w", s.id, err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}
