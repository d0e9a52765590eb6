package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/quester/session"
)

func newTestStore(t *testing.T, window int, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, window, ttl), mr
}

func TestAppendAndWindowRoundTrip(t *testing.T) {
	store, _ := newTestStore(t, 5, 0)
	ctx := context.Background()

	sess, err := store.Ensure(ctx, "")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	turn := session.Turn{
		ID:             "t1",
		Question:       "what is a goroutine",
		Answer:         "a lightweight thread [1]",
		PlannedQueries: []string{"goroutine definition", "goroutine scheduling"},
		Sources:        []session.SourceRef{{Ref: 1, ChunkID: "doc-1:0", DocumentID: "doc-1", Score: 0.9}},
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
	}
	if err := sess.Append(ctx, turn); err != nil {
		t.Fatalf("Append: %v", err)
	}

	turns, err := sess.Window(ctx)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("window size = %d, want 1", len(turns))
	}
	got := turns[0]
	if got.Question != turn.Question || got.Answer != turn.Answer {
		t.Fatalf("turn did not round-trip: %+v", got)
	}
	if len(got.PlannedQueries) != 2 || len(got.Sources) != 1 {
		t.Fatalf("nested fields did not round-trip: %+v", got)
	}
	if got.Sources[0].ChunkID != "doc-1:0" {
		t.Fatalf("source chunk = %q, want doc-1:0", got.Sources[0].ChunkID)
	}
}

func TestWindowTrimsOldestTurns(t *testing.T) {
	store, _ := newTestStore(t, 2, 0)
	ctx := context.Background()

	sess, err := store.Ensure(ctx, "conv")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	for _, q := range []string{"first", "second", "third"} {
		if err := sess.Append(ctx, session.Turn{Question: q}); err != nil {
			t.Fatalf("Append(%s): %v", q, err)
		}
	}

	turns, err := sess.Window(ctx)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("window size = %d, want 2", len(turns))
	}
	if turns[0].Question != "second" || turns[1].Question != "third" {
		t.Fatalf("window = [%s, %s], want [second, third]", turns[0].Question, turns[1].Question)
	}
}

func TestGetUnknownSession(t *testing.T) {
	store, _ := newTestStore(t, 5, 0)

	_, err := store.Get(context.Background(), "nope")
	if err != session.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSessionExpires(t *testing.T) {
	store, mr := newTestStore(t, 5, time.Minute)
	ctx := context.Background()

	sess, err := store.Ensure(ctx, "short-lived")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := sess.Append(ctx, session.Turn{Question: "q"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if _, err := store.Get(ctx, "short-lived"); err != session.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound after expiry", err)
	}
}
