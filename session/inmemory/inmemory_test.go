package inmemory

import (
	"context"
	"testing"

	"github.com/mohammad-safakhou/quester/session"
)

func TestEnsureCreatesAndReuses(t *testing.T) {
	store := New(5)
	ctx := context.Background()

	sess, err := store.Ensure(ctx, "")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if sess.ID() == "" {
		t.Fatal("expected generated session id")
	}

	again, err := store.Ensure(ctx, sess.ID())
	if err != nil {
		t.Fatalf("Ensure existing: %v", err)
	}
	if again.ID() != sess.ID() {
		t.Fatalf("Ensure returned %q, want %q", again.ID(), sess.ID())
	}
}

func TestGetUnknownSession(t *testing.T) {
	store := New(5)

	_, err := store.Get(context.Background(), "missing")
	if err != session.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestWindowEvictsOldestFirst(t *testing.T) {
	store := New(2)
	ctx := context.Background()

	sess, err := store.Ensure(ctx, "s1")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	for _, q := range []string{"first", "second", "third"} {
		if err := sess.Append(ctx, session.Turn{Question: q, Answer: "a"}); err != nil {
			t.Fatalf("Append(%s): %v", q, err)
		}
	}

	turns, err := sess.Window(ctx)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if got, want := len(turns), 2; got != want {
		t.Fatalf("window size = %d, want %d", got, want)
	}
	if turns[0].Question != "second" || turns[1].Question != "third" {
		t.Fatalf("window = [%s, %s], want [second, third]", turns[0].Question, turns[1].Question)
	}
}

func TestWindowReturnsIsolatedSnapshot(t *testing.T) {
	store := New(5)
	ctx := context.Background()

	sess, _ := store.Ensure(ctx, "s1")
	if err := sess.Append(ctx, session.Turn{Question: "q", PlannedQueries: []string{"a", "b"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	turns, err := sess.Window(ctx)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	turns[0].Question = "mutated"
	turns[0].PlannedQueries[0] = "mutated"

	fresh, err := sess.Window(ctx)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if fresh[0].Question != "q" || fresh[0].PlannedQueries[0] != "a" {
		t.Fatalf("snapshot leaked mutations back into session: %+v", fresh[0])
	}
}
