package bleveindex

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/quester/search"
)

func seedIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })

	chunks := []search.Chunk{
		{ID: "doc-1:0", DocumentID: "doc-1", Title: "Go scheduler", Source: "https://example.com/sched", Text: "The Go scheduler multiplexes goroutines onto operating system threads.", Index: 0, IngestedAt: time.Now()},
		{ID: "doc-1:1", DocumentID: "doc-1", Title: "Go scheduler", Source: "https://example.com/sched", Text: "Work stealing keeps processor run queues balanced under load.", Index: 1, IngestedAt: time.Now()},
		{ID: "doc-2:0", DocumentID: "doc-2", Title: "Garbage collection", Source: "https://example.com/gc", Text: "The collector runs concurrently with the program and uses a write barrier.", Index: 0, IngestedAt: time.Now()},
	}
	for _, c := range chunks {
		if err := idx.Index(context.Background(), c); err != nil {
			t.Fatalf("Index(%s): %v", c.ID, err)
		}
	}
	return idx
}

func TestSearchReturnsStoredFields(t *testing.T) {
	idx := seedIndex(t)

	hits, err := idx.Search(context.Background(), "goroutines threads", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected at least one hit")
	}
	top := hits[0]
	if got, want := top.ChunkID, "doc-1:0"; got != want {
		t.Fatalf("top chunk = %q, want %q", got, want)
	}
	if got, want := top.DocumentID, "doc-1"; got != want {
		t.Fatalf("top document = %q, want %q", got, want)
	}
	if top.Title != "Go scheduler" || !strings.Contains(top.Content, "multiplexes") {
		t.Fatalf("stored fields not round-tripped: %+v", top)
	}
	if top.Score <= 0 {
		t.Fatalf("score = %v, want > 0", top.Score)
	}
}

func TestSearchHighlightsAreSanitized(t *testing.T) {
	idx := seedIndex(t)

	hits, err := idx.Search(context.Background(), "write barrier", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected at least one hit")
	}
	if len(hits[0].Highlights) == 0 {
		t.Fatal("expected highlight fragments")
	}
	for _, h := range hits[0].Highlights {
		if strings.Contains(h, "<") || strings.Contains(h, ">") {
			t.Fatalf("highlight contains markup: %q", h)
		}
	}
}

func TestSearchHonorsTopN(t *testing.T) {
	idx := seedIndex(t)

	hits, err := idx.Search(context.Background(), "scheduler", 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want exactly 1", len(hits))
	}
}

func TestSearchNoMatches(t *testing.T) {
	idx := seedIndex(t)

	hits, err := idx.Search(context.Background(), "zeppelin", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("got %d hits, want 0", len(hits))
	}
}

func TestIndexRequiresID(t *testing.T) {
	idx, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer idx.Close()

	if err := idx.Index(context.Background(), search.Chunk{Text: "orphan"}); err == nil {
		t.Fatal("expected error for chunk without id")
	}
}

func TestCount(t *testing.T) {
	idx := seedIndex(t)

	n, err := idx.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if got, want := n, uint64(3); got != want {
		t.Fatalf("count = %d, want %d", got, want)
	}
}
