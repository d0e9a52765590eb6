package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/quester/internal/ingest"
	"github.com/mohammad-safakhou/quester/search"
)

type stubFetcher struct {
	pages map[string]ingest.Page
}

func (f stubFetcher) Fetch(ctx context.Context, url string) (ingest.Page, error) {
	if p, ok := f.pages[url]; ok {
		return p, nil
	}
	return ingest.Page{}, fmt.Errorf("rendering %s: connection refused", url)
}

type indexSink struct {
	mu     sync.Mutex
	chunks []search.Chunk
}

func (s *indexSink) Index(ctx context.Context, c search.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, c)
	return nil
}

func (s *indexSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func newIngestHandler(t *testing.T, fetcher ingest.Fetcher) (*IngestHandler, *indexSink) {
	t.Helper()
	sink := &indexSink{}
	pipeline, err := ingest.NewPipeline(sink)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	t.Cleanup(pipeline.Release)
	return NewIngestHandler(fetcher, pipeline), sink
}

func TestIngestIndexesSubmittedURLs(t *testing.T) {
	text := strings.Repeat("The scheduler parks idle worker threads. ", 62) // ~2500 chars
	fetcher := stubFetcher{pages: map[string]ingest.Page{
		"https://example.com/sched": {
			URL:   "https://example.com/sched",
			Title: "Scheduler notes",
			Text:  text,
		},
	}}
	h, sink := newIngestHandler(t, fetcher)

	e := echo.New()
	ctx, rec := postJSON(e, "/api/ingest", `{"urls":["https://example.com/sched","https://example.com/missing"]}`)
	if err := h.ingestURLs(ctx); err != nil {
		t.Fatalf("ingestURLs: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp IngestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got, want := len(resp.Items), 2; got != want {
		t.Fatalf("items = %d, want %d", got, want)
	}

	ok := resp.Items[0]
	if ok.Error != "" {
		t.Fatalf("unexpected error for first url: %q", ok.Error)
	}
	if ok.DocumentID == "" || ok.Chunks < 2 || ok.Indexed != ok.Chunks {
		t.Fatalf("unexpected ingest outcome: %+v", ok)
	}
	if got := sink.count(); got != ok.Indexed {
		t.Fatalf("sink received %d chunks, response says %d", got, ok.Indexed)
	}

	failed := resp.Items[1]
	if failed.Error == "" || failed.DocumentID != "" {
		t.Fatalf("expected fetch failure for second url, got %+v", failed)
	}
}

func TestIngestRequiresURLs(t *testing.T) {
	h, _ := newIngestHandler(t, stubFetcher{})

	e := echo.New()
	ctx, _ := postJSON(e, "/api/ingest", `{"urls":[]}`)
	err := h.ingestURLs(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}
