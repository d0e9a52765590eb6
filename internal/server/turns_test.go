package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/quester/internal/rag"
	"github.com/mohammad-safakhou/quester/internal/store"
	"github.com/mohammad-safakhou/quester/search"
)

// scriptedLLM hands out queued responses, two per turn: plan then synthesis.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []string
}

func (s *scriptedLLM) Generate(ctx context.Context, prompt rag.Prompt, opts rag.GenerateOptions) (rag.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		return rag.Completion{}, fmt.Errorf("no scripted response left")
	}
	text := s.responses[0]
	s.responses = s.responses[1:]
	return rag.Completion{Text: text, Model: "test-model", Usage: rag.TokenUsage{Prompt: 10, Completion: 5}}, nil
}

type staticSearch struct {
	hits []search.Hit
}

func (s staticSearch) Search(ctx context.Context, query string, topN int) ([]search.Hit, error) {
	return s.hits, nil
}

func newTestOrchestrator(t *testing.T, llm *scriptedLLM, hits []search.Hit) *rag.Orchestrator {
	t.Helper()
	orch, err := rag.NewOrchestrator(rag.Config{MemoryWindow: 5}, llm, staticSearch{hits: hits})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return orch
}

func testHits() []search.Hit {
	return []search.Hit{{
		DocumentID: "doc-1",
		ChunkID:    "doc-1#000",
		Title:      "Go GC",
		Source:     "https://example.com/gc",
		Content:    "The collector is a concurrent tri-color mark and sweep collector.",
		Score:      1.5,
	}}
}

func postJSON(e *echo.Echo, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestAskAnswersWithSources(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"queries": ["go garbage collector", "tri-color mark sweep"]}`,
		"Go uses a concurrent tri-color mark and sweep collector [1].",
	}}
	h := NewTurnsHandler(newTestOrchestrator(t, llm, testHits()), nil)

	e := echo.New()
	ctx, rec := postJSON(e, "/api/ask", `{"question":"How does the Go garbage collector work?"}`)
	if err := h.ask(ctx); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp TurnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.SessionID == "" || resp.TurnID == "" {
		t.Fatalf("expected generated ids, got session=%q turn=%q", resp.SessionID, resp.TurnID)
	}
	if resp.State != "done" {
		t.Fatalf("state = %q, want done", resp.State)
	}
	if !strings.Contains(resp.Answer, "[1]") {
		t.Fatalf("answer missing citation: %q", resp.Answer)
	}
	if got, want := len(resp.Sources), 1; got != want {
		t.Fatalf("sources = %d, want %d", got, want)
	}
	if resp.Sources[0].ChunkID != "doc-1#000" {
		t.Fatalf("source chunk = %q", resp.Sources[0].ChunkID)
	}
	if got, want := len(resp.PlannedQueries), 2; got != want {
		t.Fatalf("planned queries = %d, want %d", got, want)
	}
	if resp.Diagnostics.TotalHits == 0 {
		t.Fatalf("expected diagnostics to carry hit counts")
	}
}

func TestAskRejectsEmptyQuestion(t *testing.T) {
	h := NewTurnsHandler(newTestOrchestrator(t, &scriptedLLM{}, nil), nil)

	e := echo.New()
	ctx, _ := postJSON(e, "/api/ask", `{"question":"   "}`)
	err := h.ask(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if he.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want %d", he.Code, http.StatusBadRequest)
	}
}

func TestTurnKeepsSessionAndHistory(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"queries": ["first question"]}`,
		"First answer [1].",
		`{"queries": ["second question"]}`,
		"Second answer [1].",
	}}
	h := NewTurnsHandler(newTestOrchestrator(t, llm, testHits()), nil)
	e := echo.New()

	for i, q := range []string{"first question?", "second question?"} {
		ctx, rec := postJSON(e, "/api/sessions/sess-1/turns", fmt.Sprintf(`{"question":%q}`, q))
		ctx.SetParamNames("id")
		ctx.SetParamValues("sess-1")
		if err := h.turn(ctx); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		var resp TurnResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decoding turn %d: %v", i, err)
		}
		if resp.SessionID != "sess-1" {
			t.Fatalf("turn %d session = %q, want sess-1", i, resp.SessionID)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1/history", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("sess-1")
	if err := h.history(ctx); err != nil {
		t.Fatalf("history: %v", err)
	}
	var hist HistoryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &hist); err != nil {
		t.Fatalf("decoding history: %v", err)
	}
	if got, want := len(hist.Turns), 2; got != want {
		t.Fatalf("history turns = %d, want %d", got, want)
	}
	if hist.Turns[0].Question != "first question?" {
		t.Fatalf("first history question = %q", hist.Turns[0].Question)
	}
	if hist.Turns[1].Answer != "Second answer [1]." {
		t.Fatalf("second history answer = %q", hist.Turns[1].Answer)
	}
}

func TestHistoryUnknownSession(t *testing.T) {
	h := NewTurnsHandler(newTestOrchestrator(t, &scriptedLLM{}, nil), nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/nope/history", nil)
	ctx := e.NewContext(req, httptest.NewRecorder())
	ctx.SetParamNames("id")
	ctx.SetParamValues("nope")
	err := h.history(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestAuditRequiresStore(t *testing.T) {
	h := NewTurnsHandler(newTestOrchestrator(t, &scriptedLLM{}, nil), nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1/audit", nil)
	ctx := e.NewContext(req, httptest.NewRecorder())
	ctx.SetParamNames("id")
	ctx.SetParamValues("sess-1")
	err := h.audit(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", err)
	}
}

func TestAuditReturnsTrail(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "session_id", "turn_id", "question", "answer", "state", "no_support",
		"error", "planned_queries", "sources", "diagnostics", "duration_ms", "created_at",
	}).AddRow(
		1, "sess-1", "turn-1", "What is GOMAXPROCS?", "It bounds running Ps [1].", "done", false,
		nil, []byte(`["gomaxprocs meaning"]`),
		[]byte(`[{"ref":1,"chunk_id":"doc-1#000","document_id":"doc-1","title":"Scheduler","source":"https://example.com/sched","excerpt":"GOMAXPROCS bounds running Ps.","score":2.0}]`),
		[]byte(`{"total_hits":4}`), int64(1200), created,
	).AddRow(
		2, "sess-1", "turn-2", "Broken question", "", "failed", false,
		"generating query plan: boom", []byte("null"), []byte("null"),
		[]byte(`{"total_hits":0}`), int64(40), created.Add(time.Minute),
	)
	mock.ExpectQuery(`SELECT id, session_id, turn_id, question`).
		WithArgs("sess-1", 100).
		WillReturnRows(rows)

	h := NewTurnsHandler(newTestOrchestrator(t, &scriptedLLM{}, nil), &store.Store{DB: db})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1/audit", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("sess-1")
	if err := h.audit(ctx); err != nil {
		t.Fatalf("audit: %v", err)
	}

	var resp AuditResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding audit: %v", err)
	}
	if got, want := len(resp.Turns), 2; got != want {
		t.Fatalf("audit turns = %d, want %d", got, want)
	}
	first := resp.Turns[0]
	if first.TurnID != "turn-1" || first.State != "done" || first.DurationMS != 1200 {
		t.Fatalf("unexpected first audit turn: %+v", first)
	}
	if len(first.Sources) != 1 || first.Sources[0].DocumentID != "doc-1" {
		t.Fatalf("unexpected first sources: %+v", first.Sources)
	}
	second := resp.Turns[1]
	if second.State != "failed" || second.Error == "" {
		t.Fatalf("unexpected failed audit turn: %+v", second)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAuditRejectsBadLimit(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	h := NewTurnsHandler(newTestOrchestrator(t, &scriptedLLM{}, nil), &store.Store{DB: db})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1/audit?limit=zero", nil)
	ctx := e.NewContext(req, httptest.NewRecorder())
	ctx.SetParamNames("id")
	ctx.SetParamValues("sess-1")
	err = h.audit(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestTurnStatusTracksOutcome(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"queries": ["go scheduler"]}`,
		"The scheduler multiplexes goroutines [1].",
	}}
	h := NewTurnsHandler(newTestOrchestrator(t, llm, testHits()), nil)
	e := echo.New()

	ctx, rec := postJSON(e, "/api/ask", `{"question":"How does the scheduler work?"}`)
	if err := h.ask(ctx); err != nil {
		t.Fatalf("ask: %v", err)
	}
	var resp TurnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/turns/"+resp.TurnID+"/status", nil)
	rec = httptest.NewRecorder()
	sctx := e.NewContext(req, rec)
	sctx.SetParamNames("id")
	sctx.SetParamValues(resp.TurnID)
	if err := h.turnStatus(sctx); err != nil {
		t.Fatalf("turnStatus: %v", err)
	}
	var st TurnStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if st.TurnID != resp.TurnID || st.State != "done" || st.SessionID != resp.SessionID {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.Error != "" {
		t.Fatalf("unexpected status error %q", st.Error)
	}
}

func TestTurnStatusUnknownTurn(t *testing.T) {
	h := NewTurnsHandler(newTestOrchestrator(t, &scriptedLLM{}, nil), nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/turns/nope/status", nil)
	ctx := e.NewContext(req, httptest.NewRecorder())
	ctx.SetParamNames("id")
	ctx.SetParamValues("nope")
	err := h.turnStatus(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestStatusRegistryEvictsOldest(t *testing.T) {
	r := newStatusRegistry(2)
	r.record(TurnStatusResponse{TurnID: "a", State: "done"})
	r.record(TurnStatusResponse{TurnID: "b", State: "done"})
	r.record(TurnStatusResponse{TurnID: "c", State: "failed"})

	if _, ok := r.get("a"); ok {
		t.Fatalf("expected oldest entry to be evicted")
	}
	if _, ok := r.get("b"); !ok {
		t.Fatalf("expected b to survive")
	}
	st, ok := r.get("c")
	if !ok || st.State != "failed" {
		t.Fatalf("expected c with failed state, got %+v (ok=%v)", st, ok)
	}

	// updating an existing id must not evict anyone
	r.record(TurnStatusResponse{TurnID: "c", State: "done"})
	if _, ok := r.get("b"); !ok {
		t.Fatalf("update evicted an unrelated entry")
	}
}
