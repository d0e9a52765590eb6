package server

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/quester/internal/auth"
	"github.com/mohammad-safakhou/quester/internal/rag"
	"github.com/mohammad-safakhou/quester/internal/store"
	"github.com/mohammad-safakhou/quester/session"
)

// statusRegistryCap bounds how many finished turns stay queryable in memory.
const statusRegistryCap = 512

// statusRegistry keeps terminal states of recent turns so clients can look a
// turn up by id without hitting the audit store.
type statusRegistry struct {
	mu      sync.Mutex
	entries map[string]TurnStatusResponse
	order   []string
	cap     int
}

func newStatusRegistry(capacity int) *statusRegistry {
	if capacity < 1 {
		capacity = 1
	}
	return &statusRegistry{entries: make(map[string]TurnStatusResponse), cap: capacity}
}

func (r *statusRegistry) record(st TurnStatusResponse) {
	if st.TurnID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[st.TurnID]; !exists {
		for len(r.order) >= r.cap {
			oldest := r.order[0]
			r.order = r.order[1:]
			delete(r.entries, oldest)
		}
		r.order = append(r.order, st.TurnID)
	}
	r.entries[st.TurnID] = st
}

func (r *statusRegistry) get(id string) (TurnStatusResponse, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.entries[id]
	return st, ok
}

// TurnsHandler serves question answering over sessions. The store is optional;
// without it the audit endpoint reports the trail as unavailable.
type TurnsHandler struct {
	orch   *rag.Orchestrator
	store  *store.Store
	status *statusRegistry
	logger *log.Logger
}

func NewTurnsHandler(orch *rag.Orchestrator, st *store.Store) *TurnsHandler {
	return &TurnsHandler{
		orch:   orch,
		store:  st,
		status: newStatusRegistry(statusRegistryCap),
		logger: log.New(log.Writer(), "[TURNS] ", log.LstdFlags),
	}
}

// Register mounts the handler under the api group. The ask endpoint stays
// open; session and turn endpoints require a token when secret is non-empty.
func (h *TurnsHandler) Register(api *echo.Group, secret []byte) {
	api.POST("/ask", h.ask)

	sessions := api.Group("/sessions")
	turns := api.Group("/turns")
	if len(secret) > 0 {
		sessions.Use(auth.EchoAuthMiddleware(secret))
		turns.Use(auth.EchoAuthMiddleware(secret))
	}
	sessions.POST("/:id/turns", h.turn)
	sessions.GET("/:id/history", h.history)
	sessions.GET("/:id/audit", h.audit)
	turns.GET("/:id/status", h.turnStatus)
}

// ask answers a one-shot question, creating a session when none is given
//
//	@Summary	Ask a question
//	@Tags		turns
//	@Accept		json
//	@Produce	json
//	@Param		payload	body		AskRequest	true	"Question payload"
//	@Success	200		{object}	TurnResponse
//	@Failure	400		{object}	HTTPError
//	@Failure	500		{object}	HTTPError
//	@Router		/api/ask [post]
func (h *TurnsHandler) ask(c echo.Context) error {
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return h.handle(c, req.SessionID, req.Question)
}

// turn answers a question inside the session from the path
//
//	@Summary	Ask within a session
//	@Tags		turns
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Accept		json
//	@Produce	json
//	@Param		id		path		string		true	"Session ID"
//	@Param		payload	body		TurnRequest	true	"Question payload"
//	@Success	200		{object}	TurnResponse
//	@Failure	400		{object}	HTTPError
//	@Failure	500		{object}	HTTPError
//	@Router		/api/sessions/{id}/turns [post]
func (h *TurnsHandler) turn(c echo.Context) error {
	var req TurnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return h.handle(c, c.Param("id"), req.Question)
}

func (h *TurnsHandler) handle(c echo.Context, sessionID, question string) error {
	started := time.Now()
	res, err := h.orch.HandleTurn(c.Request().Context(), sessionID, question)
	h.status.record(TurnStatusResponse{
		TurnID:     res.TurnID,
		SessionID:  res.SessionID,
		State:      string(res.State),
		NoSupport:  res.NoSupport,
		Error:      errString(err),
		DurationMS: time.Since(started).Milliseconds(),
		FinishedAt: time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, rag.ErrEmptyQuestion) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		h.logger.Printf("turn failed in session %q: %v", res.SessionID, err)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, newTurnResponse(res))
}

// history returns the session's in-window turns
//
//	@Summary	Session history
//	@Tags		sessions
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Param		id	path	string	true	"Session ID"
//	@Produce	json
//	@Success	200	{object}	HistoryResponse
//	@Failure	404	{object}	HTTPError
//	@Router		/api/sessions/{id}/history [get]
func (h *TurnsHandler) history(c echo.Context) error {
	ctx := c.Request().Context()
	sess, err := h.orch.Sessions().Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	turns, err := sess.Window(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, HistoryResponse{SessionID: sess.ID(), Turns: turns})
}

// audit returns the persisted trail of a session, including evicted and
// failed turns
//
//	@Summary	Session audit trail
//	@Tags		sessions
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Param		id		path	string	true	"Session ID"
//	@Param		limit	query	int		false	"Max turns to return"
//	@Produce	json
//	@Success	200	{object}	AuditResponse
//	@Failure	503	{object}	HTTPError
//	@Router		/api/sessions/{id}/audit [get]
func (h *TurnsHandler) audit(c echo.Context) error {
	if h.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "audit trail requires postgres")
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	sessionID := c.Param("id")
	recs, err := h.store.ListTurns(c.Request().Context(), sessionID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := AuditResponse{SessionID: sessionID, Turns: make([]AuditTurnResponse, 0, len(recs))}
	for _, rec := range recs {
		resp.Turns = append(resp.Turns, AuditTurnResponse{
			TurnID:         rec.TurnID,
			Question:       rec.Question,
			Answer:         rec.Answer,
			State:          rec.State,
			NoSupport:      rec.NoSupport,
			Error:          rec.Error,
			PlannedQueries: rec.PlannedQueries,
			Sources:        rec.Sources,
			Diagnostics:    rec.Diagnostics,
			DurationMS:     rec.Duration.Milliseconds(),
			CreatedAt:      rec.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

// turnStatus reports how a recent turn ended
//
//	@Summary	Turn status
//	@Tags		turns
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Param		id	path	string	true	"Turn ID"
//	@Produce	json
//	@Success	200	{object}	TurnStatusResponse
//	@Failure	404	{object}	HTTPError
//	@Router		/api/turns/{id}/status [get]
func (h *TurnsHandler) turnStatus(c echo.Context) error {
	st, ok := h.status.get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "turn not found")
	}
	return c.JSON(http.StatusOK, st)
}

func newTurnResponse(res rag.TurnResult) TurnResponse {
	planned := make([]string, 0, len(res.PlannedQueries))
	for _, q := range res.PlannedQueries {
		planned = append(planned, q.Text)
	}
	sources := res.Sources
	if sources == nil {
		sources = []session.SourceRef{}
	}
	return TurnResponse{
		TurnID:         res.TurnID,
		SessionID:      res.SessionID,
		State:          string(res.State),
		Answer:         res.Answer,
		NoSupport:      res.NoSupport,
		PlannedQueries: planned,
		Sources:        sources,
		Diagnostics:    res.Diagnostics,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
