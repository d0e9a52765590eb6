package server

import (
	"encoding/json"
	"time"

	"github.com/mohammad-safakhou/quester/internal/rag"
	"github.com/mohammad-safakhou/quester/session"
)

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest represents the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// MeResponse returns the current authenticated user id.
type MeResponse struct {
	UserID string `json:"user_id"`
}

// AskRequest is the one-shot question payload. SessionID is optional; when
// empty a fresh session is created and its id returned with the answer.
type AskRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id,omitempty"`
}

// TurnRequest asks a question inside an existing session.
type TurnRequest struct {
	Question string `json:"question"`
}

// TurnResponse is the cited answer for one processed turn.
type TurnResponse struct {
	TurnID         string              `json:"turn_id"`
	SessionID      string              `json:"session_id"`
	State          string              `json:"state"`
	Answer         string              `json:"answer"`
	NoSupport      bool                `json:"no_support,omitempty"`
	PlannedQueries []string            `json:"planned_queries"`
	Sources        []session.SourceRef `json:"sources"`
	Diagnostics    rag.Diagnostics     `json:"diagnostics"`
}

// HistoryResponse is the session's conversation window, oldest first.
type HistoryResponse struct {
	SessionID string         `json:"session_id"`
	Turns     []session.Turn `json:"turns"`
}

// AuditTurnResponse is one persisted turn from the audit trail.
type AuditTurnResponse struct {
	TurnID         string              `json:"turn_id"`
	Question       string              `json:"question"`
	Answer         string              `json:"answer,omitempty"`
	State          string              `json:"state"`
	NoSupport      bool                `json:"no_support,omitempty"`
	Error          string              `json:"error,omitempty"`
	PlannedQueries []string            `json:"planned_queries,omitempty"`
	Sources        []session.SourceRef `json:"sources,omitempty"`
	Diagnostics    json.RawMessage     `json:"diagnostics,omitempty"`
	DurationMS     int64               `json:"duration_ms"`
	CreatedAt      time.Time           `json:"created_at"`
}

// AuditResponse is the full recorded history of a session, oldest first.
// Unlike HistoryResponse it survives window eviction and includes failed turns.
type AuditResponse struct {
	SessionID string              `json:"session_id"`
	Turns     []AuditTurnResponse `json:"turns"`
}

// TurnStatusResponse reports how a recently processed turn ended.
type TurnStatusResponse struct {
	TurnID     string    `json:"turn_id"`
	SessionID  string    `json:"session_id"`
	State      string    `json:"state"`
	NoSupport  bool      `json:"no_support,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	FinishedAt time.Time `json:"finished_at"`
}

// IngestRequest submits documents for indexing by URL.
type IngestRequest struct {
	URLs []string `json:"urls"`
}

// IngestItemResponse is the per-URL outcome of an ingest request.
type IngestItemResponse struct {
	URL        string `json:"url"`
	DocumentID string `json:"document_id,omitempty"`
	Chunks     int    `json:"chunks"`
	Indexed    int    `json:"indexed"`
	Error      string `json:"error,omitempty"`
}

// IngestResponse reports one item per submitted URL, in request order.
type IngestResponse struct {
	Items []IngestItemResponse `json:"items"`
}
