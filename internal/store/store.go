// Package store persists users and the turn audit trail in Postgres.
//
// The audit trail is independent of the conversation window: sessions evict
// old turns, the audit table keeps all of them.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/mohammad-safakhou/quester/internal/rag"
	"github.com/mohammad-safakhou/quester/session"
)

type Store struct {
	DB *sql.DB
}

// New constructs the Store from DATABASE_URL, falling back to discrete
// POSTGRES_* environment variables.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// User operations
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// TurnAudit is one persisted turn, successful or failed.
type TurnAudit struct {
	ID             int64
	SessionID      string
	TurnID         string
	Question       string
	Answer         string
	State          string
	NoSupport      bool
	Error          string
	PlannedQueries []string
	Sources        []session.SourceRef
	Diagnostics    json.RawMessage
	Duration       time.Duration
	CreatedAt      time.Time
}

// SaveTurn persists the audit record for one turn. Failed turns carry only
// the question, state and error.
func (s *Store) SaveTurn(ctx context.Context, rec rag.TurnRecord) error {
	planned, err := json.Marshal(rec.Turn.PlannedQueries)
	if err != nil {
		return fmt.Errorf("marshal planned queries: %w", err)
	}
	sources, err := json.Marshal(rec.Turn.Sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	diags, err := json.Marshal(rec.Diagnostics)
	if err != nil {
		return fmt.Errorf("marshal diagnostics: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO turn_audits (session_id, turn_id, question, answer, state, no_support, error, planned_queries, sources, diagnostics, duration_ms)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`, rec.SessionID, rec.Turn.ID, rec.Turn.Question, rec.Turn.Answer, string(rec.State), rec.Turn.NoSupport,
		nullableString(rec.Turn.Error), planned, sources, diags, rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert turn audit: %w", err)
	}
	return nil
}

// ListTurns returns the audit trail for a session, oldest first.
func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]TurnAudit, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, session_id, turn_id, question, answer, state, no_support, error, planned_queries, sources, diagnostics, duration_ms, created_at
FROM turn_audits
WHERE session_id=$1
ORDER BY created_at ASC, id ASC
LIMIT $2
`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TurnAudit
	for rows.Next() {
		var (
			a          TurnAudit
			errMsg     sql.NullString
			planned    []byte
			sources    []byte
			durationMS int64
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.TurnID, &a.Question, &a.Answer, &a.State, &a.NoSupport,
			&errMsg, &planned, &sources, &a.Diagnostics, &durationMS, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Error = errMsg.String
		a.Duration = time.Duration(durationMS) * time.Millisecond
		if len(planned) > 0 {
			if err := json.Unmarshal(planned, &a.PlannedQueries); err != nil {
				return nil, fmt.Errorf("unmarshal planned queries: %w", err)
			}
		}
		if len(sources) > 0 {
			if err := json.Unmarshal(sources, &a.Sources); err != nil {
				return nil, fmt.Errorf("unmarshal sources: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountTurns reports how many audited turns a session has accumulated.
func (s *Store) CountTurns(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM turn_audits WHERE session_id=$1`, sessionID).Scan(&n)
	return n, err
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
