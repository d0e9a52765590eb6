// Package rag contains the turn-processing engine: planning a question into
// search queries, running them concurrently against a retrieval backend,
// merging the hits and synthesizing a cited answer. The engine is transport
// agnostic; HTTP and CLI front ends live elsewhere and hand it sessions.
package rag

import (
	"context"
	"time"

	"github.com/mohammad-safakhou/quester/search"
	"github.com/mohammad-safakhou/quester/session"
)

// Config carries the engine knobs. Zero values are replaced by defaults in
// NewOrchestrator so a partially filled config is safe.
type Config struct {
	// MaxPlannedQueries caps how many queries the planner may emit per turn.
	MaxPlannedQueries int
	// SearchConcurrency bounds how many searches run at once.
	SearchConcurrency int
	// SearchTimeout applies to each individual search call.
	SearchTimeout time.Duration
	// TopK is how many merged results survive aggregation.
	TopK int
	// MinPerQuery is the floor for per-query result counts after TopK is
	// divided across planned queries.
	MinPerQuery int
	// MemoryWindow is how many past turns a session retains for context.
	MemoryWindow int
	// ContextTurns is how many recent turns are rendered into prompts.
	ContextTurns int
	// AnswerContextLimit truncates past answers rendered into prompts.
	AnswerContextLimit int
	// ContentBudget bounds the total characters of document content in the
	// synthesis prompt.
	ContentBudget int
	// PlanningTemperature and SynthesisTemperature are per-call sampling
	// temperatures.
	PlanningTemperature  float64
	SynthesisTemperature float64
	// MaxAnswerTokens caps the synthesized answer length.
	MaxAnswerTokens int
}

func (c Config) withDefaults() Config {
	if c.MaxPlannedQueries < 1 {
		c.MaxPlannedQueries = 5
	}
	if c.SearchConcurrency < 1 {
		c.SearchConcurrency = 5
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = 10 * time.Second
	}
	if c.TopK < 1 {
		c.TopK = 20
	}
	if c.MinPerQuery < 1 {
		c.MinPerQuery = 5
	}
	if c.MemoryWindow < 1 {
		c.MemoryWindow = 5
	}
	if c.ContextTurns < 1 {
		c.ContextTurns = 3
	}
	if c.AnswerContextLimit < 1 {
		c.AnswerContextLimit = 200
	}
	if c.ContentBudget < 1 {
		c.ContentBudget = 12000
	}
	if c.MaxAnswerTokens < 1 {
		c.MaxAnswerTokens = 1000
	}
	return c
}

// State is one step of the turn state machine.
type State string

const (
	StatePlanning     State = "planning"
	StateRetrieving   State = "retrieving"
	StateAggregating  State = "aggregating"
	StateSynthesizing State = "synthesizing"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// Terminal reports whether the machine stops in this state.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// PlannedQuery is one search query produced by the planner. Index is the
// stable position used to attribute hits back to their queries.
type PlannedQuery struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// QueryStatus describes how a single retrieval call ended.
type QueryStatus string

const (
	QueryOK     QueryStatus = "ok"
	QueryFailed QueryStatus = "failed"
)

// QueryResult is the outcome of one search call. A failed query keeps an
// empty hit list so downstream stages never see partial data.
type QueryResult struct {
	Query    PlannedQuery
	Status   QueryStatus
	Hits     []search.Hit
	Err      string
	Duration time.Duration
}

// RankedHit is a deduplicated search hit after aggregation. Score is the
// maximum across the contributing queries and Queries lists their indexes in
// ascending order.
type RankedHit struct {
	Hit     search.Hit
	Score   float64
	Queries []int
}

// TokenUsage accumulates LLM token counts across a turn.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
}

func (u *TokenUsage) add(other TokenUsage) {
	u.Prompt += other.Prompt
	u.Completion += other.Completion
}

// Prompt is a system/user message pair for one completion call.
type Prompt struct {
	System string
	User   string
}

// GenerateOptions tune a single completion call.
type GenerateOptions struct {
	Temperature float64
	MaxTokens   int
	JSONMode    bool
}

// Completion is the provider's response to one call.
type Completion struct {
	Text  string
	Model string
	Usage TokenUsage
}

// CompletionProvider is the LLM capability the engine depends on. Errors
// from Generate are treated as transport failures and abort the turn.
type CompletionProvider interface {
	Generate(ctx context.Context, prompt Prompt, opts GenerateOptions) (Completion, error)
}

// StageTiming records how long one state took.
type StageTiming struct {
	Stage    State         `json:"stage"`
	Duration time.Duration `json:"duration"`
}

// QueryDiagnostic is the per-query slice of turn diagnostics.
type QueryDiagnostic struct {
	Index    int           `json:"index"`
	Query    string        `json:"query"`
	Status   QueryStatus   `json:"status"`
	Hits     int           `json:"hits"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Diagnostics describes how a turn was processed.
type Diagnostics struct {
	Timings         []StageTiming     `json:"timings"`
	Queries         []QueryDiagnostic `json:"queries"`
	PlannerFallback bool              `json:"planner_fallback,omitempty"`
	TotalHits       int               `json:"total_hits"`
	MergedResults   int               `json:"merged_results"`
	Tokens          TokenUsage        `json:"tokens"`
	Model           string            `json:"model,omitempty"`
}

// TurnResult is what HandleTurn returns to callers.
type TurnResult struct {
	TurnID         string
	SessionID      string
	State          State
	Answer         string
	NoSupport      bool
	PlannedQueries []PlannedQuery
	Sources        []session.SourceRef
	Diagnostics    Diagnostics
}

// TurnRecord is the audit row for one turn, successful or not. The audit log
// keeps every turn even after the session window evicts it.
type TurnRecord struct {
	SessionID   string
	Turn        session.Turn
	State       State
	Duration    time.Duration
	Diagnostics Diagnostics
}

// AuditLog persists turn records. Implementations must tolerate being called
// for failed turns where only the question and error are set.
type AuditLog interface {
	SaveTurn(ctx context.Context, rec TurnRecord) error
}

// TurnEvent is the telemetry summary of one turn.
type TurnEvent struct {
	SessionID      string
	TurnID         string
	State          State
	Duration       time.Duration
	PlannedQueries int
	FailedQueries  int
	TotalHits      int
	MergedResults  int
	Tokens         TokenUsage
	Model          string
	NoSupport      bool
	Err            string
}

// StageEvent is the telemetry record of one state transition.
type StageEvent struct {
	Stage    State
	Duration time.Duration
	Err      string
}

// Telemetry receives engine events. The engine never blocks on it.
type Telemetry interface {
	RecordTurn(ctx context.Context, ev TurnEvent)
	RecordStage(ctx context.Context, ev StageEvent)
}
