package rag

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/quester/search"
	"github.com/mohammad-safakhou/quester/session"
	"github.com/mohammad-safakhou/quester/session/inmemory"
)

var turnTracer trace.Tracer = otel.Tracer("quester/internal/rag")

// Orchestrator drives one turn through the planning, retrieval, aggregation
// and synthesis states. It owns no transport; callers hand it a session id
// and a question and get the full turn result back.
type Orchestrator struct {
	cfg    Config
	logger *log.Logger

	planner     *Planner
	retriever   *Retriever
	synthesizer *Synthesizer

	sessions  session.Store
	audit     AuditLog
	telemetry Telemetry

	// sessionLocks serializes turns per session; striping bounds memory
	// without tracking every session id ever seen.
	sessionLocks [64]sync.Mutex
}

// Option customizes an orchestrator.
type Option func(*Orchestrator)

// WithLogger replaces the default prefixed logger.
func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithSessionStore replaces the default in-memory session store.
func WithSessionStore(s session.Store) Option {
	return func(o *Orchestrator) { o.sessions = s }
}

// WithAuditLog enables durable per-turn records.
func WithAuditLog(a AuditLog) Option {
	return func(o *Orchestrator) { o.audit = a }
}

// WithTelemetry wires metric recording.
func WithTelemetry(t Telemetry) Option {
	return func(o *Orchestrator) { o.telemetry = t }
}

// NewOrchestrator creates the engine. Completion and search providers are
// mandatory; everything else has working defaults.
func NewOrchestrator(cfg Config, completion CompletionProvider, searcher search.Provider, opts ...Option) (*Orchestrator, error) {
	if completion == nil {
		return nil, ErrCompletionRequired
	}
	if searcher == nil {
		return nil, ErrSearchRequired
	}
	cfg = cfg.withDefaults()

	o := &Orchestrator{
		cfg:         cfg,
		logger:      log.New(log.Writer(), "[ORCH] ", log.LstdFlags),
		planner:     NewPlanner(cfg, completion),
		retriever:   NewRetriever(cfg, searcher),
		synthesizer: NewSynthesizer(cfg, completion),
		telemetry:   noopTelemetry{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.sessions == nil {
		o.sessions = inmemory.New(cfg.MemoryWindow)
	}
	return o, nil
}

// Sessions exposes the session store so transports can serve history from
// the same state the engine reads.
func (o *Orchestrator) Sessions() session.Store { return o.sessions }

// HandleTurn processes one question in the given session. An empty session
// id starts a new conversation. The returned result carries diagnostics even
// when the turn fails; the error is non-nil only for invalid input and for
// fatal transport failures.
func (o *Orchestrator) HandleTurn(ctx context.Context, sessionID, question string) (TurnResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return TurnResult{}, ErrEmptyQuestion
	}

	sess, err := o.sessions.Ensure(ctx, sessionID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("resolving session: %w", err)
	}

	lock := o.sessionLock(sess.ID())
	lock.Lock()
	defer lock.Unlock()

	startTime := time.Now()
	ctx, span := turnTracer.Start(ctx, "rag.handle_turn",
		trace.WithAttributes(attribute.String("session.id", sess.ID())))
	defer span.End()

	result := TurnResult{TurnID: uuid.NewString(), SessionID: sess.ID()}
	span.SetAttributes(attribute.String("turn.id", result.TurnID))

	window, err := sess.Window(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, fmt.Errorf("reading session window: %w", err)
	}
	history := formatHistory(window, o.cfg.ContextTurns, o.cfg.AnswerContextLimit)

	o.logger.Printf("turn %s started in session %s", result.TurnID, sess.ID())

	var (
		planned  []PlannedQuery
		perQuery []QueryResult
		ranked   []RankedHit
		synth    SynthesisResult
		turnErr  error
	)

	state := StatePlanning
	for !state.Terminal() {
		stageStart := time.Now()
		stageCtx, stageSpan := turnTracer.Start(ctx, "rag."+string(state))
		var next State

		switch state {
		case StatePlanning:
			var plan PlanResult
			plan, turnErr = o.planner.Plan(stageCtx, question, history)
			if turnErr == nil {
				planned = plan.Queries
				result.PlannedQueries = planned
				result.Diagnostics.PlannerFallback = plan.Fallback
				result.Diagnostics.Tokens.add(plan.Usage)
				if plan.Model != "" {
					result.Diagnostics.Model = plan.Model
				}
				stageSpan.SetAttributes(
					attribute.Int("plan.query_count", len(planned)),
					attribute.Bool("plan.fallback", plan.Fallback),
				)
				next = StateRetrieving
			}

		case StateRetrieving:
			perQuery = o.retriever.Retrieve(stageCtx, planned)
			totalHits := 0
			failed := 0
			for _, qr := range perQuery {
				result.Diagnostics.Queries = append(result.Diagnostics.Queries, QueryDiagnostic{
					Index:    qr.Query.Index,
					Query:    qr.Query.Text,
					Status:   qr.Status,
					Hits:     len(qr.Hits),
					Duration: qr.Duration,
					Error:    qr.Err,
				})
				totalHits += len(qr.Hits)
				if qr.Status == QueryFailed {
					failed++
				}
			}
			result.Diagnostics.TotalHits = totalHits
			stageSpan.SetAttributes(
				attribute.Int("retrieve.hits", totalHits),
				attribute.Int("retrieve.failed_queries", failed),
			)
			// Query failures are absorbed as empty results; only caller
			// cancellation aborts the turn here.
			if ctx.Err() != nil {
				turnErr = ctx.Err()
			} else {
				if failed == len(perQuery) {
					o.logger.Printf("turn %s: all %d queries failed, continuing with empty results", result.TurnID, failed)
				}
				next = StateAggregating
			}

		case StateAggregating:
			ranked = Aggregate(perQuery, o.cfg.TopK)
			result.Diagnostics.MergedResults = len(ranked)
			stageSpan.SetAttributes(attribute.Int("aggregate.merged", len(ranked)))
			next = StateSynthesizing

		case StateSynthesizing:
			synth, turnErr = o.synthesizer.Synthesize(stageCtx, question, history, ranked)
			if turnErr == nil {
				result.Answer = synth.Answer
				result.NoSupport = synth.NoSupport
				result.Sources = synth.Sources
				result.Diagnostics.Tokens.add(synth.Usage)
				if synth.Model != "" {
					result.Diagnostics.Model = synth.Model
				}
				stageSpan.SetAttributes(
					attribute.Int("synthesize.sources", len(synth.Sources)),
					attribute.Bool("synthesize.no_support", synth.NoSupport),
				)
				next = StateDone
			}
		}

		stageDuration := time.Since(stageStart)
		if turnErr != nil {
			stageSpan.RecordError(turnErr)
			stageSpan.SetStatus(codes.Error, turnErr.Error())
			next = StateFailed
		} else {
			stageSpan.SetStatus(codes.Ok, "completed")
		}
		stageSpan.End()

		result.Diagnostics.Timings = append(result.Diagnostics.Timings, StageTiming{Stage: state, Duration: stageDuration})
		o.telemetry.RecordStage(ctx, StageEvent{Stage: state, Duration: stageDuration, Err: errString(turnErr)})
		state = next
	}
	result.State = state

	turn := session.Turn{
		ID:             result.TurnID,
		Question:       question,
		Answer:         result.Answer,
		NoSupport:      result.NoSupport,
		PlannedQueries: queryTexts(planned),
		Sources:        result.Sources,
		CreatedAt:      time.Now().UTC(),
	}
	if turnErr != nil {
		turn.Error = turnErr.Error()
	}

	if state == StateDone {
		if err := sess.Append(ctx, turn); err != nil {
			o.logger.Printf("turn %s: appending to session failed: %v", result.TurnID, err)
		}
	}
	o.recordAudit(ctx, sess.ID(), turn, result, time.Since(startTime))

	o.telemetry.RecordTurn(ctx, TurnEvent{
		SessionID:      sess.ID(),
		TurnID:         result.TurnID,
		State:          state,
		Duration:       time.Since(startTime),
		PlannedQueries: len(planned),
		FailedQueries:  countFailed(perQuery),
		TotalHits:      result.Diagnostics.TotalHits,
		MergedResults:  result.Diagnostics.MergedResults,
		Tokens:         result.Diagnostics.Tokens,
		Model:          result.Diagnostics.Model,
		NoSupport:      result.NoSupport,
		Err:            errString(turnErr),
	})

	if turnErr != nil {
		span.RecordError(turnErr)
		span.SetStatus(codes.Error, turnErr.Error())
		o.logger.Printf("turn %s failed after %v: %v", result.TurnID, time.Since(startTime), turnErr)
		return result, turnErr
	}

	span.SetAttributes(
		attribute.Int("turn.sources", len(result.Sources)),
		attribute.Bool("turn.no_support", result.NoSupport),
	)
	span.SetStatus(codes.Ok, "completed")
	o.logger.Printf("turn %s completed in %v with %d sources", result.TurnID, time.Since(startTime), len(result.Sources))
	return result, nil
}

func (o *Orchestrator) recordAudit(ctx context.Context, sessionID string, turn session.Turn, result TurnResult, duration time.Duration) {
	if o.audit == nil {
		return
	}
	rec := TurnRecord{
		SessionID:   sessionID,
		Turn:        turn,
		State:       result.State,
		Duration:    duration,
		Diagnostics: result.Diagnostics,
	}
	if err := o.audit.SaveTurn(ctx, rec); err != nil {
		o.logger.Printf("turn %s: audit write failed: %v", turn.ID, err)
	}
}

func (o *Orchestrator) sessionLock(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &o.sessionLocks[h.Sum32()%uint32(len(o.sessionLocks))]
}

func queryTexts(queries []PlannedQuery) []string {
	if len(queries) == 0 {
		return nil
	}
	texts := make([]string, len(queries))
	for i, q := range queries {
		texts[i] = q.Text
	}
	return texts
}

func countFailed(results []QueryResult) int {
	failed := 0
	for _, qr := range results {
		if qr.Status == QueryFailed {
			failed++
		}
	}
	return failed
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type noopTelemetry struct{}

func (noopTelemetry) RecordTurn(context.Context, TurnEvent)   {}
func (noopTelemetry) RecordStage(context.Context, StageEvent) {}
