// Package telemetry records engine metrics on a private prometheus registry
// and tracks LLM spend from configured per-token rates.
package telemetry

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/quester/internal/rag"
)

// Options configures a Telemetry instance.
type Options struct {
	Enabled         bool
	Namespace       string
	CostPer1KInput  float64
	CostPer1KOutput float64
}

// Telemetry implements rag.Telemetry. A disabled instance is a cheap no-op
// so callers never need nil checks.
type Telemetry struct {
	enabled  bool
	logger   *log.Logger
	registry *prometheus.Registry

	costPer1KInput  float64
	costPer1KOutput float64

	turnsTotal     *prometheus.CounterVec
	turnDuration   prometheus.Histogram
	stageDuration  *prometheus.HistogramVec
	plannedQueries prometheus.Histogram
	failedQueries  prometheus.Counter
	retrievedHits  prometheus.Counter
	mergedResults  prometheus.Counter
	tokensTotal    *prometheus.CounterVec
	costTotal      prometheus.Counter
	noSupportTotal prometheus.Counter

	mu          sync.RWMutex
	turns       int64
	failures    int64
	noSupport   int64
	totalTokens int64
	totalCost   float64
}

// Summary is a point-in-time snapshot of turn accounting, served by the
// status endpoint alongside the raw prometheus metrics.
type Summary struct {
	Turns       int64   `json:"turns"`
	Failures    int64   `json:"failures"`
	NoSupport   int64   `json:"no_support"`
	TotalTokens int64   `json:"total_tokens"`
	TotalCost   float64 `json:"total_cost_usd"`
}

// New creates a telemetry instance with its own registry.
func New(opts Options) *Telemetry {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "quester"
	}

	t := &Telemetry{
		enabled:         opts.Enabled,
		logger:          log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		registry:        prometheus.NewRegistry(),
		costPer1KInput:  opts.CostPer1KInput,
		costPer1KOutput: opts.CostPer1KOutput,
	}

	t.turnsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turns_total",
		Help:      "Turns processed, labeled by terminal state.",
	}, []string{"state"})
	t.turnDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "turn_duration_seconds",
		Help:      "End-to-end turn latency.",
		Buckets:   prometheus.DefBuckets,
	})
	t.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Per-stage latency of the turn state machine.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})
	t.plannedQueries = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "planned_queries",
		Help:      "Queries emitted by the planner per turn.",
		Buckets:   prometheus.LinearBuckets(1, 1, 8),
	})
	t.failedQueries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "failed_queries_total",
		Help:      "Retrieval calls that ended in failure or timeout.",
	})
	t.retrievedHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retrieved_hits_total",
		Help:      "Raw hits returned across all queries before merging.",
	})
	t.mergedResults = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "merged_results_total",
		Help:      "Deduplicated results surviving aggregation.",
	})
	t.tokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_tokens_total",
		Help:      "LLM tokens consumed, labeled prompt or completion.",
	}, []string{"kind"})
	t.costTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_cost_usd_total",
		Help:      "Estimated LLM spend from configured per-1k rates.",
	})
	t.noSupportTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "no_support_turns_total",
		Help:      "Turns answered without any supporting documents.",
	})

	t.registry.MustRegister(
		t.turnsTotal, t.turnDuration, t.stageDuration, t.plannedQueries,
		t.failedQueries, t.retrievedHits, t.mergedResults, t.tokensTotal,
		t.costTotal, t.noSupportTotal,
	)
	return t
}

// Handler serves the registry in the prometheus exposition format.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// CalculateCost converts token counts into dollars using the configured
// per-1k rates.
func (t *Telemetry) CalculateCost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000.0*t.costPer1KInput +
		float64(completionTokens)/1000.0*t.costPer1KOutput
}

// RecordTurn implements rag.Telemetry.
func (t *Telemetry) RecordTurn(ctx context.Context, ev rag.TurnEvent) {
	if !t.enabled {
		return
	}

	cost := t.CalculateCost(ev.Tokens.Prompt, ev.Tokens.Completion)

	t.turnsTotal.WithLabelValues(string(ev.State)).Inc()
	t.turnDuration.Observe(ev.Duration.Seconds())
	t.plannedQueries.Observe(float64(ev.PlannedQueries))
	t.failedQueries.Add(float64(ev.FailedQueries))
	t.retrievedHits.Add(float64(ev.TotalHits))
	t.mergedResults.Add(float64(ev.MergedResults))
	t.tokensTotal.WithLabelValues("prompt").Add(float64(ev.Tokens.Prompt))
	t.tokensTotal.WithLabelValues("completion").Add(float64(ev.Tokens.Completion))
	t.costTotal.Add(cost)
	if ev.NoSupport {
		t.noSupportTotal.Inc()
	}

	t.mu.Lock()
	t.turns++
	if ev.State == rag.StateFailed {
		t.failures++
	}
	if ev.NoSupport {
		t.noSupport++
	}
	t.totalTokens += int64(ev.Tokens.Prompt + ev.Tokens.Completion)
	t.totalCost += cost
	t.mu.Unlock()

	t.logger.Printf("Turn Event: ID=%s, State=%s, Duration=%v, Queries=%d, Hits=%d, Cost=$%.4f",
		ev.TurnID, ev.State, ev.Duration.Round(time.Millisecond), ev.PlannedQueries, ev.TotalHits, cost)
}

// RecordStage implements rag.Telemetry.
func (t *Telemetry) RecordStage(ctx context.Context, ev rag.StageEvent) {
	if !t.enabled {
		return
	}
	t.stageDuration.WithLabelValues(string(ev.Stage)).Observe(ev.Duration.Seconds())
}

// GetSummary returns the accumulated totals.
func (t *Telemetry) GetSummary() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Summary{
		Turns:       t.turns,
		Failures:    t.failures,
		NoSupport:   t.noSupport,
		TotalTokens: t.totalTokens,
		TotalCost:   t.totalCost,
	}
}
