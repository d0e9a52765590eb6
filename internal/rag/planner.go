package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
)

const planMaxTokens = 512

// Planner turns one question into a small set of search queries.
type Planner struct {
	cfg      Config
	provider CompletionProvider
	logger   *log.Logger
}

// PlanResult is the planner's outcome. Fallback is set when the model
// response could not be parsed and the original question was used verbatim.
type PlanResult struct {
	Queries  []PlannedQuery
	Fallback bool
	Usage    TokenUsage
	Model    string
}

// NewPlanner creates a planner instance.
func NewPlanner(cfg Config, provider CompletionProvider) *Planner {
	return &Planner{
		cfg:      cfg,
		provider: provider,
		logger:   log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
	}
}

// Plan asks the model to decompose the question. A malformed response falls
// back to the question itself; a transport error is returned to the caller
// and aborts the turn.
func (p *Planner) Plan(ctx context.Context, question, history string) (PlanResult, error) {
	startTime := time.Now()

	prompt := buildPlanningPrompt(question, history, p.cfg.MaxPlannedQueries)
	completion, err := p.provider.Generate(ctx, prompt, GenerateOptions{
		Temperature: p.cfg.PlanningTemperature,
		MaxTokens:   planMaxTokens,
		JSONMode:    true,
	})
	if err != nil {
		return PlanResult{}, fmt.Errorf("generating query plan: %w", err)
	}

	result := PlanResult{Usage: completion.Usage, Model: completion.Model}

	texts, err := parsePlannedQueries(completion.Text)
	if err != nil {
		p.logger.Printf("falling back to the original question: %v", err)
		result.Queries = []PlannedQuery{{Index: 0, Text: question}}
		result.Fallback = true
		return result, nil
	}

	if len(texts) > p.cfg.MaxPlannedQueries {
		texts = texts[:p.cfg.MaxPlannedQueries]
	}
	for i, text := range texts {
		result.Queries = append(result.Queries, PlannedQuery{Index: i, Text: text})
	}

	p.logger.Printf("planned %d queries in %v", len(result.Queries), time.Since(startTime))
	return result, nil
}

// parsePlannedQueries extracts the query list from the model response,
// tolerating markdown fences and surrounding prose.
func parsePlannedQueries(response string) ([]string, error) {
	text := stripCodeFence(response)

	var payload struct {
		Queries []string `json:"queries"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		extracted := extractJSONObject(text)
		if extracted == "" {
			return nil, fmt.Errorf("no JSON object in planner response")
		}
		if err := json.Unmarshal([]byte(extracted), &payload); err != nil {
			return nil, fmt.Errorf("parsing planner response: %w", err)
		}
	}

	queries := make([]string, 0, len(payload.Queries))
	seen := make(map[string]struct{}, len(payload.Queries))
	for _, q := range payload.Queries {
		q = stripListPrefix(strings.TrimSpace(q))
		if q == "" {
			continue
		}
		if _, dup := seen[q]; dup {
			continue
		}
		seen[q] = struct{}{}
		queries = append(queries, q)
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("planner returned no queries")
	}
	return queries, nil
}

// stripListPrefix drops a leading bullet or "1. " / "1) " ordinal that models
// sometimes keep inside array entries. Queries that merely start with a
// number ("3d printing", "1.5C warming") are left alone.
func stripListPrefix(s string) string {
	s = strings.TrimLeft(s, "-*• \t")
	for i, ch := range s {
		if ch >= '0' && ch <= '9' {
			continue
		}
		if (ch == '.' || ch == ')') && i > 0 && i+1 < len(s) && s[i+1] == ' ' {
			return strings.TrimSpace(s[i+1:])
		}
		break
	}
	return strings.TrimSpace(s)
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// extractJSONObject returns the first balanced top-level JSON object in s.
func extractJSONObject(s string) string {
	start := -1
	depth := 0
	for i, ch := range s {
		if ch == '{' {
			if depth == 0 {
				start = i
			}
			depth++
		} else if ch == '}' {
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
